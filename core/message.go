package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type MessageType string

const (
	TextMessage   MessageType = "text"
	ImageMessage  MessageType = "image"
	AudioMessage  MessageType = "audio"
	VideoMessage  MessageType = "video"
	FileMessage   MessageType = "file"
	SystemMessage MessageType = "system"
)

type FileData struct {
	URL      string `json:"url" validate:"required,max=2048"`
	Name     string `json:"name" validate:"max=255"`
	Size     int64  `json:"size" validate:"min=0"`
	MimeType string `json:"mimeType" validate:"max=255"`
}

// Type infers the message type from the mime type of the file.
func (f FileData) Type() MessageType {
	switch {
	case strings.HasPrefix(f.MimeType, "image/"):
		return ImageMessage
	case strings.HasPrefix(f.MimeType, "audio/"):
		return AudioMessage
	case strings.HasPrefix(f.MimeType, "video/"):
		return VideoMessage
	default:
		return FileMessage
	}
}

type Message struct {
	ID       string      `json:"id"`
	RoomID   string      `json:"roomId"`
	SenderID string      `json:"senderId"`
	Sender   string      `json:"sender"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`
	File     *FileData   `json:"fileData,omitempty"`
	SentAt   time.Time   `json:"timestamp"`
	Deleted  bool        `json:"-"`
}

type MessageCreateInput struct {
	RoomID    string
	SessionID string
	Content   string
	Type      MessageType
	File      *FileData
}

type MessageOptions struct {
	// MaxLength is the longest content in runes.
	MaxLength int
	// Retain caps the number of messages kept per room. Zero keeps all.
	Retain int
}

func DefaultMessageOptions() MessageOptions {
	return MessageOptions{MaxLength: 2000}
}

type roomLog struct {
	messages []*Message
}

// MessageLog keeps the ordered history of every room.
type MessageLog struct {
	mu      sync.RWMutex
	members *MembershipTracker
	logs    map[string]*roomLog
	index   map[string]*Message
	store   Store
	opts    MessageOptions
	logger  *slog.Logger
	now     func() time.Time
}

func NewMessageLog(members *MembershipTracker, store Store, opts MessageOptions, logger *slog.Logger) *MessageLog {
	if store == nil {
		store = NopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLog{
		members: members,
		logs:    make(map[string]*roomLog),
		index:   make(map[string]*Message),
		store:   store,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *MessageLog) Append(ctx context.Context, input MessageCreateInput) (Message, error) {
	p, ok := l.members.Participant(input.SessionID)
	if !ok || p.RoomID != input.RoomID {
		return Message{}, ErrNotAMember
	}

	if utf8.RuneCountInString(input.Content) > l.opts.MaxLength {
		return Message{}, ErrMessageTooLong
	}
	if strings.TrimSpace(input.Content) == "" && input.File == nil {
		return Message{}, ErrEmptyMessage
	}

	t := input.Type
	switch t {
	case "":
		t = TextMessage
		if input.File != nil {
			t = input.File.Type()
		}
	case TextMessage, ImageMessage, AudioMessage, VideoMessage, FileMessage:
	default:
		return Message{}, ErrInvalidPayload
	}
	if t != TextMessage && input.File == nil {
		return Message{}, ErrInvalidFile
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("generate message id: %w", err)
	}

	msg := &Message{
		ID:       id.String(),
		RoomID:   input.RoomID,
		SenderID: p.SessionID,
		Sender:   p.Username,
		Type:     t,
		Content:  input.Content,
		File:     input.File,
		SentAt:   l.now(),
	}

	if err := l.store.SaveMessage(ctx, *msg); err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}

	l.mu.Lock()
	l.appendLocked(msg)
	l.mu.Unlock()
	return *msg, nil
}

func (l *MessageLog) appendLocked(msg *Message) {
	rl, ok := l.logs[msg.RoomID]
	if !ok {
		rl = &roomLog{}
		l.logs[msg.RoomID] = rl
	}
	rl.messages = append(rl.messages, msg)
	l.index[msg.ID] = msg

	if l.opts.Retain > 0 && len(rl.messages) > l.opts.Retain {
		drop := len(rl.messages) - l.opts.Retain
		for _, m := range rl.messages[:drop] {
			delete(l.index, m.ID)
		}
		rl.messages = append([]*Message(nil), rl.messages[drop:]...)
	}
}

// SoftDelete marks a message as deleted. Only the sender or an admin may
// delete a message.
func (l *MessageLog) SoftDelete(ctx context.Context, roomID, messageID, requesterSession string) (Message, error) {
	requester, ok := l.members.Participant(requesterSession)
	if !ok {
		return Message{}, ErrNotLoggedIn
	}

	l.mu.Lock()
	msg, ok := l.index[messageID]
	if !ok || msg.RoomID != roomID || msg.Deleted {
		l.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	if msg.Sender != requester.Username && requester.Role != RoleAdmin {
		l.mu.Unlock()
		return Message{}, ErrPermissionDenied
	}
	msg.Deleted = true
	deleted := *msg
	l.mu.Unlock()

	if err := l.store.DeleteMessage(ctx, messageID); err != nil {
		l.logger.Error(fmt.Sprintf("delete message %s from store: %v", messageID, err))
	}
	return deleted, nil
}

// History returns up to limit of the newest visible messages of a room,
// oldest first. A limit of zero or less returns every visible message.
func (l *MessageLog) History(roomID string, limit int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rl, ok := l.logs[roomID]
	if !ok {
		return []Message{}
	}

	visible := make([]Message, 0, len(rl.messages))
	for _, m := range rl.messages {
		if !m.Deleted {
			visible = append(visible, *m)
		}
	}
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return visible
}

// Get returns a message by id, deleted or not.
func (l *MessageLog) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// DropRoom forgets the history of a room.
func (l *MessageLog) DropRoom(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.logs[roomID]
	if !ok {
		return
	}
	for _, m := range rl.messages {
		delete(l.index, m.ID)
	}
	delete(l.logs, roomID)
}

// Restore loads persisted messages. msgs must be in acceptance order.
func (l *MessageLog) Restore(msgs []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range msgs {
		m := msgs[i]
		l.appendLocked(&m)
	}
}
