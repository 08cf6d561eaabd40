package client

import (
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/proto"
)

// RoomView is the local state of the room the client is in, kept up to
// date from server events. Messages are keyed by id, so a message that is
// delivered twice is stored once.
type RoomView struct {
	mu       sync.Mutex
	names    proto.Names
	roomID   string
	name     string
	count    int
	maxUsers int
	messages []core.Message
	members  []string
	typing   map[string]struct{}
	subs     []*Subscription
}

func NewRoomView(names proto.Names) *RoomView {
	return &RoomView{names: names, typing: make(map[string]struct{})}
}

// Bind subscribes the view to the room events of c.
func (v *RoomView) Bind(c *Client) {
	for _, t := range []string{
		v.names.RoomJoinSuccess,
		v.names.ChatMessage,
		v.names.MessageDeleted,
		v.names.UserJoinedRoom,
		v.names.UserLeftRoom,
		v.names.UserTyping,
		v.names.UserStoppedTyping,
		v.names.RoomUserCount,
		v.names.RoomLeaveSuccess,
		v.names.RoomDeleted,
	} {
		sub := c.Subscribe(t, func(e *core.Event) {
			if err := v.Apply(e); err != nil {
				c.logger.Debug("room view: " + err.Error())
			}
		})
		v.mu.Lock()
		v.subs = append(v.subs, sub)
		v.mu.Unlock()
	}
}

func (v *RoomView) Unbind() {
	v.mu.Lock()
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Apply folds one server event into the view. Events about other rooms
// are ignored.
func (v *RoomView) Apply(e *core.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch e.Type {
	case v.names.RoomJoinSuccess:
		var p proto.RoomJoinSuccessPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.RoomID != v.roomID {
			v.resetLocked()
		} else {
			v.pruneLocked(p.History)
		}
		v.roomID = p.RoomID
		v.name = p.RoomName
		v.count = p.UserCount
		v.maxUsers = p.MaxUsers
		for _, m := range p.History {
			v.upsertLocked(m)
		}
		v.members = v.members[:0]
		for _, m := range p.Members {
			v.members = append(v.members, m.Username)
		}
		clear(v.typing)
		for _, u := range p.Typing {
			v.typing[u] = struct{}{}
		}

	case v.names.ChatMessage:
		var p proto.MessagePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.Message.RoomID == v.roomID {
			v.upsertLocked(p.Message)
		}

	case v.names.MessageDeleted:
		var p proto.DeleteMessagePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.RoomID == v.roomID {
			v.messages = slices.DeleteFunc(v.messages, func(m core.Message) bool { return m.ID == p.MessageID })
		}

	case v.names.UserJoinedRoom, v.names.UserLeftRoom:
		var p proto.MembershipPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.RoomID != v.roomID {
			return nil
		}
		v.count = p.UserCount
		if e.Type == v.names.UserJoinedRoom {
			if !slices.Contains(v.members, p.Username) {
				v.members = append(v.members, p.Username)
			}
		} else {
			v.members = slices.DeleteFunc(v.members, func(u string) bool { return u == p.Username })
			delete(v.typing, p.Username)
		}

	case v.names.UserTyping, v.names.UserStoppedTyping:
		var p proto.TypingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.RoomID != v.roomID {
			return nil
		}
		if e.Type == v.names.UserTyping {
			v.typing[p.Username] = struct{}{}
		} else {
			delete(v.typing, p.Username)
		}

	case v.names.RoomUserCount:
		var p proto.RoomUserCountPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.RoomID == v.roomID {
			v.count = p.Count
		}

	case v.names.RoomLeaveSuccess, v.names.RoomDeleted:
		var p proto.RoomRefPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.RoomID == v.roomID {
			v.resetLocked()
		}
	}
	return nil
}

func (v *RoomView) resetLocked() {
	v.roomID = ""
	v.name = ""
	v.count = 0
	v.maxUsers = 0
	v.messages = nil
	v.members = nil
	clear(v.typing)
}

// pruneLocked drops held messages that a fresh join snapshot covers but
// does not contain. Those were deleted while the view was not listening.
func (v *RoomView) pruneLocked(history []core.Message) {
	ids := make(map[string]struct{}, len(history))
	var since time.Time
	for _, m := range history {
		ids[m.ID] = struct{}{}
		if since.IsZero() || m.SentAt.Before(since) {
			since = m.SentAt
		}
	}
	v.messages = slices.DeleteFunc(v.messages, func(m core.Message) bool {
		_, ok := ids[m.ID]
		return !ok && !m.SentAt.Before(since)
	})
}

// upsertLocked replaces a known message in place and appends new ones.
func (v *RoomView) upsertLocked(m core.Message) {
	i := slices.IndexFunc(v.messages, func(o core.Message) bool { return o.ID == m.ID })
	if i >= 0 {
		v.messages[i] = m
		return
	}
	v.messages = append(v.messages, m)
}

func (v *RoomView) RoomID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roomID
}

func (v *RoomView) Name() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.name
}

// Count returns the number of users in the room and its capacity.
func (v *RoomView) Count() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count, v.maxUsers
}

func (v *RoomView) Messages() []core.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.messages)
}

func (v *RoomView) Members() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.members)
}

// Typing returns the users typing, sorted.
func (v *RoomView) Typing() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	users := make([]string, 0, len(v.typing))
	for u := range v.typing {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}
