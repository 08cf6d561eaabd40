package vocalroom

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/proto"
)

const (
	eventTypingExpired = "$typing expired"
	eventReapRooms     = "$reap rooms"
)

// Broadcaster delivers events to connected sessions.
type Broadcaster interface {
	Send(e *core.Event)
	SendTo(e *core.Event, sessions ...string)
}

// Poster queues internal events on the event loop.
type Poster interface {
	Post(ctx context.Context, e *core.Event)
}

type DispatcherConfig struct {
	HistoryLimit int
	TokenSecret  []byte
	TokenTTL     time.Duration
	// ReapAfter is how long a room may stay empty. Zero disables reaping.
	ReapAfter time.Duration
}

// Dispatcher turns client events into operations on the room components
// and fans the outcome out to the affected sessions. Its handlers are
// registered on an EventRouter and therefore never run concurrently.
type Dispatcher struct {
	rooms    *core.RoomRegistry
	members  *core.MembershipTracker
	messages *core.MessageLog
	typing   *core.TypingTracker
	tokens   *core.ResumeTokens
	out      Broadcaster
	poster   Poster
	config   DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time

	handlers map[string]core.EventHandler
	internal map[string]core.EventHandler
	// ctx is the context expiry events are posted with.
	ctx context.Context
}

func NewDispatcher(
	rooms *core.RoomRegistry,
	members *core.MembershipTracker,
	messages *core.MessageLog,
	out Broadcaster,
	config DispatcherConfig,
	logger *slog.Logger,
	typingOpts ...core.TypingOption,
) *Dispatcher {
	d := &Dispatcher{
		rooms:    rooms,
		members:  members,
		messages: messages,
		tokens:   core.NewResumeTokens(config.TokenSecret, config.TokenTTL),
		out:      out,
		config:   config,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]core.EventHandler),
		internal: make(map[string]core.EventHandler),
		ctx:      context.Background(),
	}
	d.typing = core.NewTypingTracker(d.postTypingExpired, typingOpts...)

	d.handlers[proto.UserJoin] = d.userJoin
	d.handlers[proto.Ping] = d.ping
	d.handlers[proto.VoiceMessage] = d.voiceMessage
	for _, names := range []proto.Names{proto.Chat, proto.Music} {
		d.handlers[names.GetRoomList] = d.roomList(names)
		d.handlers[names.CreateRoom] = d.createRoom(names)
		d.handlers[names.JoinRoom] = d.joinRoom(names)
		d.handlers[names.LeaveRoom] = d.leaveRoom(names)
		d.handlers[names.ChatMessage] = d.chatMessage(names)
		d.handlers[names.DeleteMessage] = d.deleteMessage(names)
		d.handlers[names.DeleteRoom] = d.deleteRoom(names)
		d.handlers[names.TypingStart] = d.typingStart(names)
		d.handlers[names.TypingStop] = d.typingStop(names)
	}
	d.internal[core.EventSessionClosed] = d.sessionClosed
	d.internal[eventTypingExpired] = d.typingExpired
	d.internal[eventReapRooms] = d.reapRooms
	return d
}

// Register installs the handlers on r. Typing expiry is posted back to r.
func (d *Dispatcher) Register(ctx context.Context, r *core.EventRouter) {
	d.ctx = ctx
	d.poster = r
	for t, h := range d.handlers {
		r.On(t, h)
	}
	for t, h := range d.internal {
		r.OnInternal(t, h)
	}
	r.Fallback(d.unknown)
}

// Close stops the pending typing timers.
func (d *Dispatcher) Close() {
	d.typing.Close()
}

// handle dispatches e the way a router would.
func (d *Dispatcher) handle(ctx context.Context, e *core.Event) error {
	if e.Internal() {
		if h, ok := d.internal[e.Type]; ok {
			return h(ctx, e)
		}
		return nil
	}
	if h, ok := d.handlers[e.Type]; ok {
		return h(ctx, e)
	}
	return d.unknown(ctx, e)
}

// StartReaper posts a reap event every interval until ctx is done.
func (d *Dispatcher) StartReaper(ctx context.Context, interval time.Duration) {
	if d.config.ReapAfter <= 0 || d.poster == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e, err := core.NewInternalEvent(eventReapRooms, "", nil)
				if err != nil {
					continue
				}
				d.poster.Post(ctx, e)
			}
		}
	}()
}

func (d *Dispatcher) reply(req *core.Event, t string, payload any) error {
	e, err := req.Reply(t, payload)
	if err != nil {
		return err
	}
	d.out.SendTo(e, req.Session)
	return nil
}

// reject answers req with an error event. Internal errors are logged and
// reported to the client without their details.
func (d *Dispatcher) reject(req *core.Event, t string, err error) error {
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		d.logger.Error(fmt.Sprintf("%s: %v", req.Type, err), slog.String("session", req.Session))
	} else {
		d.logger.Debug(fmt.Sprintf("%s rejected: %v", req.Type, err), slog.String("session", req.Session))
	}
	return d.reply(req, t, proto.ErrorPayload{
		Message: core.PublicMessage(err),
		Code:    kind.String(),
	})
}

func (d *Dispatcher) emit(t string, payload any, sessions ...string) error {
	if len(sessions) == 0 {
		return nil
	}
	e, err := core.NewEvent(t, payload)
	if err != nil {
		return err
	}
	d.out.SendTo(e, sessions...)
	return nil
}

func without(sessions []string, session string) []string {
	return slices.DeleteFunc(sessions, func(s string) bool { return s == session })
}

// roomOf returns the room if it exists and has the type the names are for.
func roomOf(rooms *core.RoomRegistry, id string, names proto.Names) (core.Room, error) {
	room, ok := rooms.Get(id)
	if !ok || room.Type != names.RoomType {
		return core.Room{}, core.ErrRoomNotFound
	}
	return room, nil
}

func (d *Dispatcher) userJoin(ctx context.Context, e *core.Event) error {
	var payload proto.UserJoinPayload
	if err := e.Decode(&payload); err != nil {
		return d.reject(e, proto.UserJoinError, err)
	}

	username, role := payload.Username, payload.Role
	if payload.Token != "" {
		claims, err := d.tokens.Verify(payload.Token)
		if err != nil {
			d.logger.Debug(fmt.Sprintf("ignoring resume token: %v", err), slog.String("session", e.Session))
		} else {
			username, role = claims.Username(), claims.Role
		}
	}
	if err := validatePayload(proto.UserJoinPayload{Username: username, Role: role}); err != nil {
		return d.reject(e, proto.UserJoinError, err)
	}

	p, err := d.members.Login(e.Session, username, role)
	if err != nil {
		return d.reject(e, proto.UserJoinError, err)
	}
	token, exp, err := d.tokens.Issue(p)
	if err != nil {
		return d.reject(e, proto.UserJoinError, err)
	}
	return d.reply(e, proto.UserJoinSuccess, proto.UserJoinSuccessPayload{
		SessionID: e.Session,
		Username:  p.Username,
		Role:      p.Role,
		Token:     token,
		ExpiresAt: exp,
	})
}

func (d *Dispatcher) ping(ctx context.Context, e *core.Event) error {
	return d.reply(e, proto.Pong, proto.PongPayload{ServerTime: d.now()})
}

func (d *Dispatcher) unknown(ctx context.Context, e *core.Event) error {
	return d.reply(e, proto.Error, proto.ErrorPayload{
		Message: fmt.Sprintf("unknown event type %q", e.Type),
		Code:    core.KindValidation.String(),
	})
}

func (d *Dispatcher) roomList(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		return d.reply(e, names.RoomList, proto.RoomListPayload{Rooms: d.rooms.List(names.RoomType)})
	}
}

func (d *Dispatcher) createRoom(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		var payload proto.CreateRoomPayload
		if err := e.Decode(&payload); err != nil {
			return d.reject(e, names.RoomCreateError, err)
		}
		if err := validatePayload(payload); err != nil {
			return d.reject(e, names.RoomCreateError, err)
		}
		p, ok := d.members.Participant(e.Session)
		if !ok {
			return d.reject(e, names.RoomCreateError, core.ErrNotLoggedIn)
		}

		room, err := d.rooms.Create(ctx, core.RoomCreateInput{
			Name:     payload.Name,
			Capacity: payload.MaxUsers,
			Password: payload.Password,
			Creator:  p.Username,
			Type:     names.RoomType,
		})
		if err != nil {
			return d.reject(e, names.RoomCreateError, err)
		}

		if err := d.reply(e, names.RoomCreated, proto.RoomPayload{Room: room}); err != nil {
			return err
		}
		return d.emit(names.RoomCreated, proto.RoomPayload{Room: room}, without(d.members.Sessions(), e.Session)...)
	}
}

func (d *Dispatcher) joinRoom(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		var payload proto.JoinRoomPayload
		if err := e.Decode(&payload); err != nil {
			return d.reject(e, names.RoomJoinError, err)
		}
		if err := validatePayload(payload); err != nil {
			return d.reject(e, names.RoomJoinError, err)
		}
		if _, ok := d.members.Participant(e.Session); !ok {
			return d.reject(e, names.RoomJoinError, core.ErrNotLoggedIn)
		}
		if _, err := roomOf(d.rooms, payload.RoomID, names); err != nil {
			return d.reject(e, names.RoomJoinError, err)
		}

		res, err := d.members.Join(e.Session, payload.RoomID, payload.Password)
		if err != nil {
			return d.reject(e, names.RoomJoinError, err)
		}
		if res.Previous != nil {
			if err := d.announceLeave(*res.Previous); err != nil {
				return err
			}
		}

		p, _ := d.members.Participant(e.Session)
		room := res.Room
		if !res.AlreadyJoined {
			others := without(d.members.SessionsIn(room.ID), e.Session)
			if err := d.emit(names.UserJoinedRoom, proto.MembershipPayload{
				RoomID:    room.ID,
				Username:  p.Username,
				UserCount: room.Count,
			}, others...); err != nil {
				return err
			}
			if err := d.emit(names.RoomUserCount, proto.RoomUserCountPayload{
				RoomID:   room.ID,
				Count:    room.Count,
				MaxUsers: room.Capacity,
			}, without(d.members.Sessions(), e.Session)...); err != nil {
				return err
			}
		}

		return d.reply(e, names.RoomJoinSuccess, proto.RoomJoinSuccessPayload{
			RoomID:    room.ID,
			RoomName:  room.Name,
			UserCount: room.Count,
			MaxUsers:  room.Capacity,
			History:   d.messages.History(room.ID, d.config.HistoryLimit),
			Members:   d.members.Members(room.ID),
			Typing:    d.typing.Typing(room.ID),
		})
	}
}

// announceLeave tells the room a participant left. Nothing is sent for
// rooms that no longer exist.
func (d *Dispatcher) announceLeave(res core.LeaveResult) error {
	room := res.Room
	d.typing.Cancel(room.ID, res.Participant.Username)
	if room.Type == "" {
		return nil
	}
	names := proto.NamesFor(room.Type)
	if err := d.emit(names.UserLeftRoom, proto.MembershipPayload{
		RoomID:    room.ID,
		Username:  res.Participant.Username,
		UserCount: room.Count,
	}, d.members.SessionsIn(room.ID)...); err != nil {
		return err
	}
	return d.emit(names.RoomUserCount, proto.RoomUserCountPayload{
		RoomID:   room.ID,
		Count:    room.Count,
		MaxUsers: room.Capacity,
	}, without(d.members.Sessions(), res.Participant.SessionID)...)
}

func (d *Dispatcher) leaveRoom(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		var payload proto.RoomRefPayload
		if err := e.Decode(&payload); err != nil {
			return d.reject(e, names.ChatError, err)
		}
		if err := validatePayload(payload); err != nil {
			return d.reject(e, names.ChatError, err)
		}

		if room, ok := d.rooms.Get(payload.RoomID); ok && room.Type != names.RoomType {
			return d.reject(e, names.ChatError, core.ErrRoomNotFound)
		}
		// Leaving a room the session is not in is a no-op.
		if d.members.IsMember(e.Session, payload.RoomID) {
			if res, ok := d.members.Leave(e.Session); ok {
				if err := d.announceLeave(res); err != nil {
					return err
				}
			}
		}
		return d.reply(e, names.RoomLeaveSuccess, proto.RoomRefPayload{RoomID: payload.RoomID})
	}
}

func (d *Dispatcher) chatMessage(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		var payload proto.ChatMessagePayload
		if err := e.Decode(&payload); err != nil {
			return d.reject(e, names.ChatError, err)
		}
		return d.postMessage(ctx, e, names, payload)
	}
}

// voiceMessage posts a recorded clip to a music room.
func (d *Dispatcher) voiceMessage(ctx context.Context, e *core.Event) error {
	var payload proto.ChatMessagePayload
	if err := e.Decode(&payload); err != nil {
		return d.reject(e, proto.Music.ChatError, err)
	}
	if payload.FileData == nil {
		return d.reject(e, proto.Music.ChatError, core.ErrInvalidFile)
	}
	if payload.Type == "" {
		payload.Type = core.AudioMessage
	}
	return d.postMessage(ctx, e, proto.Music, payload)
}

func (d *Dispatcher) postMessage(ctx context.Context, e *core.Event, names proto.Names, payload proto.ChatMessagePayload) error {
	if err := validatePayload(payload); err != nil {
		return d.reject(e, names.ChatError, err)
	}
	if _, err := roomOf(d.rooms, payload.RoomID, names); err != nil {
		return d.reject(e, names.ChatError, err)
	}

	msg, err := d.messages.Append(ctx, core.MessageCreateInput{
		RoomID:    payload.RoomID,
		SessionID: e.Session,
		Content:   payload.Message,
		Type:      payload.Type,
		File:      payload.FileData,
	})
	if err != nil {
		return d.reject(e, names.ChatError, err)
	}
	d.rooms.Touch(msg.RoomID)

	others := without(d.members.SessionsIn(msg.RoomID), e.Session)
	if d.typing.Stop(msg.RoomID, msg.Sender) {
		if err := d.emit(names.UserStoppedTyping, proto.TypingPayload{
			RoomID:   msg.RoomID,
			Username: msg.Sender,
		}, others...); err != nil {
			return err
		}
	}
	if err := d.emit(names.ChatMessage, proto.MessagePayload{Message: msg}, others...); err != nil {
		return err
	}
	return d.reply(e, names.ChatMessage, proto.MessagePayload{Message: msg})
}

func (d *Dispatcher) deleteMessage(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		var payload proto.DeleteMessagePayload
		if err := e.Decode(&payload); err != nil {
			return d.reject(e, names.DeleteError, err)
		}
		if err := validatePayload(payload); err != nil {
			return d.reject(e, names.DeleteError, err)
		}
		if _, err := roomOf(d.rooms, payload.RoomID, names); err != nil {
			return d.reject(e, names.DeleteError, err)
		}

		msg, err := d.messages.SoftDelete(ctx, payload.RoomID, payload.MessageID, e.Session)
		if err != nil {
			return d.reject(e, names.DeleteError, err)
		}
		deleted := proto.DeleteMessagePayload{RoomID: msg.RoomID, MessageID: msg.ID}
		if err := d.emit(names.MessageDeleted, deleted, without(d.members.SessionsIn(msg.RoomID), e.Session)...); err != nil {
			return err
		}
		return d.reply(e, names.MessageDeleted, deleted)
	}
}

func (d *Dispatcher) deleteRoom(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		var payload proto.RoomRefPayload
		if err := e.Decode(&payload); err != nil {
			return d.reject(e, names.RoomDeleteError, err)
		}
		if err := validatePayload(payload); err != nil {
			return d.reject(e, names.RoomDeleteError, err)
		}
		p, ok := d.members.Participant(e.Session)
		if !ok {
			return d.reject(e, names.RoomDeleteError, core.ErrNotLoggedIn)
		}
		room, err := roomOf(d.rooms, payload.RoomID, names)
		if err != nil {
			return d.reject(e, names.RoomDeleteError, err)
		}
		if room.Creator != p.Username && p.Role != core.RoleAdmin {
			return d.reject(e, names.RoomDeleteError, core.ErrPermissionDenied)
		}

		if _, err := d.rooms.Delete(ctx, room.ID); err != nil {
			return d.reject(e, names.RoomDeleteError, err)
		}
		d.messages.DropRoom(room.ID)
		d.typing.DropRoom(room.ID)

		ref := proto.RoomRefPayload{RoomID: room.ID}
		if err := d.emit(names.RoomDeleted, ref, without(d.members.Sessions(), e.Session)...); err != nil {
			return err
		}
		return d.reply(e, names.RoomDeleted, ref)
	}
}

// typingRoom resolves the room of a typing event. Typing events are fire
// and forget, so failures are only reported when the client asked for an
// answer.
func (d *Dispatcher) typingRoom(e *core.Event, names proto.Names) (core.Participant, string, bool, error) {
	var payload proto.RoomRefPayload
	err := e.Decode(&payload)
	if err == nil {
		err = validatePayload(payload)
	}
	if err == nil {
		_, err = roomOf(d.rooms, payload.RoomID, names)
	}
	var p core.Participant
	if err == nil {
		var ok bool
		p, ok = d.members.Participant(e.Session)
		if !ok || p.RoomID != payload.RoomID {
			err = core.ErrNotAMember
		}
	}
	if err != nil {
		if e.Ack != 0 {
			return p, "", false, d.reject(e, names.ChatError, err)
		}
		d.logger.Debug(fmt.Sprintf("%s dropped: %v", e.Type, err), slog.String("session", e.Session))
		return p, "", false, nil
	}
	return p, payload.RoomID, true, nil
}

func (d *Dispatcher) typingStart(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		p, roomID, ok, err := d.typingRoom(e, names)
		if !ok {
			return err
		}
		started, err := d.typing.Start(roomID, p.Username)
		if err != nil {
			if e.Ack != 0 {
				return d.reject(e, names.ChatError, err)
			}
			return nil
		}
		if !started {
			return nil
		}
		return d.emit(names.UserTyping, proto.TypingPayload{
			RoomID:   roomID,
			Username: p.Username,
		}, without(d.members.SessionsIn(roomID), e.Session)...)
	}
}

func (d *Dispatcher) typingStop(names proto.Names) core.EventHandler {
	return func(ctx context.Context, e *core.Event) error {
		p, roomID, ok, err := d.typingRoom(e, names)
		if !ok {
			return err
		}
		if !d.typing.Stop(roomID, p.Username) {
			return nil
		}
		return d.emit(names.UserStoppedTyping, proto.TypingPayload{
			RoomID:   roomID,
			Username: p.Username,
		}, without(d.members.SessionsIn(roomID), e.Session)...)
	}
}

// postTypingExpired runs on a timer goroutine. The broadcast itself is
// done on the event loop.
func (d *Dispatcher) postTypingExpired(roomID, username string) {
	if d.poster == nil {
		return
	}
	e, err := core.NewInternalEvent(eventTypingExpired, "", proto.TypingPayload{RoomID: roomID, Username: username})
	if err != nil {
		d.logger.Error(fmt.Sprintf("typing expiry: %v", err))
		return
	}
	d.poster.Post(d.ctx, e)
}

func (d *Dispatcher) typingExpired(ctx context.Context, e *core.Event) error {
	var payload proto.TypingPayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	// The user may have started typing again since the timer fired.
	if slices.Contains(d.typing.Typing(payload.RoomID), payload.Username) {
		return nil
	}
	room, ok := d.rooms.Get(payload.RoomID)
	if !ok {
		return nil
	}
	names := proto.NamesFor(room.Type)
	return d.emit(names.UserStoppedTyping, payload, d.members.SessionsIn(room.ID)...)
}

func (d *Dispatcher) sessionClosed(ctx context.Context, e *core.Event) error {
	res, ok := d.members.Disconnect(e.Session)
	if !ok {
		return nil
	}
	return d.announceLeave(res)
}

func (d *Dispatcher) reapRooms(ctx context.Context, e *core.Event) error {
	reaped := d.rooms.Reap(ctx, d.now().Add(-d.config.ReapAfter))
	for _, room := range reaped {
		d.messages.DropRoom(room.ID)
		d.typing.DropRoom(room.ID)
		names := proto.NamesFor(room.Type)
		ev, err := core.NewEvent(names.RoomDeleted, proto.RoomRefPayload{RoomID: room.ID})
		if err != nil {
			return err
		}
		d.out.Send(ev)
		d.logger.Info("reaped empty room", slog.String("room", room.ID), slog.String("name", room.Name))
	}
	return nil
}
