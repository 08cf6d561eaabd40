package vocalroom

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder is a Broadcaster that keeps what it was asked to send.
type recorder struct {
	mu  sync.Mutex
	all []*core.Event
	to  map[string][]*core.Event
}

func newRecorder() *recorder {
	return &recorder{to: make(map[string][]*core.Event)}
}

func (r *recorder) Send(e *core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, e)
}

func (r *recorder) SendTo(e *core.Event, sessions ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		r.to[s] = append(r.to[s], e)
	}
}

// events returns the events of type t sent to session.
func (r *recorder) events(session, t string) []*core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Event
	for _, e := range r.to[session] {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) last(session string) *core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.to[session]
	if len(events) == 0 {
		return nil
	}
	return events[len(events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = nil
	r.to = make(map[string][]*core.Event)
}

type chanPoster chan *core.Event

func (p chanPoster) Post(ctx context.Context, e *core.Event) {
	p <- e
}

func payloadOf[T any](t *testing.T, e *core.Event) T {
	t.Helper()
	require.NotNil(t, e)
	var v T
	require.NoError(t, json.Unmarshal(e.Payload, &v))
	return v
}

type dispatcherFixture struct {
	t        *testing.T
	ctx      context.Context
	rooms    *core.RoomRegistry
	members  *core.MembershipTracker
	messages *core.MessageLog
	d        *Dispatcher
	out      *recorder
	posted   chanPoster
	ack      uint64
}

func newDispatcherFixture(t *testing.T, config DispatcherConfig) *dispatcherFixture {
	roomOpts := core.DefaultRoomOptions()
	roomOpts.PasswordCost = bcrypt.MinCost
	rooms := core.NewRoomRegistry(core.NopStore{}, roomOpts, discardLogger)
	members := core.NewMembershipTracker(rooms, 32, discardLogger)
	messages := core.NewMessageLog(members, core.NopStore{}, core.DefaultMessageOptions(), discardLogger)

	if config.TokenSecret == nil {
		config.TokenSecret = []byte("test secret")
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = time.Hour
	}
	out := newRecorder()
	d := NewDispatcher(rooms, members, messages, out, config, discardLogger,
		core.WithTypingTimeout(20*time.Millisecond), core.WithTypingThrottle(0))
	posted := make(chanPoster, 16)
	d.poster = posted
	t.Cleanup(d.Close)

	return &dispatcherFixture{
		t:        t,
		ctx:      context.Background(),
		rooms:    rooms,
		members:  members,
		messages: messages,
		d:        d,
		out:      out,
		posted:   posted,
	}
}

// send dispatches a client event from session and returns its ack.
func (f *dispatcherFixture) send(session, t string, payload any) uint64 {
	f.t.Helper()
	e, err := core.NewEvent(t, payload)
	require.NoError(f.t, err)
	f.ack++
	e.Ack = f.ack
	e.Session = session
	require.NoError(f.t, f.d.handle(f.ctx, e))
	return e.Ack
}

func (f *dispatcherFixture) sendInternal(t, session string, payload any) {
	f.t.Helper()
	e, err := core.NewInternalEvent(t, session, payload)
	require.NoError(f.t, err)
	require.NoError(f.t, f.d.handle(f.ctx, e))
}

func (f *dispatcherFixture) login(session, username string, role core.Role) {
	f.t.Helper()
	f.send(session, proto.UserJoin, proto.UserJoinPayload{Username: username, Role: role})
	require.Equal(f.t, proto.UserJoinSuccess, f.out.last(session).Type)
}

func (f *dispatcherFixture) createRoom(session string, names proto.Names, payload proto.CreateRoomPayload) core.Room {
	f.t.Helper()
	f.send(session, names.CreateRoom, payload)
	e := f.out.last(session)
	require.Equal(f.t, names.RoomCreated, e.Type, string(e.Payload))
	return payloadOf[proto.RoomPayload](f.t, e).Room
}

func (f *dispatcherFixture) join(session string, names proto.Names, roomID string) {
	f.t.Helper()
	f.send(session, names.JoinRoom, proto.JoinRoomPayload{RoomID: roomID})
	e := f.out.last(session)
	require.Equal(f.t, names.RoomJoinSuccess, e.Type, string(e.Payload))
}

func TestDispatcher_LoginAndResume(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})

	ack := f.send("s1", proto.UserJoin, proto.UserJoinPayload{Username: "alice", Role: core.RoleAdmin})
	reply := f.out.last("s1")
	require.Equal(t, proto.UserJoinSuccess, reply.Type)
	assert.Equal(t, ack, reply.Ack)
	ok := payloadOf[proto.UserJoinSuccessPayload](t, reply)
	assert.Equal(t, "alice", ok.Username)
	assert.Equal(t, core.RoleAdmin, ok.Role)
	assert.Equal(t, "s1", ok.SessionID)
	require.NotEmpty(t, ok.Token)

	// A new session presenting the token gets the identity back.
	f.send("s2", proto.UserJoin, proto.UserJoinPayload{Token: ok.Token})
	resumed := payloadOf[proto.UserJoinSuccessPayload](t, f.out.last("s2"))
	assert.Equal(t, "alice", resumed.Username)
	assert.Equal(t, core.RoleAdmin, resumed.Role)

	// A bad token falls back to the payload.
	f.send("s3", proto.UserJoin, proto.UserJoinPayload{Username: "bob", Token: "garbage"})
	assert.Equal(t, "bob", payloadOf[proto.UserJoinSuccessPayload](t, f.out.last("s3")).Username)

	f.send("s4", proto.UserJoin, proto.UserJoinPayload{})
	rejected := f.out.last("s4")
	assert.Equal(t, proto.UserJoinError, rejected.Type)
	assert.Equal(t, "validation", payloadOf[proto.ErrorPayload](t, rejected).Code)
}

func TestDispatcher_RoomLifecycle(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{HistoryLimit: 10})
	f.login("s1", "alice", "")
	f.login("s2", "bob", "")

	room := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "lobby", MaxUsers: 3})
	assert.Equal(t, core.ChatRoom, room.Type)
	assert.Equal(t, "alice", room.Creator)
	created := f.out.events("s2", proto.Chat.RoomCreated)
	require.Len(t, created, 1)
	assert.Zero(t, created[0].Ack)

	f.send("s2", proto.Chat.GetRoomList, nil)
	list := payloadOf[proto.RoomListPayload](t, f.out.last("s2"))
	require.Len(t, list.Rooms, 1)
	f.send("s2", proto.Music.GetRoomList, nil)
	assert.Empty(t, payloadOf[proto.RoomListPayload](t, f.out.last("s2")).Rooms)

	f.join("s1", proto.Chat, room.ID)
	f.out.reset()
	f.join("s2", proto.Chat, room.ID)

	joined := f.out.events("s1", proto.Chat.UserJoinedRoom)
	require.Len(t, joined, 1)
	assert.Equal(t, proto.MembershipPayload{RoomID: room.ID, Username: "bob", UserCount: 2},
		payloadOf[proto.MembershipPayload](t, joined[0]))
	success := payloadOf[proto.RoomJoinSuccessPayload](t, f.out.last("s2"))
	assert.Equal(t, 2, success.UserCount)
	assert.Equal(t, 3, success.MaxUsers)
	require.Len(t, success.Members, 2)
	assert.Equal(t, "alice", success.Members[0].Username)
	assert.NotNil(t, success.History)

	// Joining again is a success without a broadcast.
	f.out.reset()
	f.join("s2", proto.Chat, room.ID)
	assert.Empty(t, f.out.events("s1", proto.Chat.UserJoinedRoom))

	f.send("s2", proto.Chat.LeaveRoom, proto.RoomRefPayload{RoomID: room.ID})
	assert.Equal(t, proto.Chat.RoomLeaveSuccess, f.out.last("s2").Type)
	left := f.out.events("s1", proto.Chat.UserLeftRoom)
	require.Len(t, left, 1)
	assert.Equal(t, 1, payloadOf[proto.MembershipPayload](t, left[0]).UserCount)

	// The creator must leave before the room can go.
	f.send("s1", proto.Chat.DeleteRoom, proto.RoomRefPayload{RoomID: room.ID})
	rejected := f.out.last("s1")
	assert.Equal(t, proto.Chat.RoomDeleteError, rejected.Type)
	assert.Equal(t, core.ErrRoomNotEmpty.Error(), payloadOf[proto.ErrorPayload](t, rejected).Message)

	f.send("s2", proto.Chat.DeleteRoom, proto.RoomRefPayload{RoomID: room.ID})
	assert.Equal(t, "authorization", payloadOf[proto.ErrorPayload](t, f.out.last("s2")).Code)

	f.send("s1", proto.Chat.LeaveRoom, proto.RoomRefPayload{RoomID: room.ID})
	f.out.reset()
	ack := f.send("s1", proto.Chat.DeleteRoom, proto.RoomRefPayload{RoomID: room.ID})
	assert.Equal(t, proto.Chat.RoomDeleted, f.out.last("s1").Type)
	assert.Equal(t, ack, f.out.last("s1").Ack)
	require.Len(t, f.out.events("s2", proto.Chat.RoomDeleted), 1)
	_, ok := f.rooms.Get(room.ID)
	assert.False(t, ok)
}

func TestDispatcher_JoinErrors(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})

	f.send("s0", proto.Chat.JoinRoom, proto.JoinRoomPayload{RoomID: "nope"})
	assert.Equal(t, "authorization", payloadOf[proto.ErrorPayload](t, f.out.last("s0")).Code)

	f.login("s1", "alice", "")
	f.login("s2", "bob", "")
	f.login("s3", "carol", "")

	f.send("s1", proto.Chat.JoinRoom, proto.JoinRoomPayload{RoomID: "nope"})
	assert.Equal(t, "not_found", payloadOf[proto.ErrorPayload](t, f.out.last("s1")).Code)

	small := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "small", MaxUsers: 2})
	f.join("s1", proto.Chat, small.ID)
	f.join("s2", proto.Chat, small.ID)
	f.send("s3", proto.Chat.JoinRoom, proto.JoinRoomPayload{RoomID: small.ID})
	full := f.out.last("s3")
	assert.Equal(t, proto.Chat.RoomJoinError, full.Type)
	assert.Equal(t, "capacity", payloadOf[proto.ErrorPayload](t, full).Code)

	locked := f.createRoom("s3", proto.Music, proto.CreateRoomPayload{Name: "locked", Password: "abc"})
	assert.True(t, locked.HasPassword)
	f.send("s3", proto.Music.JoinRoom, proto.JoinRoomPayload{RoomID: locked.ID, Password: "abd"})
	assert.Equal(t, "authorization", payloadOf[proto.ErrorPayload](t, f.out.last("s3")).Code)

	// A music room is not reachable through the chat names.
	f.send("s3", proto.Chat.JoinRoom, proto.JoinRoomPayload{RoomID: locked.ID, Password: "abc"})
	assert.Equal(t, "not_found", payloadOf[proto.ErrorPayload](t, f.out.last("s3")).Code)

	f.send("s3", proto.Music.JoinRoom, proto.JoinRoomPayload{RoomID: locked.ID, Password: "abc"})
	assert.Equal(t, proto.Music.RoomJoinSuccess, f.out.last("s3").Type)
}

func TestDispatcher_ImplicitLeave(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.login("s1", "alice", "")
	f.login("s2", "bob", "")

	first := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "first"})
	second := f.createRoom("s1", proto.Music, proto.CreateRoomPayload{Name: "second"})
	f.join("s1", proto.Chat, first.ID)
	f.join("s2", proto.Chat, first.ID)
	f.out.reset()

	f.join("s2", proto.Music, second.ID)
	left := f.out.events("s1", proto.Chat.UserLeftRoom)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", payloadOf[proto.MembershipPayload](t, left[0]).Username)
	assert.Equal(t, 1, f.members.MemberCount(first.ID))
	assert.True(t, f.members.IsMember("s2", second.ID))
}

func TestDispatcher_Messages(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{HistoryLimit: 10})
	f.login("s1", "alice", "")
	f.login("s2", "bob", "")
	f.login("s3", "root", core.RoleAdmin)
	room := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "lobby"})
	f.join("s1", proto.Chat, room.ID)
	f.join("s2", proto.Chat, room.ID)
	f.join("s3", proto.Chat, room.ID)
	f.out.reset()

	ack := f.send("s1", proto.Chat.ChatMessage, proto.ChatMessagePayload{RoomID: room.ID, Message: "hi"})
	own := f.out.last("s1")
	assert.Equal(t, ack, own.Ack)
	msg := payloadOf[proto.MessagePayload](t, own).Message
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, core.TextMessage, msg.Type)

	got := f.out.events("s2", proto.Chat.ChatMessage)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Ack)
	assert.Equal(t, msg.ID, payloadOf[proto.MessagePayload](t, got[0]).Message.ID)

	f.send("s1", proto.Chat.ChatMessage, proto.ChatMessagePayload{RoomID: room.ID, Message: "  "})
	assert.Equal(t, proto.Chat.ChatError, f.out.last("s1").Type)

	// Bob may not delete Alice's message, the admin may.
	f.send("s2", proto.Chat.DeleteMessage, proto.DeleteMessagePayload{RoomID: room.ID, MessageID: msg.ID})
	assert.Equal(t, proto.Chat.DeleteError, f.out.last("s2").Type)
	f.send("s3", proto.Chat.DeleteMessage, proto.DeleteMessagePayload{RoomID: room.ID, MessageID: msg.ID})
	assert.Equal(t, proto.Chat.MessageDeleted, f.out.last("s3").Type)
	require.Len(t, f.out.events("s1", proto.Chat.MessageDeleted), 1)
	assert.Empty(t, f.messages.History(room.ID, 0))

	f.send("s2", proto.Chat.DeleteMessage, proto.DeleteMessagePayload{RoomID: room.ID, MessageID: msg.ID})
	assert.Equal(t, "not_found", payloadOf[proto.ErrorPayload](t, f.out.last("s2")).Code)
}

// types returns the event types sent to session, in order.
func (r *recorder) types(session string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.to[session]))
	for _, e := range r.to[session] {
		out = append(out, e.Type)
	}
	return out
}

func TestDispatcher_MembershipBeforeMessages(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.login("s1", "alice", "")
	f.login("s3", "carol", "")
	room := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "lobby"})
	f.join("s1", proto.Chat, room.ID)
	f.out.reset()

	f.join("s3", proto.Chat, room.ID)
	f.send("s3", proto.Chat.ChatMessage, proto.ChatMessagePayload{RoomID: room.ID, Message: "hi"})
	f.send("s3", proto.Chat.LeaveRoom, proto.RoomRefPayload{RoomID: room.ID})
	f.send("s1", proto.Chat.ChatMessage, proto.ChatMessagePayload{RoomID: room.ID, Message: "bye"})

	var seen []string
	for _, typ := range f.out.types("s1") {
		switch typ {
		case proto.Chat.UserJoinedRoom, proto.Chat.UserLeftRoom, proto.Chat.ChatMessage:
			seen = append(seen, typ)
		}
	}
	assert.Equal(t, []string{
		proto.Chat.UserJoinedRoom,
		proto.Chat.ChatMessage,
		proto.Chat.UserLeftRoom,
		proto.Chat.ChatMessage,
	}, seen)
	assert.Len(t, f.out.events("s3", proto.Chat.ChatMessage), 1, "carol left before bye")
}

func TestDispatcher_NamespaceMismatch(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.login("s1", "alice", "")
	f.login("s2", "bob", "")
	room := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "lobby"})
	f.join("s1", proto.Chat, room.ID)
	f.join("s2", proto.Chat, room.ID)
	f.out.reset()

	f.send("s1", proto.Music.TypingStart, proto.RoomRefPayload{RoomID: room.ID})
	assert.Equal(t, proto.Music.ChatError, f.out.last("s1").Type)
	assert.Equal(t, "not_found", payloadOf[proto.ErrorPayload](t, f.out.last("s1")).Code)
	assert.Empty(t, f.out.events("s2", proto.Music.UserTyping))

	f.send("s1", proto.Music.LeaveRoom, proto.RoomRefPayload{RoomID: room.ID})
	assert.Equal(t, proto.Music.ChatError, f.out.last("s1").Type)
	assert.True(t, f.members.IsMember("s1", room.ID))
	assert.Empty(t, f.out.events("s2", proto.Music.UserLeftRoom))
	assert.Empty(t, f.out.events("s2", proto.Chat.UserLeftRoom))
}

func TestDispatcher_VoiceMessage(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.login("s1", "alice", "")
	room := f.createRoom("s1", proto.Music, proto.CreateRoomPayload{Name: "jam"})
	f.join("s1", proto.Music, room.ID)

	f.send("s1", proto.VoiceMessage, proto.ChatMessagePayload{RoomID: room.ID})
	assert.Equal(t, proto.Music.ChatError, f.out.last("s1").Type)

	f.send("s1", proto.VoiceMessage, proto.ChatMessagePayload{
		RoomID:   room.ID,
		FileData: &core.FileData{URL: "/uploads/clip.webm", Name: "clip.webm", Size: 10, MimeType: "audio/webm"},
	})
	reply := f.out.last("s1")
	require.Equal(t, proto.Music.ChatMessage, reply.Type)
	assert.Equal(t, core.AudioMessage, payloadOf[proto.MessagePayload](t, reply).Message.Type)
}

func TestDispatcher_Typing(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.login("s1", "alice", "")
	f.login("s2", "bob", "")
	room := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "lobby"})
	f.join("s1", proto.Chat, room.ID)
	f.join("s2", proto.Chat, room.ID)
	f.out.reset()

	f.send("s1", proto.Chat.TypingStart, proto.RoomRefPayload{RoomID: room.ID})
	typing := f.out.events("s2", proto.Chat.UserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, proto.TypingPayload{RoomID: room.ID, Username: "alice"}, payloadOf[proto.TypingPayload](t, typing[0]))
	assert.Empty(t, f.out.events("s1", proto.Chat.UserTyping))

	// Refreshing does not announce again.
	f.send("s1", proto.Chat.TypingStart, proto.RoomRefPayload{RoomID: room.ID})
	assert.Len(t, f.out.events("s2", proto.Chat.UserTyping), 1)

	var expired *core.Event
	select {
	case expired = <-f.posted:
	case <-time.After(time.Second):
		t.Fatal("typing did not expire")
	}
	assert.True(t, expired.Internal())
	require.NoError(t, f.d.handle(f.ctx, expired))
	stopped := f.out.events("s2", proto.Chat.UserStoppedTyping)
	require.Len(t, stopped, 1)

	// Sending a message ends typing.
	f.out.reset()
	f.send("s2", proto.Chat.TypingStart, proto.RoomRefPayload{RoomID: room.ID})
	f.send("s2", proto.Chat.ChatMessage, proto.ChatMessagePayload{RoomID: room.ID, Message: "done"})
	assert.Len(t, f.out.events("s1", proto.Chat.UserStoppedTyping), 1)

	// Typing outside of the room is dropped quietly.
	f.out.reset()
	e, err := core.NewEvent(proto.Chat.TypingStart, proto.RoomRefPayload{RoomID: "elsewhere"})
	require.NoError(t, err)
	e.Session = "s1"
	require.NoError(t, f.d.handle(f.ctx, e))
	assert.Nil(t, f.out.last("s1"))
}

func TestDispatcher_SessionClosed(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})
	f.login("s1", "alice", "")
	f.login("s2", "bob", "")
	room := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "lobby"})
	f.join("s1", proto.Chat, room.ID)
	f.join("s2", proto.Chat, room.ID)
	f.send("s2", proto.Chat.TypingStart, proto.RoomRefPayload{RoomID: room.ID})
	f.out.reset()

	f.sendInternal(core.EventSessionClosed, "s2", nil)
	left := f.out.events("s1", proto.Chat.UserLeftRoom)
	require.Len(t, left, 1)
	assert.Equal(t, proto.MembershipPayload{RoomID: room.ID, Username: "bob", UserCount: 1},
		payloadOf[proto.MembershipPayload](t, left[0]))
	_, ok := f.members.Participant("s2")
	assert.False(t, ok)

	// Cancelled typing never expires.
	select {
	case e := <-f.posted:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDispatcher_UnknownAndPing(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{})

	ack := f.send("s1", "dance", nil)
	reply := f.out.last("s1")
	assert.Equal(t, proto.Error, reply.Type)
	assert.Equal(t, ack, reply.Ack)

	f.send("s1", proto.Ping, nil)
	assert.Equal(t, proto.Pong, f.out.last("s1").Type)

	// Internal names are not reachable from clients.
	f.send("s1", core.EventSessionClosed, nil)
	assert.Equal(t, proto.Error, f.out.last("s1").Type)
}

func TestDispatcher_Reap(t *testing.T) {
	f := newDispatcherFixture(t, DispatcherConfig{ReapAfter: time.Minute})
	f.login("s1", "alice", "")
	empty := f.createRoom("s1", proto.Chat, proto.CreateRoomPayload{Name: "empty"})
	busy := f.createRoom("s1", proto.Music, proto.CreateRoomPayload{Name: "busy"})
	f.join("s1", proto.Music, busy.ID)

	f.d.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	f.sendInternal(eventReapRooms, "", nil)

	_, ok := f.rooms.Get(empty.ID)
	assert.False(t, ok)
	_, ok = f.rooms.Get(busy.ID)
	assert.True(t, ok)
	require.Len(t, f.out.all, 1)
	assert.Equal(t, proto.Chat.RoomDeleted, f.out.all[0].Type)
}
