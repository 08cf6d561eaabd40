package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanTransport is an EventTransport backed by channels.
type chanTransport struct {
	in   chan *Event
	mu   sync.Mutex
	sent []*Event
	to   map[string][]*Event
}

func newChanTransport() *chanTransport {
	return &chanTransport{in: make(chan *Event, 16), to: make(map[string][]*Event)}
}

func (c *chanTransport) Send(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, e)
}

func (c *chanTransport) SendTo(e *Event, sessions ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sessions {
		c.to[s] = append(c.to[s], e)
	}
}

func (c *chanTransport) Receive() <-chan *Event {
	return c.in
}

func TestEvent_ReplyAndDecode(t *testing.T) {
	req := &Event{Type: "join room", Ack: 7, Payload: json.RawMessage(`{"roomId":"r1"}`)}

	var p struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, req.Decode(&p))
	assert.Equal(t, "r1", p.RoomID)

	reply, err := req.Reply("room join success", map[string]string{"roomId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reply.Ack)
	assert.JSONEq(t, `{"roomId":"r1"}`, string(reply.Payload))

	empty := &Event{Type: "get room list"}
	assert.NoError(t, empty.Decode(&p))

	bad := &Event{Type: "x", Payload: json.RawMessage(`[1,2]`)}
	assert.ErrorIs(t, bad.Decode(&p), ErrInvalidPayload)
}

func TestEventRouter_SerialDispatch(t *testing.T) {
	tr := newChanTransport()
	router := NewEventRouter(discardLogger, tr)

	var mu sync.Mutex
	var order []string
	var active, maxActive int
	handle := func(ctx context.Context, e *Event) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, e.Type+":"+e.Session)
		active--
		mu.Unlock()
		return nil
	}
	router.On("a", handle)
	router.On("b", handle)
	router.OnInternal(EventSessionClosed, handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Listen(ctx)

	tr.in <- &Event{Type: "a", Session: "s1"}
	tr.in <- &Event{Type: "b", Session: "s1"}
	closed, err := NewInternalEvent(EventSessionClosed, "s1", nil)
	require.NoError(t, err)
	tr.in <- closed

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:s1", "b:s1", EventSessionClosed + ":s1"}, order)
	assert.Equal(t, 1, maxActive, "handlers must never overlap")
}

func TestEventRouter_InternalEventsCannotBeSpoofed(t *testing.T) {
	tr := newChanTransport()
	router := NewEventRouter(discardLogger, tr)

	calls := make(chan *Event, 4)
	router.OnInternal(EventSessionClosed, func(ctx context.Context, e *Event) error {
		calls <- e
		return nil
	})
	fallback := make(chan *Event, 4)
	router.Fallback(func(ctx context.Context, e *Event) error {
		fallback <- e
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Listen(ctx)

	// Decoded from the wire, so not internal.
	var spoofed Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"$session closed"}`), &spoofed))
	tr.in <- &spoofed
	tr.in <- &Event{Type: "unknown"}

	select {
	case e := <-fallback:
		assert.Equal(t, "unknown", e.Type)
	case <-time.After(time.Second):
		t.Fatal("fallback not called")
	}
	assert.Empty(t, calls)

	router.Post(ctx, &Event{Type: EventSessionClosed, Session: "s1"})
	select {
	case e := <-calls:
		assert.Equal(t, "s1", e.Session)
	case <-time.After(time.Second):
		t.Fatal("posted event not dispatched")
	}
}

func TestEventRouter_RecoversFromPanic(t *testing.T) {
	tr := newChanTransport()
	router := NewEventRouter(discardLogger, tr)

	done := make(chan struct{})
	router.On("boom", func(ctx context.Context, e *Event) error { panic("boom") })
	router.On("after", func(ctx context.Context, e *Event) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Listen(ctx)

	tr.in <- &Event{Type: "boom"}
	tr.in <- &Event{Type: "after"}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router stopped after a panic")
	}
}

func TestEventRouter_Emit(t *testing.T) {
	tr := newChanTransport()
	router := NewEventRouter(discardLogger, tr)

	require.NoError(t, router.Emit("room created", map[string]string{"id": "r1"}))
	require.NoError(t, router.EmitTo("pong", nil, "s1", "s2"))

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "room created", tr.sent[0].Type)
	assert.Len(t, tr.to["s1"], 1)
	assert.Len(t, tr.to["s2"], 1)
	assert.Nil(t, tr.to["s1"][0].Payload)
}
