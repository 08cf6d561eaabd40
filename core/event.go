package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
)

// EventSessionClosed is posted by the transport after a session has gone.
// Types starting with '$' are reserved for internal events and are never
// accepted from a client.
const EventSessionClosed = "$session closed"

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Ack correlates a reply with the request that caused it.
	Ack uint64 `json:"ack,omitempty"`
	// Session is the session that dispatched the event. Set by the transport.
	Session  string `json:"-"`
	internal bool
}

func NewEvent(t string, payload any) (*Event, error) {
	e := &Event{Type: t}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		e.Payload = b
	}
	return e, nil
}

// NewInternalEvent creates an event that only the server can dispatch.
func NewInternalEvent(t, session string, payload any) (*Event, error) {
	e, err := NewEvent(t, payload)
	if err != nil {
		return nil, err
	}
	e.Session = session
	e.internal = true
	return e, nil
}

// Reply creates an event carrying the ack of e.
func (e *Event) Reply(t string, payload any) (*Event, error) {
	r, err := NewEvent(t, payload)
	if err != nil {
		return nil, err
	}
	r.Ack = e.Ack
	return r, nil
}

// Decode unmarshals the payload into v. A missing payload decodes as an
// empty object.
func (e *Event) Decode(v any) error {
	p := e.Payload
	if len(p) == 0 || string(p) == "null" {
		p = []byte("{}")
	}
	if err := json.Unmarshal(p, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

func (e *Event) Internal() bool {
	return e.internal
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Session: %s, Type: %s, Ack: %d, Payload.Size: %d}", e.Session, e.Type, e.Ack, len(e.Payload))
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

type EventTransport interface {
	// Send delivers the event to every session.
	Send(event *Event)
	// SendTo delivers the event to the given sessions.
	SendTo(event *Event, sessions ...string)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches events from the transport and from Post to their
// handlers. Every handler runs on the goroutine that called Listen, one
// event at a time, so handlers never race with each other.
type EventRouter struct {
	listeners map[string]EventHandler
	internal  map[string]EventHandler
	fallback  EventHandler
	posted    chan *Event
	transport EventTransport
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		internal:  make(map[string]EventHandler),
		posted:    make(chan *Event, 256),
		transport: transport,
		logger:    logger,
	}
}

// Listen blocks until ctx is done.
func (em *EventRouter) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-em.transport.Receive():
			em.dispatch(ctx, e)
		case e := <-em.posted:
			em.dispatch(ctx, e)
		}
	}
}

func (em *EventRouter) dispatch(ctx context.Context, e *Event) {
	em.logger.Debug(fmt.Sprintf("received: %v", e))

	var handler EventHandler
	if e.internal {
		handler = em.internal[e.Type]
	} else if !strings.HasPrefix(e.Type, "$") {
		handler = em.listeners[e.Type]
	}
	if handler == nil {
		if e.internal || em.fallback == nil {
			return
		}
		handler = em.fallback
	}

	defer func() {
		if r := recover(); r != nil {
			em.logger.Error(fmt.Sprintf("%s handler panic: %v\n%s", e.Type, r, debug.Stack()))
		}
	}()
	if err := handler(ctx, e); err != nil {
		em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
	}
}

// On registers the handler of a client event type.
func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.listeners[eventName] = handler
}

// OnInternal registers the handler of an internal event type.
func (em *EventRouter) OnInternal(eventName string, handler EventHandler) {
	em.internal[eventName] = handler
}

// Fallback registers the handler of client events nobody listens to.
func (em *EventRouter) Fallback(handler EventHandler) {
	em.fallback = handler
}

// Post queues an internal event for dispatch on the router goroutine.
// It is safe to call from any goroutine.
func (em *EventRouter) Post(ctx context.Context, e *Event) {
	e.internal = true
	select {
	case em.posted <- e:
	case <-ctx.Done():
	}
}

// Emit sends an event to every session.
func (em *EventRouter) Emit(t string, payload any) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.Send(e)
	return nil
}

// EmitTo sends an event to the given sessions.
func (em *EventRouter) EmitTo(t string, payload any, sessions ...string) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendTo(e, sessions...)
	return nil
}
