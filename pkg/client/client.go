// Package client is the client side of a room server connection. It owns
// the websocket, reconnects with exponential backoff when the transport
// fails and correlates requests with their replies.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/proto"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	// Error is entered when reconnecting gave up. Connect leaves it.
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Status struct {
	State State
	// Attempts counts the reconnects since the connection was lost.
	Attempts       int
	LastError      error
	ConnectedSince time.Time
	Latency        time.Duration
}

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultTypingThrottle = time.Second
	maxReconnects         = 5
)

// DefaultBackoff waits 1s, 2s, 4s, 8s and 16s before giving up.
func DefaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(maxReconnects, retry.NewExponential(time.Second))
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithBackoff sets the policy of a reconnect run. f is called once per
// lost connection.
func WithBackoff(f func() retry.Backoff) Option {
	return func(c *Client) {
		c.newBackoff = f
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithTypingThrottle(d time.Duration) Option {
	return func(c *Client) {
		c.typingLimiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

type result struct {
	event *core.Event
	err   error
}

// lastRoom is the room to rejoin after a reconnect.
type lastRoom struct {
	names    proto.Names
	id       string
	password string
}

type Client struct {
	url        string
	dialer     Dialer
	newBackoff func() retry.Backoff
	logger     *slog.Logger
	timeout    time.Duration

	mu     sync.Mutex
	status Status
	conn   Conn
	// gen identifies the current connection. Events of older connections
	// are ignored.
	gen             uint64
	cancelReconnect context.CancelFunc
	pending         map[uint64]chan result
	nextAck         uint64
	subs            map[string]map[uint64]func(*core.Event)
	statusSubs      map[uint64]func(Status)
	nextSub         uint64
	identity        *proto.UserJoinPayload
	room            *lastRoom

	writeMu       sync.Mutex
	typingLimiter *rate.Limiter
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		dialer:        WebsocketDialer{},
		newBackoff:    DefaultBackoff,
		logger:        slog.Default(),
		timeout:       DefaultRequestTimeout,
		pending:       make(map[uint64]chan result),
		subs:          make(map[string]map[uint64]func(*core.Event)),
		statusSubs:    make(map[uint64]func(Status)),
		typingLimiter: rate.NewLimiter(rate.Every(DefaultTypingThrottle), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect opens the connection. When the first dial fails the client
// keeps trying in the background and the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status.State {
	case Connected, Connecting, Reconnecting:
		c.mu.Unlock()
		return nil
	}
	c.status = Status{State: Connecting}
	c.mu.Unlock()
	c.notify()

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.lost(c.currentGen(), err)
		return &TransportError{Err: err}
	}
	c.attach(conn)
	return nil
}

func (c *Client) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.status = Status{State: Connected, ConnectedSince: time.Now()}
	c.mu.Unlock()
	c.notify()

	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		var e core.Event
		if err := conn.ReadJSON(&e); err != nil {
			c.lost(gen, err)
			return
		}
		c.deliver(&e)
	}
}

// lost handles the failure of connection gen. Failures of a connection
// that was closed on purpose are ignored.
func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.status.State == Disconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked(&TransportError{Err: err})
	c.status.State = Reconnecting
	c.status.Attempts = 0
	c.status.LastError = err
	c.status.ConnectedSince = time.Time{}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	c.mu.Unlock()

	c.logger.Warn(fmt.Sprintf("connection lost: %v", err))
	c.notify()
	go c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) {
	b := c.newBackoff()
	for {
		delay, stop := b.Next()
		if stop {
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			c.status.State = Error
			c.mu.Unlock()
			c.logger.Error("giving up reconnecting")
			c.notify()
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.status.Attempts++
		attempt := c.status.Attempts
		c.mu.Unlock()
		c.notify()

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			c.logger.Debug(fmt.Sprintf("reconnect attempt %d failed: %v", attempt, err))
			c.mu.Lock()
			c.status.LastError = err
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.mu.Unlock()
		c.attach(conn)
		c.resume(ctx)
		return
	}
}

// resume logs in again and rejoins the last room after a reconnect.
func (c *Client) resume(ctx context.Context) {
	c.mu.Lock()
	identity := c.identity
	room := c.room
	c.mu.Unlock()
	if identity == nil {
		return
	}

	if _, err := c.Login(ctx, identity.Username, identity.Role); err != nil {
		c.logger.Warn(fmt.Sprintf("resume login: %v", err))
		return
	}
	if room != nil {
		if _, err := c.JoinRoom(ctx, room.names, room.id, room.password); err != nil {
			c.logger.Warn(fmt.Sprintf("resume room %s: %v", room.id, err))
		}
	}
}

// Close closes the connection without reconnecting and fails the
// pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.failPendingLocked(&TransportError{Err: ErrClosed})
	c.status = Status{State: Disconnected}
	c.mu.Unlock()
	c.notify()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) failPendingLocked(err error) {
	for ack, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, ack)
	}
}

func (c *Client) deliver(e *core.Event) {
	c.mu.Lock()
	if e.Ack != 0 {
		if ch, ok := c.pending[e.Ack]; ok {
			delete(c.pending, e.Ack)
			ch <- result{event: e}
		}
	}
	subs := c.subs[e.Type]
	ids := slices.Sorted(maps.Keys(subs))
	fns := make([]func(*core.Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Subscribe calls fn for every event of type t. fn runs on the read
// goroutine and must not wait for replies.
func (c *Client) Subscribe(t string, fn func(*core.Event)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	if c.subs[t] == nil {
		c.subs[t] = make(map[uint64]func(*core.Event))
	}
	c.subs[t][id] = fn
	return &Subscription{remove: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[t], id)
		if len(c.subs[t]) == 0 {
			delete(c.subs, t)
		}
	}}
}

// OnStatus calls fn on every change of the connection status.
func (c *Client) OnStatus(fn func(Status)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.statusSubs[id] = fn
	return &Subscription{remove: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}}
}

func (c *Client) notify() {
	c.mu.Lock()
	status := c.status
	ids := slices.Sorted(maps.Keys(c.statusSubs))
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.statusSubs[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func (c *Client) write(conn Conn, e *core.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(e)
}

// Send sends an event that expects no reply.
func (c *Client) Send(t string, payload any) error {
	e, err := core.NewEvent(t, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &TransportError{Err: ErrNotConnected}
	}
	if err := c.write(conn, e); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// Request sends an event and waits for the reply carrying its ack. Without
// a deadline on ctx the request times out after the request timeout.
// Error events are returned as *RejectedError.
func (c *Client) Request(ctx context.Context, t string, payload any) (*core.Event, error) {
	e, err := core.NewEvent(t, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.status.State != Connected {
		c.mu.Unlock()
		return nil, &TransportError{Err: ErrNotConnected}
	}
	c.nextAck++
	e.Ack = c.nextAck
	ch := make(chan result, 1)
	c.pending[e.Ack] = ch
	c.mu.Unlock()

	if err := c.write(conn, e); err != nil {
		c.forget(e.Ack)
		return nil, &TransportError{Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if rejected := asRejection(res.event); rejected != nil {
			return nil, rejected
		}
		return res.event, nil
	case <-ctx.Done():
		c.forget(e.Ack)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *Client) forget(ack uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, ack)
}

func asRejection(e *core.Event) *RejectedError {
	if !strings.HasSuffix(e.Type, "error") {
		return nil
	}
	var payload proto.ErrorPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		payload.Message = string(e.Payload)
	}
	return &RejectedError{Event: e.Type, Message: payload.Message, Code: payload.Code}
}

// request sends a request and decodes the reply payload into v.
func (c *Client) request(ctx context.Context, t string, payload any, v any) error {
	reply, err := c.Request(ctx, t, payload)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := reply.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", reply.Type, err)
	}
	return nil
}

// Login names the session. The resume token of an earlier login is sent
// along so that the server can restore the identity.
func (c *Client) Login(ctx context.Context, username string, role core.Role) (proto.UserJoinSuccessPayload, error) {
	c.mu.Lock()
	payload := proto.UserJoinPayload{Username: username, Role: role}
	if c.identity != nil && c.identity.Username == username {
		payload.Token = c.identity.Token
	}
	c.mu.Unlock()

	var res proto.UserJoinSuccessPayload
	if err := c.request(ctx, proto.UserJoin, payload, &res); err != nil {
		return res, err
	}

	c.mu.Lock()
	c.identity = &proto.UserJoinPayload{Username: res.Username, Role: res.Role, Token: res.Token}
	c.mu.Unlock()
	return res, nil
}

func (c *Client) RoomList(ctx context.Context, names proto.Names) ([]core.Room, error) {
	var res proto.RoomListPayload
	if err := c.request(ctx, names.GetRoomList, nil, &res); err != nil {
		return nil, err
	}
	return res.Rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, names proto.Names, payload proto.CreateRoomPayload) (core.Room, error) {
	var res proto.RoomPayload
	if err := c.request(ctx, names.CreateRoom, payload, &res); err != nil {
		return core.Room{}, err
	}
	return res.Room, nil
}

func (c *Client) JoinRoom(ctx context.Context, names proto.Names, roomID, password string) (proto.RoomJoinSuccessPayload, error) {
	var res proto.RoomJoinSuccessPayload
	if err := c.request(ctx, names.JoinRoom, proto.JoinRoomPayload{RoomID: roomID, Password: password}, &res); err != nil {
		return res, err
	}
	c.mu.Lock()
	c.room = &lastRoom{names: names, id: roomID, password: password}
	c.mu.Unlock()
	return res, nil
}

func (c *Client) LeaveRoom(ctx context.Context, names proto.Names, roomID string) error {
	if err := c.request(ctx, names.LeaveRoom, proto.RoomRefPayload{RoomID: roomID}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	if c.room != nil && c.room.id == roomID {
		c.room = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) DeleteRoom(ctx context.Context, names proto.Names, roomID string) error {
	return c.request(ctx, names.DeleteRoom, proto.RoomRefPayload{RoomID: roomID}, nil)
}

// SendMessage posts a message and returns it as stored by the server.
func (c *Client) SendMessage(ctx context.Context, names proto.Names, roomID, text string, file *core.FileData) (core.Message, error) {
	var res proto.MessagePayload
	err := c.request(ctx, names.ChatMessage, proto.ChatMessagePayload{
		RoomID:   roomID,
		Message:  text,
		FileData: file,
	}, &res)
	return res.Message, err
}

func (c *Client) SendVoice(ctx context.Context, roomID string, file core.FileData) (core.Message, error) {
	var res proto.MessagePayload
	err := c.request(ctx, proto.VoiceMessage, proto.ChatMessagePayload{RoomID: roomID, FileData: &file}, &res)
	return res.Message, err
}

func (c *Client) DeleteMessage(ctx context.Context, names proto.Names, roomID, messageID string) error {
	return c.request(ctx, names.DeleteMessage, proto.DeleteMessagePayload{RoomID: roomID, MessageID: messageID}, nil)
}

// StartTyping tells the room the user is typing. Calls within the
// throttle interval are dropped.
func (c *Client) StartTyping(names proto.Names, roomID string) error {
	if !c.typingLimiter.Allow() {
		return nil
	}
	return c.Send(names.TypingStart, proto.RoomRefPayload{RoomID: roomID})
}

func (c *Client) StopTyping(names proto.Names, roomID string) error {
	return c.Send(names.TypingStop, proto.RoomRefPayload{RoomID: roomID})
}

// Ping measures the round trip to the server. A failure is returned but
// leaves the connection state alone.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	if c.Status().State != Connected {
		return 0, &TransportError{Err: ErrNotConnected}
	}
	start := time.Now()
	if _, err := c.Request(ctx, proto.Ping, nil); err != nil {
		c.logger.Warn(fmt.Sprintf("ping: %v", err))
		return 0, err
	}
	rtt := time.Since(start)

	c.mu.Lock()
	if c.status.State == Connected {
		c.status.Latency = rtt
	}
	c.mu.Unlock()
	c.notify()
	return rtt, nil
}
