package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10
)

// ConnManager accepts websocket connections and implements EventTransport.
// Every connection is a session with its own id.
type ConnManager struct {
	conns   *SyncMap[string, *Conn]
	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onConnectionOpened func(string)
	onConnectionClosed func(string)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

// WithStreamSize sets the buffer sizes of the shared read stream and of
// each connection's write stream.
func WithStreamSize(read, write int) ManagerOption {
	return func(m *ConnManager) {
		m.ReadStreamSize = read
		m.WriteStreamSize = write
	}
}

func NewConnManager(ctx context.Context, wg *sync.WaitGroup, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		connWg:             wg,
		conns:              NewSyncMap[string, *Conn](),
		logger:             slog.Default(),
		context:            ctx,
		upgrader:           defaultUpgrader,
		ReadStreamSize:     100,
		WriteStreamSize:    100,
		onConnectionOpened: func(string) {},
		onConnectionClosed: func(string) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnectionOpened(f func(string)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f func(string)) {
	m.onConnectionClosed = f
}

func (m *ConnManager) IsConnected(session string) bool {
	_, ok := m.conns.Load(session)
	return ok
}

func (m *ConnManager) Count() int {
	return m.conns.Len()
}

// Connect upgrades the request and starts serving the new session.
// It returns the session id.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) (string, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", err
	}

	session := uuid.NewString()
	wsConn := &Conn{
		session:     session,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("session", session)),
		notifyDisconnect: func() {
			m.disconnect(session)
		},
	}
	m.conns.Store(session, wsConn)

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	m.onConnectionOpened(session)
	return session, nil
}

// disconnect forgets the session and tells the router about it. The
// closed event goes through the read stream so it is handled after every
// event the session sent before.
func (m *ConnManager) disconnect(session string) {
	conn, ok := m.conns.LoadAndDelete(session)
	if !ok {
		return
	}
	conn.close()

	if e, err := NewInternalEvent(EventSessionClosed, session, nil); err == nil {
		select {
		case m.receivedEvent <- e:
		case <-m.context.Done():
		}
	}
	m.onConnectionClosed(session)
}

// Kick closes the connection of a session.
func (m *ConnManager) Kick(session string) {
	if conn, ok := m.conns.Load(session); ok {
		conn.conn.Close()
	}
}

// Close closes every connection.
func (m *ConnManager) Close() {
	for _, conn := range m.conns.Drain() {
		conn.close()
	}
}

func (m *ConnManager) Send(e *Event) {
	var slow []*Conn
	m.conns.RRange(func(_ string, conn *Conn) bool {
		if !conn.trySend(e) {
			slow = append(slow, conn)
		}
		return true
	})
	m.dropSlow(slow)
}

func (m *ConnManager) SendTo(e *Event, sessions ...string) {
	var slow []*Conn
	for _, s := range sessions {
		m.conns.RApply(s, func(conn *Conn) {
			if !conn.trySend(e) {
				slow = append(slow, conn)
			}
		})
	}
	m.dropSlow(slow)
}

// dropSlow closes connections whose write stream is full. Their read loops
// then go through the normal disconnect path.
func (m *ConnManager) dropSlow(conns []*Conn) {
	for _, c := range conns {
		c.logger.Warn(fmt.Sprintf("write stream full, dropping session %s", c.session))
		c.conn.Close()
	}
}
