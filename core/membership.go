package core

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember || r == RoleGuest
}

type Participant struct {
	SessionID string    `json:"-"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	RoomID    string    `json:"roomId,omitempty"`
	Online    bool      `json:"online"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// LeaveResult describes a departure from a room. Room carries the
// count after the departure.
type LeaveResult struct {
	Room        Room
	Participant Participant
}

type JoinResult struct {
	Room Room
	// Previous is set when the session had to leave another room first.
	Previous *LeaveResult
	// AlreadyJoined is set when the session was already in the room.
	AlreadyJoined bool
}

// MembershipTracker records which session is in which room. A session is
// in at most one room at a time.
type MembershipTracker struct {
	mu       sync.RWMutex
	rooms    *RoomRegistry
	sessions map[string]*Participant
	// members maps a room id to the ids of the sessions in it.
	members       map[string]map[string]struct{}
	maxNameLength int
	logger        *slog.Logger
	now           func() time.Time
}

func NewMembershipTracker(rooms *RoomRegistry, maxNameLength int, logger *slog.Logger) *MembershipTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MembershipTracker{
		rooms:         rooms,
		sessions:      make(map[string]*Participant),
		members:       make(map[string]map[string]struct{}),
		maxNameLength: maxNameLength,
		logger:        logger,
		now:           time.Now,
	}
}

// Login binds a username and role to a session. Logging in again replaces
// the name and role but keeps the session in its room.
func (m *MembershipTracker) Login(sessionID, username string, role Role) (Participant, error) {
	username = strings.TrimSpace(username)
	if username == "" || utf8.RuneCountInString(username) > m.maxNameLength {
		return Participant{}, ErrInvalidUsername
	}
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return Participant{}, ErrInvalidPayload
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[sessionID]
	if !ok {
		p = &Participant{SessionID: sessionID}
		m.sessions[sessionID] = p
	}
	p.Username = username
	p.Role = role
	p.Online = true
	return *p, nil
}

func (m *MembershipTracker) Join(sessionID, roomID, password string) (JoinResult, error) {
	current, loggedIn := m.Participant(sessionID)
	if !loggedIn {
		return JoinResult{}, ErrNotLoggedIn
	}

	rm, ok := m.rooms.Get(roomID)
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if current.RoomID == roomID {
		return JoinResult{Room: rm, AlreadyJoined: true}, nil
	}

	if rm.Count >= rm.Capacity {
		return JoinResult{}, ErrRoomFull
	}
	// bcrypt is slow, compare before taking the lock.
	if !m.rooms.VerifyPassword(roomID, password) {
		return JoinResult{}, ErrInvalidPassword
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[sessionID]
	if !ok {
		return JoinResult{}, ErrNotLoggedIn
	}
	if p.RoomID == roomID {
		rm, _ = m.rooms.Get(roomID)
		return JoinResult{Room: rm, AlreadyJoined: true}, nil
	}

	rm, err := m.rooms.reserve(roomID)
	if err != nil {
		return JoinResult{}, err
	}

	var res JoinResult
	if p.RoomID != "" {
		if prev, ok := m.leaveLocked(p); ok {
			res.Previous = &prev
		}
	}

	members, ok := m.members[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.members[roomID] = members
	}
	members[sessionID] = struct{}{}
	p.RoomID = roomID
	p.JoinedAt = m.now()

	res.Room = rm
	m.logger.Debug("joined room", slog.String("session", sessionID), slog.String("room", roomID))
	return res, nil
}

// Leave removes the session from its room. It reports false when the
// session was not in a room.
func (m *MembershipTracker) Leave(sessionID string) (LeaveResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[sessionID]
	if !ok || p.RoomID == "" {
		return LeaveResult{}, false
	}
	return m.leaveLocked(p)
}

// Disconnect leaves the current room and forgets the session.
func (m *MembershipTracker) Disconnect(sessionID string) (LeaveResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[sessionID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(m.sessions, sessionID)
	p.Online = false
	if p.RoomID == "" {
		return LeaveResult{}, false
	}
	return m.leaveLocked(p)
}

func (m *MembershipTracker) leaveLocked(p *Participant) (LeaveResult, bool) {
	roomID := p.RoomID
	if members, ok := m.members[roomID]; ok {
		delete(members, p.SessionID)
		if len(members) == 0 {
			delete(m.members, roomID)
		}
	}
	p.RoomID = ""
	p.JoinedAt = time.Time{}

	rm, ok := m.rooms.release(roomID)
	if !ok {
		// The room is gone, report what is known about it.
		rm = Room{ID: roomID}
	}
	left := *p
	left.RoomID = roomID
	m.logger.Debug("left room", slog.String("session", p.SessionID), slog.String("room", roomID))
	return LeaveResult{Room: rm, Participant: left}, true
}

func (m *MembershipTracker) Participant(sessionID string) (Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.sessions[sessionID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// IsMember reports whether the session is currently in the room.
func (m *MembershipTracker) IsMember(sessionID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[roomID][sessionID]
	return ok
}

func (m *MembershipTracker) MemberCount(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[roomID])
}

// Members returns the participants of a room in join order.
func (m *MembershipTracker) Members(roomID string) []Participant {
	m.mu.RLock()
	members := make([]Participant, 0, len(m.members[roomID]))
	for id := range m.members[roomID] {
		members = append(members, *m.sessions[id])
	}
	m.mu.RUnlock()

	slices.SortFunc(members, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return members
}

// SessionsIn returns the ids of the sessions in a room.
func (m *MembershipTracker) SessionsIn(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.members[roomID]))
	for id := range m.members[roomID] {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether any session is logged in as username.
func (m *MembershipTracker) IsOnline(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.sessions {
		if p.Username == username && p.Online {
			return true
		}
	}
	return false
}

// Sessions returns the ids of all logged in sessions.
func (m *MembershipTracker) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
