package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type RoomType string

const (
	ChatRoom  RoomType = "chat"
	MusicRoom RoomType = "music"
)

func (t RoomType) Valid() bool {
	return t == ChatRoom || t == MusicRoom
}

// maxPasswordLength is the longest input bcrypt accepts.
const maxPasswordLength = 72

type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         RoomType  `json:"type"`
	Creator      string    `json:"creator"`
	Capacity     int       `json:"maxUsers"`
	Count        int       `json:"userCount"`
	HasPassword  bool      `json:"hasPassword"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// StoredRoom is a room as it is persisted, including the password hash.
type StoredRoom struct {
	Room
	PasswordHash []byte
}

type RoomCreateInput struct {
	Name     string
	Capacity int
	Password string
	Creator  string
	Type     RoomType
}

type RoomOptions struct {
	DefaultCapacity int
	MaxCapacity     int
	MaxNameLength   int
	// PasswordCost is the bcrypt cost. Values below bcrypt.MinCost use the default cost.
	PasswordCost int
}

func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		DefaultCapacity: 10,
		MaxCapacity:     100,
		MaxNameLength:   50,
		PasswordCost:    bcrypt.DefaultCost,
	}
}

type room struct {
	Room
	passwordHash []byte
}

// RoomRegistry is the authoritative set of rooms. It owns the occupancy
// count of every room and keeps it within [0, Capacity].
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	store  Store
	opts   RoomOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewRoomRegistry(store Store, opts RoomOptions, logger *slog.Logger) *RoomRegistry {
	if store == nil {
		store = NopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomRegistry{
		rooms:  make(map[string]*room),
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

func (r *RoomRegistry) Create(ctx context.Context, input RoomCreateInput) (Room, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || utf8.RuneCountInString(name) > r.opts.MaxNameLength {
		return Room{}, ErrInvalidRoomName
	}

	capacity := input.Capacity
	if capacity == 0 {
		capacity = r.opts.DefaultCapacity
	}
	if capacity < 2 || capacity > r.opts.MaxCapacity {
		return Room{}, ErrInvalidCapacity
	}

	t := input.Type
	if t == "" {
		t = ChatRoom
	}
	if !t.Valid() {
		return Room{}, ErrInvalidRoomType
	}

	var hash []byte
	if input.Password != "" {
		if len(input.Password) > maxPasswordLength {
			return Room{}, ErrPasswordTooLong
		}
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(input.Password), r.opts.PasswordCost)
		if err != nil {
			return Room{}, fmt.Errorf("hash room password: %w", err)
		}
	}

	now := r.now()
	rm := &room{
		Room: Room{
			ID:           uuid.NewString(),
			Name:         name,
			Type:         t,
			Creator:      input.Creator,
			Capacity:     capacity,
			HasPassword:  hash != nil,
			CreatedAt:    now,
			LastActivity: now,
		},
		passwordHash: hash,
	}

	if err := r.store.SaveRoom(ctx, StoredRoom{Room: rm.Room, PasswordHash: hash}); err != nil {
		return Room{}, fmt.Errorf("save room: %w", err)
	}

	r.mu.Lock()
	r.rooms[rm.ID] = rm
	r.mu.Unlock()

	r.logger.Debug("room created", slog.String("room", rm.ID), slog.String("type", string(t)))
	return rm.Room, nil
}

// List returns the rooms of type t ordered by creation time.
// An empty t lists rooms of every type.
func (r *RoomRegistry) List(t RoomType) []Room {
	r.mu.RLock()
	rooms := make([]Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		if t != "" && rm.Type != t {
			continue
		}
		rooms = append(rooms, rm.Room)
	}
	r.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return rooms
}

func (r *RoomRegistry) Get(id string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	return rm.Room, true
}

// Delete removes an empty room.
func (r *RoomRegistry) Delete(ctx context.Context, id string) (Room, error) {
	r.mu.Lock()
	rm, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return Room{}, ErrRoomNotFound
	}
	if rm.Count > 0 {
		r.mu.Unlock()
		return Room{}, ErrRoomNotEmpty
	}
	delete(r.rooms, id)
	r.mu.Unlock()

	if err := r.store.DeleteRoom(ctx, id); err != nil {
		r.logger.Error(fmt.Sprintf("delete room %s from store: %v", id, err))
	}
	return rm.Room, nil
}

// VerifyPassword reports whether password opens the room.
// Rooms without a password accept anything.
func (r *RoomRegistry) VerifyPassword(id, password string) bool {
	r.mu.RLock()
	rm, ok := r.rooms[id]
	var hash []byte
	if ok {
		hash = rm.passwordHash
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if hash == nil {
		return true
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Touch records activity in the room.
func (r *RoomRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[id]; ok {
		rm.LastActivity = r.now()
	}
}

func (r *RoomRegistry) reserve(id string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if rm.Count >= rm.Capacity {
		return Room{}, ErrRoomFull
	}
	rm.Count++
	rm.LastActivity = r.now()
	return rm.Room, nil
}

func (r *RoomRegistry) release(id string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	if rm.Count > 0 {
		rm.Count--
	}
	rm.LastActivity = r.now()
	return rm.Room, true
}

// Reap removes every empty room whose last activity is before cutoff and
// returns the removed rooms.
func (r *RoomRegistry) Reap(ctx context.Context, cutoff time.Time) []Room {
	r.mu.Lock()
	var reaped []Room
	for id, rm := range r.rooms {
		if rm.Count == 0 && rm.LastActivity.Before(cutoff) {
			reaped = append(reaped, rm.Room)
			delete(r.rooms, id)
		}
	}
	r.mu.Unlock()

	for _, rm := range reaped {
		if err := r.store.DeleteRoom(ctx, rm.ID); err != nil {
			r.logger.Error(fmt.Sprintf("delete reaped room %s from store: %v", rm.ID, err))
		}
	}
	return reaped
}

// Restore loads persisted rooms. Counts start at zero since no session
// survives a restart.
func (r *RoomRegistry) Restore(rooms []StoredRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sr := range rooms {
		rm := &room{Room: sr.Room, passwordHash: sr.PasswordHash}
		rm.Count = 0
		rm.HasPassword = sr.PasswordHash != nil
		r.rooms[rm.ID] = rm
	}
}
