package core

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTypingTimeout  = 3 * time.Second
	DefaultTypingThrottle = time.Second
)

type typingKey struct {
	room string
	user string
}

type typingEntry struct {
	timer *time.Timer
	// gen identifies the timer that is allowed to expire the entry.
	gen uint64
}

// TypingTracker keeps the set of users typing in each room. Entries that
// are not refreshed expire after the timeout and are reported through the
// expire callback, the same way an explicit stop would be.
type TypingTracker struct {
	mu       sync.Mutex
	timeout  time.Duration
	throttle time.Duration
	entries  map[typingKey]*typingEntry
	limiters map[typingKey]*rate.Limiter
	seq      uint64
	onExpire func(roomID, username string)
	now      func() time.Time
	closed   bool
}

type TypingOption func(*TypingTracker)

func WithTypingTimeout(d time.Duration) TypingOption {
	return func(t *TypingTracker) {
		t.timeout = d
	}
}

// WithTypingThrottle sets the minimum interval between two starts of the
// same user in the same room. Zero disables throttling.
func WithTypingThrottle(d time.Duration) TypingOption {
	return func(t *TypingTracker) {
		t.throttle = d
	}
}

func NewTypingTracker(onExpire func(roomID, username string), opts ...TypingOption) *TypingTracker {
	t := &TypingTracker{
		timeout:  DefaultTypingTimeout,
		throttle: DefaultTypingThrottle,
		entries:  make(map[typingKey]*typingEntry),
		limiters: make(map[typingKey]*rate.Limiter),
		onExpire: onExpire,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.onExpire == nil {
		t.onExpire = func(string, string) {}
	}
	return t
}

// Start marks username as typing in roomID and pushes the expiry back.
// started is true only when the user was not typing before.
func (t *TypingTracker) Start(roomID, username string) (started bool, err error) {
	k := typingKey{roomID, username}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, nil
	}

	if t.throttle > 0 {
		l, ok := t.limiters[k]
		if !ok {
			// Clients pace keep-alives at the throttle, so a start that
			// arrives slightly early still counts.
			l = rate.NewLimiter(rate.Every(t.throttle*9/10), 1)
			t.limiters[k] = l
		}
		if !l.AllowN(t.now(), 1) {
			return false, ErrRateLimited
		}
	}

	e, ok := t.entries[k]
	if ok {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		t.entries[k] = e
	}
	t.seq++
	gen := t.seq
	e.gen = gen
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(k, gen) })
	return !ok, nil
}

// Stop clears the typing mark. It reports whether the user was typing.
func (t *TypingTracker) Stop(roomID, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(typingKey{roomID, username})
}

// Cancel clears the typing mark and the throttle state of a user that left
// the room. No expiry is reported for it.
func (t *TypingTracker) Cancel(roomID, username string) bool {
	k := typingKey{roomID, username}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, k)
	return t.removeLocked(k)
}

func (t *TypingTracker) removeLocked(k typingKey) bool {
	e, ok := t.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, k)
	return true
}

func (t *TypingTracker) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	onExpire := t.onExpire
	t.mu.Unlock()

	onExpire(k.room, k.user)
}

// Typing returns the users typing in a room, sorted.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := []string{}
	for k := range t.entries {
		if k.room == roomID {
			users = append(users, k.user)
		}
	}
	slices.Sort(users)
	return users
}

// DropRoom clears every entry of a room without reporting expiry.
func (t *TypingTracker) DropRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.room == roomID {
			e.timer.Stop()
			delete(t.entries, k)
		}
	}
	for k := range t.limiters {
		if k.room == roomID {
			delete(t.limiters, k)
		}
	}
}

// Close stops every timer. Later calls to Start are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}
