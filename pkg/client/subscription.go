package client

import "sync"

// Subscription is the handle of a registered callback.
type Subscription struct {
	once   sync.Once
	remove func()
}

// Unsubscribe removes the callback. It may be called more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.remove)
}
