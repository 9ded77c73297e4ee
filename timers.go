package chatsync

import (
	"sync"
	"time"
)

// timerSet owns a group of cancellable named timers. Scheduling a key that
// already has a pending timer replaces it, so each key has at most one timer
// pending. StopAll cancels everything and seals the set so late callbacks
// cannot fire against a torn-down owner.
type timerSet struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

// schedule arms fn to run after d, replacing any pending timer for key.
// fn runs only if the timer is still the current one for key and the set has
// not been stopped.
func (s *timerSet) schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current != timer || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = timer
}

// cancel stops the pending timer for key, if any.
func (s *timerSet) cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// pending reports whether key has a timer armed.
func (s *timerSet) pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// stopAll cancels every pending timer and seals the set.
func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
