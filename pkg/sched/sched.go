// Package sched provides a token-guarded deferred scheduler. Scheduling under
// a key cancels any pending call for that key; when a timer fires it runs its
// function only if its captured token is still the latest for the key, so a
// call superseded between Stop and fire is still suppressed. The same
// primitive backs highlight auto-clear, search-navigation suppression, and
// debounced rotation persistence.
package sched

import (
	"sync"
	"time"
)

// Token identifies one scheduled call. Tokens are unique per Scheduler.
type Token uint64

// Scheduler runs at most one pending deferred call per key. The zero value is
// not usable; call New.
type Scheduler struct {
	mu     sync.Mutex
	next   uint64
	latest map[string]Token
	timers map[string]*time.Timer
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		latest: make(map[string]Token),
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arranges for fn to run after delay, replacing any pending call
// under the same key. The delay restarts in full: rescheduling 200ms into a
// 1s delay postpones execution to 1s from now, not 800ms.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.next++
	tok := Token(s.next)
	s.latest[key] = tok
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.latest[key] != tok {
			s.mu.Unlock()
			return
		}
		delete(s.latest, key)
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	return tok
}

// Cancel drops the pending call for key, if any. Cancelling an absent or
// already-fired key is a no-op.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
		delete(s.latest, key)
	}
}

// CancelAll drops every pending call. Used on viewer close.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
		delete(s.latest, key)
	}
}

// Pending reports whether a call is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}
