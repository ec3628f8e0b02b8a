// Package notify provides broadcast notification primitives.
package notify

import "sync"

// Signal is a broadcast wake-up. Waiters select on C(), and any call to
// Notify() wakes all of them by closing the channel and replacing it with
// a fresh one. The job queue uses this to wake idle workers on enqueue.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel that is closed on the next Notify() call. Callers
// must re-call C() after each wake-up to obtain the next channel.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}
