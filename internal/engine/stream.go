package engine

import "sync"

// RealtimeStream is the caller's handle on a running realtime sync process.
// Ticks emits once per completed merge and closes when the process
// terminates; Err reports the terminal cause afterwards (nil after a clean
// cancellation). Consecutive merges may be conflated into a single tick.
type RealtimeStream struct {
	ticks chan struct{}

	mu       sync.Mutex
	terminal error
}

func newRealtimeStream() *RealtimeStream {
	return &RealtimeStream{ticks: make(chan struct{}, 1)}
}

// Ticks returns the merge-completed channel.
func (s *RealtimeStream) Ticks() <-chan struct{} {
	return s.ticks
}

// Err reports why the stream terminated. Valid once Ticks has closed.
func (s *RealtimeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *RealtimeStream) tick() {
	select {
	case s.ticks <- struct{}{}:
	default:
	}
}

func (s *RealtimeStream) setErr(err error) {
	s.mu.Lock()
	s.terminal = err
	s.mu.Unlock()
}

func (s *RealtimeStream) finish() {
	close(s.ticks)
}
