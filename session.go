package glucosync

import (
	"sync"
	"time"
)

// SessionState tracks cross-sweep session facts: whether syncing is halted
// pending re-authentication, and the last observed backend reachability.
// Reachability is a cached observation with a staleness window, not a probe.
type SessionState struct {
	mu        sync.Mutex
	halted    bool
	reachable bool
	checkedAt time.Time
	window    time.Duration
}

// NewSessionState builds a session whose reachability observations expire
// after window. A zero window means observations never go stale.
func NewSessionState(window time.Duration) *SessionState {
	return &SessionState{window: window}
}

// Halt stops further sweeps until Resume is called. The engine halts itself
// when the backend rejects its credentials.
func (s *SessionState) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
}

// Resume lifts a halt after the caller has re-authenticated.
func (s *SessionState) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
}

func (s *SessionState) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// MarkReachable records a successful round-trip to the backend.
func (s *SessionState) MarkReachable() {
	s.observe(true)
}

// MarkUnreachable records a failed attempt to reach the backend.
func (s *SessionState) MarkUnreachable() {
	s.observe(false)
}

func (s *SessionState) observe(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
	s.checkedAt = time.Now()
}

// BackendReachable returns the last observation and whether it is still
// fresh. known is false when nothing has been observed yet or the last
// observation is older than the staleness window.
func (s *SessionState) BackendReachable() (reachable, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkedAt.IsZero() {
		return false, false
	}
	if s.window > 0 && time.Since(s.checkedAt) > s.window {
		return false, false
	}
	return s.reachable, true
}

// InvalidateReachability discards the cached observation, forcing the next
// caller to treat reachability as unknown.
func (s *SessionState) InvalidateReachability() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkedAt = time.Time{}
	s.reachable = false
}
