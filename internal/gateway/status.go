package gateway

import (
	"sync"
	"time"
)

// ConnState is the coarse connectivity state of the agent gateway.
type ConnState string

const (
	StatusUnknown   ConnState = "unknown"
	StatusConnected ConnState = "connected"
	StatusError     ConnState = "error"
)

// Status tracks gateway connectivity as observed by invocations and probes.
// Safe for concurrent use.
type Status struct {
	mu        sync.Mutex
	state     ConnState
	lastErr   error
	changedAt time.Time
}

// NewStatus returns a tracker in the unknown state.
func NewStatus() *Status {
	return &Status{state: StatusUnknown}
}

// SetConnected records a successful gateway round trip.
func (s *Status) SetConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatusConnected {
		s.changedAt = time.Now()
	}
	s.state = StatusConnected
	s.lastErr = nil
}

// SetError records a failed gateway round trip.
func (s *Status) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatusError {
		s.changedAt = time.Now()
	}
	s.state = StatusError
	s.lastErr = err
}

// State returns the current connectivity state.
func (s *Status) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent failure, or nil when connected.
func (s *Status) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ChangedAt returns when the state last flipped.
func (s *Status) ChangedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changedAt
}
