// Package clock abstracts time and id generation so the sync logic is deterministic in tests.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real returns the wall clock time.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Stub is a manually advanced clock for tests.
type Stub struct {
	mu  sync.Mutex
	now time.Time
}

// NewStub returns a stub clock fixed at t.
func NewStub(t time.Time) *Stub {
	return &Stub{now: t}
}

func (s *Stub) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d.
func (s *Stub) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }
