// Package backoff provides a cancellable repeating timer whose delays come
// from a pluggable policy, kept apart from the work each tick performs.
package backoff

import (
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Policy computes the delay before the next attempt. Returning Stop ends the
// schedule.
type Policy = cbackoff.BackOff

// Stop is the delay a Policy returns to give up.
const Stop = cbackoff.Stop

// Constant returns a Policy that always waits d.
func Constant(d time.Duration) Policy {
	return cbackoff.NewConstantBackOff(d)
}

// Exponential returns a Policy that starts at initial and grows up to max,
// without jitter so schedules stay reproducible.
func Exponential(initial, max time.Duration) Policy {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Scheduler arms one pending tick at a time on a Clock. After Cancel returns
// no tick fires, including one whose timer already expired but whose callback
// has not yet observed the cancellation.
type Scheduler struct {
	clock  Clock
	policy Policy

	mu        sync.Mutex
	timer     Timer
	gen       uint64
	ticks     int
	cancelled bool
}

// NewScheduler returns a Scheduler using clock and policy. A nil clock means
// RealClock.
func NewScheduler(clock Clock, policy Policy) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{clock: clock, policy: policy}
}

// After arms fn to run once after d, replacing any pending tick. It returns
// false if the scheduler is cancelled.
func (s *Scheduler) After(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.armLocked(d, fn)
	return true
}

// Next arms fn after the delay the policy yields. It returns false if the
// scheduler is cancelled or the policy returned Stop.
func (s *Scheduler) Next(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	d := s.policy.NextBackOff()
	if d == Stop {
		return false
	}
	s.armLocked(d, fn)
	return true
}

// Reset restarts the policy, e.g. after a successful attempt.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.Reset()
}

// Cancel stops the pending tick and rejects all future ones. Idempotent.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Cancelled reports whether Cancel was called.
func (s *Scheduler) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Pending reports whether a tick is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Ticks returns how many ticks have fired.
func (s *Scheduler) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// armLocked replaces the pending timer. Caller must hold s.mu.
func (s *Scheduler) armLocked(d time.Duration, fn func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.cancelled || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.ticks++
		s.mu.Unlock()
		fn()
	})
}
