// Package health tracks per-provider eligibility for the scheduler. Two
// independent signals are combined: an operator-set health bit and a
// circuit breaker fed by orchestrator apply outcomes. A provider is
// eligible only when it is marked healthy and its breaker is not open.
package health

import (
	"time"
)

// BreakerState is the circuit breaker state for one provider.
type BreakerState string

const (
	// StateClosed admits traffic and counts consecutive failures.
	StateClosed BreakerState = "CLOSED"

	// StateOpen rejects traffic until the cooldown elapses.
	StateOpen BreakerState = "OPEN"

	// StateHalfOpen admits exactly one probe; a success closes the breaker,
	// a failure reopens it.
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// CircuitBreaker is a per-provider CLOSED/OPEN/HALF_OPEN state machine.
// It is not safe for concurrent use on its own; the Registry serializes
// access.
type CircuitBreaker struct {
	state            BreakerState
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	probing          bool
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given threshold and
// cooldown. Zero values select the defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// setClock overrides the time source, for tests.
func (b *CircuitBreaker) setClock(now func() time.Time) {
	b.now = now
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// cooldown has elapsed. The transition happens on read so no background
// timer is needed.
func (b *CircuitBreaker) State() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

// Allows returns true when the breaker admits traffic. In HALF_OPEN exactly
// one probe is admitted; further callers are rejected until the probe's
// outcome is recorded.
func (b *CircuitBreaker) Allows() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess feeds a successful outcome. In HALF_OPEN the first success
// closes the breaker; in CLOSED it resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	switch b.State() {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probing = false
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure feeds a failed outcome. A HALF_OPEN probe failure reopens
// the breaker immediately; in CLOSED the breaker opens once the consecutive
// failure count reaches the threshold.
func (b *CircuitBreaker) RecordFailure() {
	switch b.State() {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
}

// FailureCount returns the consecutive failure count.
func (b *CircuitBreaker) FailureCount() int {
	return b.failureCount
}

// Snapshot is an immutable view of one breaker for the admin API.
type Snapshot struct {
	State            BreakerState `json:"state"`
	FailureCount     int          `json:"failureCount"`
	FailureThreshold int          `json:"failureThreshold"`
	CooldownSeconds  int          `json:"cooldownSeconds"`
	OpenedAt         *time.Time   `json:"openedAt,omitempty"`
}

// snapshot captures the breaker state after applying read-side transitions.
func (b *CircuitBreaker) snapshot() Snapshot {
	s := Snapshot{
		State:            b.State(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		CooldownSeconds:  int(b.cooldown / time.Second),
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}
