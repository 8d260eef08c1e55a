// Package breaker implements a generic three-state circuit breaker
// (C5) guarding any external collaborator call.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the breaker is tripped and the
// underlying call was not attempted.
var ErrOpen = errors.New("breaker: circuit is open")

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker protects a single external collaborator.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	resetTimeout     time.Duration

	state        State
	failureCount int
	openedAt     time.Time
	halfOpenBusy bool
	onTrip       func(name string)
}

func New(name string, failureThreshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            Closed,
	}
}

// Allow reports whether a call may proceed right now, transitioning
// OPEN -> HALF_OPEN when the reset timeout has elapsed. Only one caller
// is allowed to probe while HALF_OPEN.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = HalfOpen
		b.halfOpenBusy = true
		return true
	case HalfOpen:
		if b.halfOpenBusy {
			return false
		}
		b.halfOpenBusy = true
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.halfOpenBusy = false
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	b.halfOpenBusy = false
	tripped := false
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		tripped = true
	} else {
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
			b.openedAt = time.Now()
			tripped = true
		}
	}
	hook, name := b.onTrip, b.name
	b.mu.Unlock()

	if tripped && hook != nil {
		hook(name)
	}
}

// OnTrip registers fn to be called, by name, every time the breaker
// trips CLOSED/HALF_OPEN -> OPEN. Intended for outward reporting
// (metrics, alerts) rather than control flow; fn runs outside the
// breaker's lock so it may safely call back into the breaker.
func (b *Breaker) OnTrip(fn func(name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// Call runs fn only if the breaker allows it, recording the outcome.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// Snapshot reports the breaker's state for health/metrics reporting.
type Snapshot struct {
	Name             string
	State            State
	FailureCount     int
	FailureThreshold int
	ResetTimeoutS    float64
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		ResetTimeoutS:    b.resetTimeout.Seconds(),
	}
}

// Reset forces the breaker back to CLOSED, for admin use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.halfOpenBusy = false
}
