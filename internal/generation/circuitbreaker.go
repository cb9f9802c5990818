package generation

import (
	"sync"
	"time"

	"github.com/oleksiy-k/botcore/internal/coreerr"
	"github.com/oleksiy-k/botcore/internal/telemetry"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker is a reusable wrapper around any remote call, tracking
// consecutive failures over a rolling window and fast-failing while open.
type CircuitBreaker struct {
	name               string
	failureThreshold   int
	rollingWindow      time.Duration
	cooldown           time.Duration
	tel                *telemetry.Telemetry

	mu            sync.Mutex
	state         breakerState
	failureTimes  []time.Time
	openedAt      time.Time
	halfOpenInUse bool
	now           func() time.Time
}

// NewCircuitBreaker builds a breaker: failureThreshold consecutive failures
// within rollingWindow opens it for cooldown.
func NewCircuitBreaker(name string, failureThreshold int, rollingWindow, cooldown time.Duration, tel *telemetry.Telemetry) *CircuitBreaker {
	return &CircuitBreaker{
		name: name, failureThreshold: failureThreshold,
		rollingWindow: rollingWindow, cooldown: cooldown, tel: tel, now: time.Now,
	}
}

// Allow reports whether a call may proceed right now, transitioning
// open -> half_open after the cooldown elapses.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.halfOpenInUse = false
			b.setGauge()
		} else {
			return coreerr.New(coreerr.CircuitBreakerOpen, "CircuitBreaker.Allow", nil, "name", b.name)
		}
		fallthrough
	case stateHalfOpen:
		if b.halfOpenInUse {
			return coreerr.New(coreerr.CircuitBreakerOpen, "CircuitBreaker.Allow", nil, "name", b.name)
		}
		b.halfOpenInUse = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failureTimes = nil
	b.halfOpenInUse = false
	b.setGauge()
}

// RecordFailure records a failure; in half-open it reopens immediately, in
// closed it opens once failureThreshold failures land inside rollingWindow.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.trip()
		return
	}

	now := b.now()
	b.failureTimes = append(b.failureTimes, now)
	cutoff := now.Add(-b.rollingWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept

	if len(b.failureTimes) >= b.failureThreshold {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.state = stateOpen
	b.openedAt = b.now()
	b.failureTimes = nil
	b.halfOpenInUse = false
	b.setGauge()
}

func (b *CircuitBreaker) setGauge() {
	if b.tel == nil {
		return
	}
	b.tel.SetCircuitState(b.name, int(b.state))
}
