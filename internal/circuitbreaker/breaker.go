// Package circuitbreaker guards the upstream AI endpoint. Credential
// quarantine handles per-key failures; the breaker covers the case where the
// endpoint itself is down, failing fast instead of burning every key in the
// pool.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failure threshold exceeded, calls rejected
	StateHalfOpen              // probing whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("上游服务暂时不可用，请稍后重试")

// Breaker is a consecutive-failure circuit breaker. After failureThreshold
// consecutive failures it opens for openTimeout, then lets one probe call
// through; a probe success closes it, a probe failure reopens it.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	openTimeout      time.Duration

	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

func New(failureThreshold int, openTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. Every successful Allow must be
// balanced by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		slog.Info("circuit breaker half-open, probing upstream")
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if err != nil {
			b.trip()
			return
		}
		b.state = StateClosed
		b.failures = 0
		slog.Info("circuit breaker closed, upstream recovered")
		return
	}

	if err != nil {
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
		return
	}
	b.failures = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.openedAt = b.now()
	slog.Warn("circuit breaker opened",
		"threshold", b.failureThreshold,
		"openTimeout", b.openTimeout)
}
