package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrOpenState = errors.New("circuit breaker is in open state")
)

type State int

const (
	_ State = iota
	Closed
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type CircuitBreaker struct {
	mu    sync.RWMutex
	state State

	consecutiveFailures  int
	consecutiveSuccesses int

	failureThreshold int
	successThreshold int

	resetTimeout time.Duration
	nextProbeAt  time.Time
}

func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
	}
}

type call[Response any] func(context.Context) (Response, error)

// Do runs the given call protected by the circuit breaker.
func Do[Response any](ctx context.Context, cb *CircuitBreaker, fn call[Response]) (resp Response, err error) {
	cb.mu.Lock()
	if cb.state == Open {
		if time.Now().Before(cb.nextProbeAt) {
			cb.mu.Unlock()
			return resp, ErrOpenState
		}
		cb.state = HalfOpen
		cb.consecutiveSuccesses = 0
	}
	cb.mu.Unlock()

	resp, err = fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.consecutiveSuccesses = 0
		if cb.state == HalfOpen {
			cb.open()
		} else {
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.failureThreshold {
				cb.open()
			}
		}
		return
	}

	if cb.state == HalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.reset()
		}
	} else {
		cb.consecutiveFailures = 0
	}

	return
}

func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == Closed || cb.state == HalfOpen
}

// State reports the current state. An open breaker whose reset timeout
// elapsed stays Open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) open() {
	cb.state = Open
	cb.nextProbeAt = time.Now().Add(cb.resetTimeout)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) reset() {
	cb.state = Closed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}
