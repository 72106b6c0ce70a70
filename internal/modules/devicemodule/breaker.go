package devicemodule

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops hammering the configuration server after repeated
// failures. While open, fetches fail fast and the loader serves the
// persisted snapshot.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitBreakerState
	failures         int
	failureThreshold int
	timeout          time.Duration
	nextRetryTime    time.Time
	clock            clockwork.Clock
	logger           hclog.Logger
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(failureThreshold int, timeout time.Duration, clock clockwork.Clock, logger hclog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &CircuitBreaker{
		state:            CircuitBreakerClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		clock:            clock,
		logger:           logger,
	}
}

// Allow checks if a request can proceed. An open breaker lets one probe
// through once its timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.clock.Now().Before(cb.nextRetryTime) {
			return false
		}
		cb.logger.Info("circuit breaker transitioning to half-open state")
		cb.state = CircuitBreakerHalfOpen
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != CircuitBreakerClosed {
		cb.logger.Info("circuit breaker transitioning to closed state")
		cb.state = CircuitBreakerClosed
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.state == CircuitBreakerHalfOpen || cb.failures >= cb.failureThreshold {
		if cb.state != CircuitBreakerOpen {
			cb.logger.Warn("circuit breaker opening due to failures", "failures", cb.failures, "retry_in", cb.timeout)
		}
		cb.state = CircuitBreakerOpen
		cb.nextRetryTime = cb.clock.Now().Add(cb.timeout)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
