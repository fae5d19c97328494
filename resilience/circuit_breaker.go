// Package resilience provides per-endpoint failure tracking (circuit
// breaker) and request throttling (rate limiter) for provider calls. Both
// primitives are stateless consumers of time and carry no flow knowledge.
package resilience

import (
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

// CircuitState is the lifecycle state of one endpoint circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

const ErrCodeCircuitOpen = "RESILIENCE_CIRCUIT_OPEN"

// ErrCircuitOpen is returned when a call is rejected without reaching the
// endpoint. Callers read RetryAfter from the metadata.
var ErrCircuitOpen = errors.New("circuit open", errors.CategoryExternal).
	WithTextCode(ErrCodeCircuitOpen)

// CircuitInfo is the tracked state for one endpoint key.
type CircuitInfo struct {
	State       CircuitState
	Failures    int
	Successes   int
	LastFailure time.Time
	OpenedAt    time.Time

	trialInFlight bool
}

// CircuitBreakerConfig tunes breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window" yaml:"failure_window"`
	ResetTimeout     time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// CircuitBreaker tracks failures per endpoint key. A circuit transitions
// closed -> open -> half-open -> {closed|open}, never skipping half-open
// after cooldown.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	circuits map[string]*CircuitInfo
	now      func() time.Time
	onEvent  func(endpoint string, info CircuitInfo)
}

// CircuitBreakerOption customizes breaker construction.
type CircuitBreakerOption func(*CircuitBreaker)

// WithCircuitClock injects the time source, primarily for tests.
func WithCircuitClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithCircuitObserver registers a callback invoked on every state change.
func WithCircuitObserver(fn func(endpoint string, info CircuitInfo)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onEvent = fn
	}
}

// NewCircuitBreaker constructs a breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*CircuitInfo),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cb)
		}
	}
	return cb
}

// Allow reports whether a call to the endpoint may proceed. An open circuit
// past its reset timeout moves to half-open and admits exactly one trial.
func (cb *CircuitBreaker) Allow(endpoint string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	info := cb.circuit(endpoint)
	switch info.State {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// one trial at a time: the slot stays taken until the call settles
		if info.trialInFlight {
			return false
		}
		info.trialInFlight = true
		return true
	case CircuitOpen:
		if cb.now().Sub(info.OpenedAt) >= cb.cfg.ResetTimeout {
			info.State = CircuitHalfOpen
			info.Successes = 0
			info.trialInFlight = true
			cb.notify(endpoint, info)
			return true
		}
		return false
	}
	return true
}

// RetryAfter returns how long until the endpoint circuit will admit a call.
func (cb *CircuitBreaker) RetryAfter(endpoint string) time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	info := cb.circuit(endpoint)
	if info.State != CircuitOpen {
		return 0
	}
	remaining := cb.cfg.ResetTimeout - cb.now().Sub(info.OpenedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess registers a successful call against the endpoint circuit.
func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	info := cb.circuit(endpoint)
	switch info.State {
	case CircuitHalfOpen:
		info.trialInFlight = false
		info.Successes++
		if info.Successes >= cb.cfg.SuccessThreshold {
			info.State = CircuitClosed
			info.Failures = 0
			info.Successes = 0
			cb.notify(endpoint, info)
			return
		}
		// trial succeeded but the circuit is not yet healthy: admit another
		cb.notify(endpoint, info)
	case CircuitClosed:
		info.Failures = 0
	}
}

// RecordFailure registers a failed call. Exceeding the failure threshold
// within the failure window opens the circuit; any failure while half-open
// reopens it immediately.
func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	info := cb.circuit(endpoint)
	switch info.State {
	case CircuitHalfOpen:
		info.State = CircuitOpen
		info.OpenedAt = now
		info.LastFailure = now
		info.Successes = 0
		info.trialInFlight = false
		cb.notify(endpoint, info)
	case CircuitClosed:
		if !info.LastFailure.IsZero() && now.Sub(info.LastFailure) > cb.cfg.FailureWindow {
			info.Failures = 0
		}
		info.Failures++
		info.LastFailure = now
		if info.Failures >= cb.cfg.FailureThreshold {
			info.State = CircuitOpen
			info.OpenedAt = now
			cb.notify(endpoint, info)
		}
	case CircuitOpen:
		info.LastFailure = now
	}
}

// Info returns a copy of the circuit state for an endpoint.
func (cb *CircuitBreaker) Info(endpoint string) CircuitInfo {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return *cb.circuit(endpoint)
}

// Reset clears the circuit for an endpoint back to closed.
func (cb *CircuitBreaker) Reset(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.circuits, endpoint)
}

func (cb *CircuitBreaker) circuit(endpoint string) *CircuitInfo {
	info, ok := cb.circuits[endpoint]
	if !ok {
		info = &CircuitInfo{State: CircuitClosed}
		cb.circuits[endpoint] = info
	}
	return info
}

func (cb *CircuitBreaker) notify(endpoint string, info *CircuitInfo) {
	if cb.onEvent != nil {
		cb.onEvent(endpoint, *info)
	}
}
