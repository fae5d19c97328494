package resilience

import (
	"testing"
	"time"
)

type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.at }
func (c *fakeClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    10 * time.Second,
		ResetTimeout:     5 * time.Second,
		SuccessThreshold: 2,
	}, WithCircuitClock(clock.Now))

	for i := 0; i < 3; i++ {
		if !cb.Allow("payments:start") {
			t.Fatalf("expected call %d allowed while closed", i)
		}
		cb.RecordFailure("payments:start")
	}
	if cb.Info("payments:start").State != CircuitOpen {
		t.Fatalf("expected open after threshold, got %s", cb.Info("payments:start").State)
	}
	if cb.Allow("payments:start") {
		t.Fatalf("expected rejection while open")
	}
	if cb.RetryAfter("payments:start") <= 0 {
		t.Fatalf("expected positive retry-after while open")
	}
}

func TestCircuitBreakerFailureWindowResetsCount(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		FailureWindow:    1 * time.Second,
		ResetTimeout:     5 * time.Second,
	}, WithCircuitClock(clock.Now))

	cb.RecordFailure("ep")
	clock.Advance(2 * time.Second)
	cb.RecordFailure("ep")
	if got := cb.Info("ep").State; got != CircuitClosed {
		t.Fatalf("expected closed when failures fall outside window, got %s", got)
	}
}

func TestCircuitBreakerHalfOpenSingleTrial(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    10 * time.Second,
		ResetTimeout:     5 * time.Second,
		SuccessThreshold: 2,
	}, WithCircuitClock(clock.Now))

	cb.RecordFailure("ep")
	if cb.Allow("ep") {
		t.Fatalf("expected rejection before cooldown")
	}

	clock.Advance(5 * time.Second)
	if !cb.Allow("ep") {
		t.Fatalf("expected single trial after cooldown")
	}
	if cb.Info("ep").State != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.Info("ep").State)
	}
	if cb.Allow("ep") {
		t.Fatalf("expected second concurrent trial rejected")
	}

	cb.RecordSuccess("ep")
	if cb.Info("ep").State != CircuitHalfOpen {
		t.Fatalf("expected half-open until success threshold")
	}
	if !cb.Allow("ep") {
		t.Fatalf("expected next trial after settled success")
	}
	cb.RecordSuccess("ep")
	if cb.Info("ep").State != CircuitClosed {
		t.Fatalf("expected closed after success threshold, got %s", cb.Info("ep").State)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    10 * time.Second,
		ResetTimeout:     time.Second,
	}, WithCircuitClock(clock.Now))

	cb.RecordFailure("ep")
	clock.Advance(time.Second)
	if !cb.Allow("ep") {
		t.Fatalf("expected trial admitted")
	}
	cb.RecordFailure("ep")
	if cb.Info("ep").State != CircuitOpen {
		t.Fatalf("expected reopen on half-open failure, got %s", cb.Info("ep").State)
	}
	if cb.Allow("ep") {
		t.Fatalf("expected rejection after reopen")
	}
}

func TestCircuitBreakerEndpointsIsolated(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    10 * time.Second,
		ResetTimeout:     5 * time.Second,
	}, WithCircuitClock(clock.Now))

	cb.RecordFailure("stripe:start")
	if cb.Allow("stripe:start") {
		t.Fatalf("expected stripe:start open")
	}
	if !cb.Allow("paypal:start") {
		t.Fatalf("expected paypal:start unaffected")
	}
}

func TestCircuitBreakerObserverNotified(t *testing.T) {
	clock := newFakeClock()
	var events []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    10 * time.Second,
		ResetTimeout:     time.Second,
		SuccessThreshold: 1,
	},
		WithCircuitClock(clock.Now),
		WithCircuitObserver(func(_ string, info CircuitInfo) {
			events = append(events, info.State)
		}),
	)

	cb.RecordFailure("ep")
	clock.Advance(time.Second)
	cb.Allow("ep")
	cb.RecordSuccess("ep")

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(events), events)
	}
	for i, st := range want {
		if events[i] != st {
			t.Fatalf("event %d: expected %s, got %s", i, st, events[i])
		}
	}
}
