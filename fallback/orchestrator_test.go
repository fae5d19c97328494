package fallback

import (
	"testing"
	"time"

	payflow "github.com/goliatone/go-payment-flow"
)

func testRegistry() *payflow.ProviderRegistry {
	return payflow.NewProviderRegistry([]payflow.ProviderCapabilities{
		{ID: "providerA", Methods: []payflow.PaymentMethod{payflow.MethodCard}},
		{ID: "providerB", Methods: []payflow.PaymentMethod{payflow.MethodCard}},
		{ID: "providerC", Methods: []payflow.PaymentMethod{payflow.MethodWallet}},
	})
}

func cardRequest(provider string) payflow.PaymentRequest {
	return payflow.PaymentRequest{
		ProviderID:        provider,
		Method:            payflow.MethodCard,
		AmountMinor:       1999,
		Currency:          "EUR",
		ExternalReference: "order-1",
	}
}

type manualClock struct {
	at time.Time
}

func (c *manualClock) Now() time.Time          { return c.at }
func (c *manualClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func TestReportFailureManualModeRaisesPendingEvent(t *testing.T) {
	o := New(Config{Enabled: true, Mode: ModeManual}, testRegistry())

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	if !decision.Accepted {
		t.Fatalf("expected failure accepted into fallback")
	}
	if decision.Pending == nil {
		t.Fatalf("expected pending event in manual mode")
	}
	if len(decision.Pending.Alternatives) != 1 || decision.Pending.Alternatives[0] != "providerB" {
		t.Fatalf("expected [providerB] alternatives, got %v", decision.Pending.Alternatives)
	}
	if o.State().Status != StatusPending {
		t.Fatalf("expected pending status, got %s", o.State().Status)
	}
}

func TestReportFailureDeclinesNonTriggerCode(t *testing.T) {
	o := New(Config{Enabled: true}, testRegistry())

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeCardDeclined, ""), cardRequest("providerA"), false)
	if decision.Accepted {
		t.Fatalf("expected card_declined rejected by trigger set")
	}
	if o.State().Status != StatusIdle {
		t.Fatalf("expected idle after declined report, got %s", o.State().Status)
	}
}

func TestReportFailureDisabled(t *testing.T) {
	o := New(Config{Enabled: false}, testRegistry())

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	if decision.Accepted {
		t.Fatalf("expected fallback disabled")
	}
}

func TestReportFailureFiltersAttemptedAndUnsupported(t *testing.T) {
	o := New(Config{Enabled: true, Priority: []string{"providerB", "providerA"}}, testRegistry())

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	if decision.Pending == nil {
		t.Fatalf("expected pending event")
	}
	// providerA already attempted, providerC does not support card
	if len(decision.Pending.Alternatives) != 1 || decision.Pending.Alternatives[0] != "providerB" {
		t.Fatalf("unexpected alternatives %v", decision.Pending.Alternatives)
	}
}

func TestAutoModeExecutesUnderCapThenEscalates(t *testing.T) {
	o := New(Config{Enabled: true, Mode: ModeAuto, MaxAutoAttempts: 1, MaxAttempts: 3}, testRegistry())

	first := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	if first.AutoProvider != "providerB" {
		t.Fatalf("expected auto-execute on providerB, got %q", first.AutoProvider)
	}
	if o.State().Status != StatusAutoExecuting {
		t.Fatalf("expected auto_executing, got %s", o.State().Status)
	}

	second := o.ReportFailure("providerB",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerB"), true)
	if second.Accepted {
		t.Fatalf("expected escalation to fail with no candidates left")
	}
	state := o.State()
	if len(state.FailedAttempts) != 2 {
		t.Fatalf("expected 2 logged attempts, got %d", len(state.FailedAttempts))
	}
	if !state.FailedAttempts[1].WasAutoFallback {
		t.Fatalf("expected second attempt flagged as auto fallback")
	}
}

func TestRespondAcceptMovesToExecuting(t *testing.T) {
	o := New(Config{Enabled: true}, testRegistry())

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	chosen, ok := o.Respond(decision.Pending.EventID, true, "providerB")
	if !ok || chosen != "providerB" {
		t.Fatalf("expected accepted response to pick providerB, got %q ok=%v", chosen, ok)
	}
	if o.State().Status != StatusExecuting {
		t.Fatalf("expected executing, got %s", o.State().Status)
	}

	o.CompleteAttempt(true)
	if o.State().Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", o.State().Status)
	}
}

func TestRespondDeclineCancels(t *testing.T) {
	o := New(Config{Enabled: true}, testRegistry())

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	if _, ok := o.Respond(decision.Pending.EventID, false, ""); ok {
		t.Fatalf("expected declined response not to execute")
	}
	if o.State().Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", o.State().Status)
	}
}

func TestRespondIgnoresExpiredEvent(t *testing.T) {
	clock := &manualClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	o := New(Config{Enabled: true, ResponseTimeout: time.Minute}, testRegistry(),
		WithClock(clock.Now))

	decision := o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)

	clock.Advance(2 * time.Minute)
	if _, ok := o.Respond(decision.Pending.EventID, true, "providerB"); ok {
		t.Fatalf("expected expired response ignored")
	}
	// stale decisions must not execute; the episode stays pending until reset
	if o.State().Status != StatusPending {
		t.Fatalf("expected status pending after expired response, got %s", o.State().Status)
	}

	o.Reset()
	if o.State().Status != StatusIdle {
		t.Fatalf("expected idle after reset")
	}
	if len(o.State().FailedAttempts) != 0 {
		t.Fatalf("expected attempts cleared on reset")
	}
}

func TestRespondIgnoresMismatchedEventID(t *testing.T) {
	o := New(Config{Enabled: true}, testRegistry())

	o.ReportFailure("providerA",
		payflow.NewError(payflow.CodeProviderUnavailable, ""), cardRequest("providerA"), false)
	if _, ok := o.Respond("some-other-event", true, "providerB"); ok {
		t.Fatalf("expected mismatched event id ignored")
	}
	if o.State().Status != StatusPending {
		t.Fatalf("expected still pending, got %s", o.State().Status)
	}
}
