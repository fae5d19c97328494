package machine

import (
	payflow "github.com/goliatone/go-payment-flow"
)

// EventType identifies one event the machine can receive. Commands are
// user/UI initiated; system events are environment initiated.
type EventType string

const (
	// commands
	EventStart   EventType = "START"
	EventConfirm EventType = "CONFIRM"
	EventCancel  EventType = "CANCEL"
	EventRefresh EventType = "REFRESH"
	EventReset   EventType = "RESET"

	// system events
	EventRedirectReturned      EventType = "REDIRECT_RETURNED"
	EventExternalStatusUpdated EventType = "EXTERNAL_STATUS_UPDATED"
	EventWebhookReceived       EventType = "WEBHOOK_RECEIVED"
	EventFallbackExecute       EventType = "FALLBACK_EXECUTE"
	EventFallbackCancelled     EventType = "FALLBACK_CANCELLED"
)

// internal event types settle invokes and fire timers inside the actor loop.
const (
	evInvokeSettled EventType = "internal.invoke_settled"
	evTimerFired    EventType = "internal.timer_fired"
)

// Command reports whether the event type is user/UI initiated.
func (t EventType) Command() bool {
	switch t {
	case EventStart, EventConfirm, EventCancel, EventRefresh, EventReset:
		return true
	}
	return false
}

func (t EventType) internal() bool {
	return t == evInvokeSettled || t == evTimerFired
}

// Event is the machine input envelope. Only the fields matching the event
// type are read.
type Event struct {
	Type EventType

	// Request seeds a START, or replaces the provider on FALLBACK_EXECUTE.
	Request *payflow.PaymentRequest

	// ProviderID names the alternative provider for FALLBACK_EXECUTE.
	ProviderID string

	// Correlation fields for REDIRECT_RETURNED / WEBHOOK_RECEIVED /
	// EXTERNAL_STATUS_UPDATED.
	EventID     string
	ReferenceID string
	ReturnNonce string
	Params      map[string]string

	// settlement payload for internal events
	intent *payflow.PaymentIntent
	err    error
	epoch  uint64
	op     string
}

// StartEvent builds the START command for a payment request.
func StartEvent(req payflow.PaymentRequest) Event {
	return Event{Type: EventStart, Request: &req}
}

// ConfirmEvent builds the CONFIRM command.
func ConfirmEvent() Event { return Event{Type: EventConfirm} }

// CancelEvent builds the CANCEL command.
func CancelEvent() Event { return Event{Type: EventCancel} }

// RefreshEvent builds the REFRESH command.
func RefreshEvent() Event { return Event{Type: EventRefresh} }

// ResetEvent builds the RESET command.
func ResetEvent() Event { return Event{Type: EventReset} }

// RedirectReturnedEvent builds the redirect-return system event.
func RedirectReturnedEvent(referenceID, nonce string, params map[string]string) Event {
	return Event{
		Type:        EventRedirectReturned,
		ReferenceID: referenceID,
		ReturnNonce: nonce,
		Params:      params,
	}
}

// WebhookReceivedEvent builds the webhook system event.
func WebhookReceivedEvent(eventID, referenceID string) Event {
	return Event{Type: EventWebhookReceived, EventID: eventID, ReferenceID: referenceID}
}

// ExternalStatusUpdatedEvent builds the external status push system event.
func ExternalStatusUpdatedEvent(eventID, referenceID string) Event {
	return Event{Type: EventExternalStatusUpdated, EventID: eventID, ReferenceID: referenceID}
}

// FallbackExecuteEvent resumes the flow on an alternative provider.
func FallbackExecuteEvent(providerID string) Event {
	return Event{Type: EventFallbackExecute, ProviderID: providerID}
}

// FallbackCancelledEvent reports the user declined the fallback offer.
func FallbackCancelledEvent() Event { return Event{Type: EventFallbackCancelled} }
