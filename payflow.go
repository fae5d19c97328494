package payflow

import (
	"context"
	"sort"
	"strings"
)

// PaymentMethod identifies a tender type supported by one or more providers.
type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodWallet       PaymentMethod = "wallet"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodDirectDebit  PaymentMethod = "direct_debit"
)

// IntentStatus is the provider-side lifecycle status of a payment intent.
type IntentStatus string

const (
	StatusRequiresAction       IntentStatus = "requires_action"
	StatusRequiresConfirmation IntentStatus = "requires_confirmation"
	StatusProcessing           IntentStatus = "processing"
	StatusSucceeded            IntentStatus = "succeeded"
	StatusCanceled             IntentStatus = "canceled"
	StatusFailed               IntentStatus = "failed"
)

// Final reports whether the status can no longer change provider-side.
func (s IntentStatus) Final() bool {
	switch s {
	case StatusSucceeded, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// NextActionKind discriminates what the buyer must do to continue.
type NextActionKind string

const (
	ActionRedirect      NextActionKind = "redirect"
	ActionClientConfirm NextActionKind = "client_confirm"
)

// NextAction describes the pending user step attached to an intent.
type NextAction struct {
	Kind        NextActionKind `json:"kind"`
	RedirectURL string         `json:"redirectUrl,omitempty"`
	// ClientToken is a short-lived secret consumed by client-side
	// confirmation. It must never be persisted or emitted to telemetry.
	ClientToken string `json:"-"`
}

// PaymentIntent is the normalized provider-side representation of an attempt.
type PaymentIntent struct {
	ID         string            `json:"id"`
	ProviderID string            `json:"providerId"`
	Status     IntentStatus      `json:"status"`
	NextAction *NextAction       `json:"nextAction,omitempty"`
	Refs       map[string]string `json:"refs,omitempty"`
}

// Clone returns a deep copy so callers can hold snapshots safely.
func (p *PaymentIntent) Clone() *PaymentIntent {
	if p == nil {
		return nil
	}
	cp := *p
	if p.NextAction != nil {
		na := *p.NextAction
		cp.NextAction = &na
	}
	if len(p.Refs) > 0 {
		cp.Refs = make(map[string]string, len(p.Refs))
		for k, v := range p.Refs {
			cp.Refs[k] = v
		}
	}
	return &cp
}

// PaymentRequest carries everything a provider needs to start an attempt.
// IdempotencyKey is derived by the machine from the request payload when left
// empty, so a replayed start reaches the provider as the same attempt.
type PaymentRequest struct {
	ProviderID        string            `json:"providerId"`
	Method            PaymentMethod     `json:"method"`
	AmountMinor       int64             `json:"amountMinor"`
	Currency          string            `json:"currency"`
	ExternalReference string            `json:"externalReference"`
	ReturnURL         string            `json:"returnUrl,omitempty"`
	CancelURL         string            `json:"cancelUrl,omitempty"`
	IsTest            bool              `json:"isTest,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	IdempotencyKey    string            `json:"idempotencyKey,omitempty"`
}

// ConfirmRequest asks a provider to confirm an existing intent.
type ConfirmRequest struct {
	IntentID       string `json:"intentId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// CancelRequest asks a provider to cancel an existing intent.
type CancelRequest struct {
	IntentID       string `json:"intentId"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// StatusRequest fetches the current intent snapshot.
type StatusRequest struct {
	IntentID       string `json:"intentId"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ClientConfirmRequest performs a client-side confirmation step.
type ClientConfirmRequest struct {
	ProviderID     string `json:"providerId"`
	IntentID       string `json:"intentId"`
	ClientToken    string `json:"-"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// FinalizeRequest settles a completed intent on the backend.
type FinalizeRequest struct {
	ProviderID     string `json:"providerId"`
	IntentID       string `json:"intentId"`
	ReferenceID    string `json:"referenceId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ProviderOps is the injected provider operation contract. All functions are
// non-blocking from the machine's perspective: the actor awaits them while
// holding a transient invoke state. Errors must be normalized to the stable
// code taxonomy before they reach the machine.
type ProviderOps struct {
	Start         func(ctx context.Context, providerID string, req PaymentRequest, flowRefs map[string]string) (*PaymentIntent, error)
	Confirm       func(ctx context.Context, providerID string, req ConfirmRequest) (*PaymentIntent, error)
	Cancel        func(ctx context.Context, providerID string, req CancelRequest) (*PaymentIntent, error)
	GetStatus     func(ctx context.Context, providerID string, req StatusRequest) (*PaymentIntent, error)
	ClientConfirm func(ctx context.Context, req ClientConfirmRequest) (*PaymentIntent, error)
	Finalize      func(ctx context.Context, req FinalizeRequest) (*PaymentIntent, error)
}

// Validate ensures the mandatory operations are wired.
func (o ProviderOps) Validate() error {
	if o.Start == nil || o.Confirm == nil || o.Cancel == nil || o.GetStatus == nil {
		return NewError(CodeInvalidRequest, "provider ops require start, confirm, cancel, and getStatus")
	}
	return nil
}

// ProviderCapabilities describes one registered provider.
type ProviderCapabilities struct {
	ID                    string
	Methods               []PaymentMethod
	SupportsClientConfirm bool
	SupportsFinalize      bool
}

// SupportsMethod reports whether the provider accepts the payment method.
func (p ProviderCapabilities) SupportsMethod(method PaymentMethod) bool {
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// ProviderRegistry is an explicit provider-id to capability map, built once
// at startup and passed by reference. There is no ambient global registry.
type ProviderRegistry struct {
	providers map[string]ProviderCapabilities
}

// NewProviderRegistry builds a registry from the given capability set.
func NewProviderRegistry(caps []ProviderCapabilities) *ProviderRegistry {
	providers := make(map[string]ProviderCapabilities, len(caps))
	for _, capability := range caps {
		id := strings.TrimSpace(capability.ID)
		if id == "" {
			continue
		}
		capability.ID = id
		providers[id] = capability
	}
	return &ProviderRegistry{providers: providers}
}

// Lookup returns the capabilities registered for a provider id.
func (r *ProviderRegistry) Lookup(providerID string) (ProviderCapabilities, bool) {
	if r == nil {
		return ProviderCapabilities{}, false
	}
	capability, ok := r.providers[strings.TrimSpace(providerID)]
	return capability, ok
}

// IDs returns all registered provider ids in stable order.
func (r *ProviderRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SupportingMethod returns registered provider ids accepting the method.
func (r *ProviderRegistry) SupportingMethod(method PaymentMethod) []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.providers))
	for id, capability := range r.providers {
		if capability.SupportsMethod(method) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
