package payflow

import (
	"testing"
)

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey("providerA", "confirm", "in_1")
	b := IdempotencyKey("providerA", "confirm", "in_1")
	if a != b {
		t.Fatal("same inputs must yield the same key")
	}
	if a == IdempotencyKey("providerA", "cancel", "in_1") {
		t.Fatal("operation must distinguish keys")
	}
	if a == IdempotencyKey("providerB", "confirm", "in_1") {
		t.Fatal("provider must distinguish keys")
	}
	if a != IdempotencyKey(" providerA ", "CONFIRM", "in_1") {
		t.Fatal("keys must be stable under trim and operation case")
	}
}

func TestRequestHashStableForEqualPayloads(t *testing.T) {
	first := PaymentRequest{ProviderID: "providerA", Method: MethodCard, AmountMinor: 100, Currency: "USD"}
	second := PaymentRequest{ProviderID: "providerA", Method: MethodCard, AmountMinor: 100, Currency: "USD"}
	if RequestHash(first) != RequestHash(second) {
		t.Fatal("equal payloads must hash equal")
	}
	second.AmountMinor = 200
	if RequestHash(first) == RequestHash(second) {
		t.Fatal("different payloads must hash differently")
	}
}

func TestIntentStatusFinal(t *testing.T) {
	finals := []IntentStatus{StatusSucceeded, StatusCanceled, StatusFailed}
	for _, status := range finals {
		if !status.Final() {
			t.Fatalf("expected %s to be final", status)
		}
	}
	for _, status := range []IntentStatus{StatusProcessing, StatusRequiresAction, StatusRequiresConfirmation} {
		if status.Final() {
			t.Fatalf("expected %s to be non-final", status)
		}
	}
}

func TestIntentCloneIsDeep(t *testing.T) {
	intent := &PaymentIntent{
		ID:         "in_1",
		Status:     StatusRequiresAction,
		NextAction: &NextAction{Kind: ActionRedirect, RedirectURL: "https://pay.example"},
		Refs:       map[string]string{"order": "o-1"},
	}
	clone := intent.Clone()
	clone.NextAction.RedirectURL = "https://evil.example"
	clone.Refs["order"] = "o-2"
	if intent.NextAction.RedirectURL != "https://pay.example" || intent.Refs["order"] != "o-1" {
		t.Fatal("clone must not share memory with the original")
	}
	var nilIntent *PaymentIntent
	if nilIntent.Clone() != nil {
		t.Fatal("nil clone must stay nil")
	}
}

func TestProviderOpsValidate(t *testing.T) {
	var ops ProviderOps
	if err := ops.Validate(); err == nil {
		t.Fatal("expected empty ops to fail validation")
	}
}

func TestProviderRegistryLookupAndFiltering(t *testing.T) {
	registry := NewProviderRegistry([]ProviderCapabilities{
		{ID: "providerA", Methods: []PaymentMethod{MethodCard, MethodWallet}},
		{ID: " providerB ", Methods: []PaymentMethod{MethodCard}},
		{ID: "", Methods: []PaymentMethod{MethodCard}},
	})

	if _, ok := registry.Lookup("providerB"); !ok {
		t.Fatal("expected trimmed id to be registered")
	}
	if _, ok := registry.Lookup("ghost"); ok {
		t.Fatal("unexpected provider")
	}
	if ids := registry.IDs(); len(ids) != 2 || ids[0] != "providerA" || ids[1] != "providerB" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if got := registry.SupportingMethod(MethodWallet); len(got) != 1 || got[0] != "providerA" {
		t.Fatalf("unexpected wallet providers %v", got)
	}
	if got := registry.SupportingMethod(MethodDirectDebit); len(got) != 0 {
		t.Fatalf("expected no direct debit providers, got %v", got)
	}
}
