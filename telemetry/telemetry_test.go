package telemetry

import (
	"testing"
)

func TestEmitRedactsSecretKeys(t *testing.T) {
	recorder := NewRecorder()
	Emit(recorder, Envelope{
		Kind: KindEffectStart,
		Refs: map[string]string{
			"intent_id":     "in_1",
			"client_secret": "cs_live_abc",
			"cardNumber":    "4111111111111111",
		},
		Meta: map[string]any{
			"op":            "start",
			"authorization": "Bearer xyz",
			"provider": map[string]any{
				"api_key": "pk_live_123",
				"region":  "us-east-1",
			},
			"params": map[string]string{
				"status": "ok",
				"token":  "tok_123",
			},
		},
	})

	entries := recorder.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	env := entries[0]
	if env.AtMs == 0 {
		t.Fatal("expected emit to stamp the envelope")
	}
	if env.Refs["intent_id"] != "in_1" {
		t.Fatalf("plain ref altered: %q", env.Refs["intent_id"])
	}
	if env.Refs["client_secret"] != Redacted || env.Refs["cardNumber"] != Redacted {
		t.Fatalf("secrets not redacted: %+v", env.Refs)
	}
	if env.Meta["authorization"] != Redacted {
		t.Fatalf("meta secret not redacted: %v", env.Meta["authorization"])
	}
	nested, ok := env.Meta["provider"].(map[string]any)
	if !ok {
		t.Fatalf("nested meta lost: %T", env.Meta["provider"])
	}
	if nested["api_key"] != Redacted || nested["region"] != "us-east-1" {
		t.Fatalf("nested redaction wrong: %+v", nested)
	}
	params, ok := env.Meta["params"].(map[string]string)
	if !ok {
		t.Fatalf("string map lost: %T", env.Meta["params"])
	}
	if params["token"] != Redacted || params["status"] != "ok" {
		t.Fatalf("string map redaction wrong: %+v", params)
	}
}

func TestEmitNilSinkIsNoop(t *testing.T) {
	Emit(nil, Envelope{Kind: KindErrorRaised})
}

func TestRecorderCapacityDropsOldest(t *testing.T) {
	recorder := NewRecorder(WithCapacity(2))
	recorder.Record(Envelope{Kind: KindCommandSent})
	recorder.Record(Envelope{Kind: KindStateChanged})
	recorder.Record(Envelope{Kind: KindErrorRaised})

	entries := recorder.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindStateChanged || entries[1].Kind != KindErrorRaised {
		t.Fatalf("unexpected retained entries %+v", entries)
	}
}

func TestRecorderByKind(t *testing.T) {
	recorder := NewRecorder()
	recorder.Record(Envelope{Kind: KindStateChanged})
	recorder.Record(Envelope{Kind: KindEffectStart})
	recorder.Record(Envelope{Kind: KindStateChanged})

	if got := len(recorder.ByKind(KindStateChanged)); got != 2 {
		t.Fatalf("expected 2 state changes, got %d", got)
	}
	recorder.Reset()
	if got := len(recorder.Entries()); got != 0 {
		t.Fatalf("expected empty recorder after reset, got %d", got)
	}
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()
	fan := Fanout{first, nil, second}

	Emit(fan, Envelope{Kind: KindResilienceEvent})

	if len(first.Entries()) != 1 || len(second.Entries()) != 1 {
		t.Fatalf("expected both sinks to record, got %d/%d", len(first.Entries()), len(second.Entries()))
	}
}
