// Package telemetry records flow lifecycle events as an append-only stream.
// Emission is fire-and-forget: the machine never blocks on a sink, and every
// envelope is redacted before it reaches a recorder.
package telemetry

import (
	"time"
)

// Kind discriminates the telemetry envelope union.
type Kind string

const (
	KindCommandSent     Kind = "COMMAND_SENT"
	KindSystemEventSent Kind = "SYSTEM_EVENT_SENT"
	KindResilienceEvent Kind = "RESILIENCE_EVENT"
	KindStateChanged    Kind = "STATE_CHANGED"
	KindEffectStart     Kind = "EFFECT_START"
	KindEffectFinish    Kind = "EFFECT_FINISH"
	KindErrorRaised     Kind = "ERROR_RAISED"
)

// Envelope is one recorded telemetry event.
type Envelope struct {
	Kind       Kind              `json:"kind"`
	AtMs       int64             `json:"atMs"`
	FlowID     string            `json:"flowId,omitempty"`
	ProviderID string            `json:"providerId,omitempty"`
	Refs       map[string]string `json:"refs,omitempty"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

// Sink receives redacted envelopes. Implementations must not block.
type Sink interface {
	Record(env Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(env Envelope)

func (f SinkFunc) Record(env Envelope) { f(env) }

// Emit stamps, redacts, and delivers an envelope. A nil sink is a no-op so
// telemetry stays optional at every call site.
func Emit(sink Sink, env Envelope) {
	if sink == nil {
		return
	}
	if env.AtMs == 0 {
		env.AtMs = time.Now().UnixMilli()
	}
	env.Refs = RedactRefs(env.Refs)
	env.Meta = RedactMeta(env.Meta)
	sink.Record(env)
}
