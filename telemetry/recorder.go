package telemetry

import (
	"sync"

	payflow "github.com/goliatone/go-payment-flow"
)

// Recorder is an in-memory append-only sink, useful for tests and for the
// simulation CLI. Envelopes are stored in arrival order.
type Recorder struct {
	mu       sync.Mutex
	entries  []Envelope
	capacity int
}

// RecorderOption customizes recorder behavior.
type RecorderOption func(*Recorder)

// WithCapacity bounds the recorder; oldest entries are dropped past the cap.
func WithCapacity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// NewRecorder constructs an empty recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) Record(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, env)
	if r.capacity > 0 && len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

// Entries returns a snapshot of recorded envelopes.
func (r *Recorder) Entries() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByKind filters the recorded envelopes by kind.
func (r *Recorder) ByKind(kind Kind) []Envelope {
	var out []Envelope
	for _, env := range r.Entries() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// Reset drops all recorded entries.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// LoggerSink forwards envelopes to a structured logger at debug level.
type LoggerSink struct {
	logger payflow.Logger
}

// NewLoggerSink wraps a logger as a telemetry sink.
func NewLoggerSink(logger payflow.Logger) *LoggerSink {
	return &LoggerSink{logger: payflow.NormalizeLogger(logger)}
}

func (s *LoggerSink) Record(env Envelope) {
	fields := map[string]any{
		"kind":  string(env.Kind),
		"at_ms": env.AtMs,
	}
	if env.FlowID != "" {
		fields["flow_id"] = env.FlowID
	}
	if env.ProviderID != "" {
		fields["provider_id"] = env.ProviderID
	}
	for k, v := range env.Refs {
		fields["ref_"+k] = v
	}
	for k, v := range env.Meta {
		fields[k] = v
	}
	payflow.WithLoggerFields(s.logger, fields).Debug("telemetry event")
}

// Fanout delivers each envelope to every sink in order.
type Fanout []Sink

func (f Fanout) Record(env Envelope) {
	for _, sink := range f {
		if sink != nil {
			sink.Record(env)
		}
	}
}
