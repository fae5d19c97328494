// Package fallback tracks whether a failed payment attempt is eligible for
// retry on an alternative provider, in manual-confirm or automatic mode,
// bounded by attempt and age limits.
package fallback

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	payflow "github.com/goliatone/go-payment-flow"
)

// Status is the orchestrator episode state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusPending       Status = "pending"
	StatusExecuting     Status = "executing"
	StatusAutoExecuting Status = "auto_executing"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// Mode selects how an accepted failure proceeds.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// PendingEvent is a manual fallback decision awaiting a user response.
type PendingEvent struct {
	EventID         string
	Alternatives    []string
	OriginalRequest payflow.PaymentRequest
	RaisedAt        time.Time
}

// FailedAttempt is one entry in the episode's ordered failure log.
type FailedAttempt struct {
	Provider        string
	Code            string
	Error           string
	Timestamp       time.Time
	WasAutoFallback bool
}

// State is a snapshot of the orchestrator.
type State struct {
	Status          Status
	PendingEvent    *PendingEvent
	FailedAttempts  []FailedAttempt
	CurrentProvider string
	IsAutoFallback  bool
	OriginalRequest payflow.PaymentRequest
}

// Decision is the orchestrator's answer to a reported failure.
type Decision struct {
	// Accepted is false when fallback is disabled, the code is not a
	// trigger, or limits are exhausted; the caller must surface the raw
	// error itself.
	Accepted bool
	// AutoProvider is set when the next attempt executes automatically.
	AutoProvider string
	// Pending is set when a manual decision was raised instead.
	Pending *PendingEvent
	// NoCandidates reports that the failure was a trigger but every
	// alternative provider has been exhausted.
	NoCandidates bool
}

// Config tunes the fallback policy.
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Mode            Mode          `json:"mode" yaml:"mode"`
	TriggerCodes    []string      `json:"trigger_codes" yaml:"trigger_codes"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	MaxAutoAttempts int           `json:"max_auto_attempts" yaml:"max_auto_attempts"`
	Priority        []string      `json:"priority" yaml:"priority"`
	ResponseTimeout time.Duration `json:"response_timeout" yaml:"response_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeManual
	}
	if len(c.TriggerCodes) == 0 {
		c.TriggerCodes = []string{
			payflow.CodeProviderUnavailable,
			payflow.CodeNetworkError,
			payflow.CodeTimeout,
		}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxAutoAttempts <= 0 {
		c.MaxAutoAttempts = 1
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 2 * time.Minute
	}
	return c
}

// Orchestrator decides whether and where a failed attempt retries.
type Orchestrator struct {
	mu       sync.Mutex
	cfg      Config
	registry *payflow.ProviderRegistry
	now      func() time.Time
	logger   payflow.Logger

	triggers map[string]struct{}

	status          Status
	pending         *PendingEvent
	failedAttempts  []FailedAttempt
	currentProvider string
	isAutoFallback  bool
	originalRequest payflow.PaymentRequest
	autoAttempts    int
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithClock injects the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger payflow.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = payflow.NormalizeLogger(logger)
	}
}

// New constructs a fallback orchestrator over the provider registry.
func New(cfg Config, registry *payflow.ProviderRegistry, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
		logger:   payflow.NormalizeLogger(nil),
		status:   StatusIdle,
		triggers: make(map[string]struct{}, len(cfg.TriggerCodes)),
	}
	for _, code := range cfg.TriggerCodes {
		o.triggers[strings.TrimSpace(code)] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ReportFailure evaluates the fallback decision policy for a failed attempt.
// Policy order: enabled, trigger code, attempt budget, candidates, mode.
func (o *Orchestrator) ReportFailure(providerID string, err error, req payflow.PaymentRequest, wasAutoFallback bool) Decision {
	o.mu.Lock()
	defer o.mu.Unlock()

	code := payflow.CodeOf(err)
	logger := payflow.WithLoggerFields(o.logger, map[string]any{
		"provider_id": providerID,
		"error_code":  code,
	})

	if !o.cfg.Enabled {
		return Decision{}
	}
	if _, ok := o.triggers[code]; !ok {
		logger.Debug("fallback declined: code not in trigger set")
		return Decision{}
	}

	if o.status == StatusIdle {
		o.originalRequest = req
	}
	o.failedAttempts = append(o.failedAttempts, FailedAttempt{
		Provider:        providerID,
		Code:            code,
		Error:           err.Error(),
		Timestamp:       o.now(),
		WasAutoFallback: wasAutoFallback,
	})

	if len(o.failedAttempts) > o.cfg.MaxAttempts {
		logger.Warn("fallback declined: max attempts reached")
		o.status = StatusFailed
		return Decision{}
	}

	candidates := o.candidatesLocked(req.Method)
	if len(candidates) == 0 {
		logger.Warn("fallback declined: no eligible alternative providers")
		o.status = StatusFailed
		return Decision{NoCandidates: true}
	}

	if o.cfg.Mode == ModeAuto && o.autoAttempts < o.cfg.MaxAutoAttempts {
		o.autoAttempts++
		o.status = StatusAutoExecuting
		o.currentProvider = candidates[0]
		o.isAutoFallback = true
		logger.Info("fallback auto-executing on provider %s", candidates[0])
		return Decision{Accepted: true, AutoProvider: candidates[0]}
	}

	event := &PendingEvent{
		EventID:         uuid.NewString(),
		Alternatives:    candidates,
		OriginalRequest: o.originalRequest,
		RaisedAt:        o.now(),
	}
	o.status = StatusPending
	o.pending = event
	o.isAutoFallback = false
	logger.Info("fallback pending user decision, %d alternative(s)", len(candidates))
	return Decision{Accepted: true, Pending: clonePending(event)}
}

// Respond applies a user decision to the pending manual event. Responses
// bound to a different event id, or arriving after the response timeout, are
// ignored: the stale decision must not execute.
func (o *Orchestrator) Respond(eventID string, accept bool, providerID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status != StatusPending || o.pending == nil {
		return "", false
	}
	if o.pending.EventID != strings.TrimSpace(eventID) {
		return "", false
	}
	if o.eventExpiredLocked(o.pending) {
		o.logger.Warn("fallback response ignored: pending event expired")
		return "", false
	}

	if !accept {
		o.status = StatusCancelled
		o.pending = nil
		return "", false
	}

	chosen := strings.TrimSpace(providerID)
	if chosen == "" && len(o.pending.Alternatives) > 0 {
		chosen = o.pending.Alternatives[0]
	}
	if !contains(o.pending.Alternatives, chosen) {
		return "", false
	}
	o.status = StatusExecuting
	o.currentProvider = chosen
	o.pending = nil
	return chosen, true
}

// CompleteAttempt reports the outcome of an executing fallback attempt.
func (o *Orchestrator) CompleteAttempt(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status != StatusExecuting && o.status != StatusAutoExecuting {
		return
	}
	if success {
		o.status = StatusCompleted
		return
	}
	o.status = StatusFailed
}

// Reset returns the orchestrator to idle, clearing the episode log.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.status = StatusIdle
	o.pending = nil
	o.failedAttempts = nil
	o.currentProvider = ""
	o.isAutoFallback = false
	o.autoAttempts = 0
	o.originalRequest = payflow.PaymentRequest{}
}

// State returns a snapshot of the orchestrator.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	attempts := make([]FailedAttempt, len(o.failedAttempts))
	copy(attempts, o.failedAttempts)
	return State{
		Status:          o.status,
		PendingEvent:    clonePending(o.pending),
		FailedAttempts:  attempts,
		CurrentProvider: o.currentProvider,
		IsAutoFallback:  o.isAutoFallback,
		OriginalRequest: o.originalRequest,
	}
}

// candidatesLocked computes priority-list union registered providers, minus
// providers already attempted this episode, filtered by method support.
func (o *Orchestrator) candidatesLocked(method payflow.PaymentMethod) []string {
	attempted := make(map[string]struct{}, len(o.failedAttempts))
	for _, attempt := range o.failedAttempts {
		attempted[attempt.Provider] = struct{}{}
	}

	seen := make(map[string]struct{})
	ordered := make([]string, 0)
	appendCandidate := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if _, tried := attempted[id]; tried {
			return
		}
		capability, ok := o.registry.Lookup(id)
		if !ok || !capability.SupportsMethod(method) {
			return
		}
		ordered = append(ordered, id)
	}

	for _, id := range o.cfg.Priority {
		appendCandidate(id)
	}
	rest := o.registry.IDs()
	sort.Strings(rest)
	for _, id := range rest {
		appendCandidate(id)
	}
	return ordered
}

func (o *Orchestrator) eventExpiredLocked(event *PendingEvent) bool {
	if event == nil {
		return true
	}
	return o.now().Sub(event.RaisedAt) > o.cfg.ResponseTimeout
}

func clonePending(event *PendingEvent) *PendingEvent {
	if event == nil {
		return nil
	}
	cp := *event
	cp.Alternatives = append([]string(nil), event.Alternatives...)
	return &cp
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
