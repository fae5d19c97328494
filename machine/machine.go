package machine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	payflow "github.com/goliatone/go-payment-flow"
	"github.com/goliatone/go-payment-flow/fallback"
	"github.com/goliatone/go-payment-flow/flowctx"
	"github.com/goliatone/go-payment-flow/resilience"
	"github.com/goliatone/go-payment-flow/telemetry"
)

// Machine is the single-writer actor driving one checkout attempt. All
// transitions happen under the mutex; provider invokes and timers re-enter
// through internal events stamped with the epoch current at dispatch, so a
// settlement arriving after the machine left the state is dropped.
type Machine struct {
	mu sync.Mutex

	cfg      Config
	ops      payflow.ProviderOps
	registry *payflow.ProviderRegistry

	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
	fb      *fallback.Orchestrator
	store   *flowctx.Store
	sink    telemetry.Sink
	logger  payflow.Logger
	now     func() time.Time

	state   State
	ctx     *Context
	epoch   uint64
	stopped bool
	timer   *time.Timer

	observers map[int]chan Snapshot
	nextObs   int
}

// Option customizes machine construction.
type Option func(*Machine)

// WithCircuitBreaker attaches the shared per-endpoint circuit breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(m *Machine) { m.breaker = cb }
}

// WithRateLimiter attaches the shared per-endpoint rate limiter.
func WithRateLimiter(rl *resilience.RateLimiter) Option {
	return func(m *Machine) { m.limiter = rl }
}

// WithFallback attaches the fallback orchestrator consulted on start failures.
func WithFallback(fb *fallback.Orchestrator) Option {
	return func(m *Machine) { m.fb = fb }
}

// WithStore attaches the flow context store used for persistence and
// rehydration.
func WithStore(store *flowctx.Store) Option {
	return func(m *Machine) { m.store = store }
}

// WithTelemetry attaches the telemetry sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(m *Machine) { m.sink = sink }
}

// WithLogger sets the machine logger.
func WithLogger(logger payflow.Logger) Option {
	return func(m *Machine) { m.logger = payflow.NormalizeLogger(logger) }
}

// WithClock injects the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a machine in the idle state. If a store is attached and holds a
// live flow context, the machine rehydrates it: a flow with a provider intent
// resumes in requiresAction so a REFRESH can reconcile the real status.
func New(cfg Config, ops payflow.ProviderOps, registry *payflow.ProviderRegistry, opts ...Option) (*Machine, error) {
	if err := ops.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:       cfg.WithDefaults(),
		ops:       ops,
		registry:  registry,
		logger:    payflow.NormalizeLogger(nil),
		now:       time.Now,
		state:     StateIdle,
		ctx:       newContext(),
		observers: make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.store != nil {
		if flow, ok := m.store.LoadCurrent(); ok {
			m.ctx.Flow = flow
			m.ctx.ProviderID = flow.ProviderID
			if refs := flow.RefsFor(flow.ProviderID); refs != nil {
				m.ctx.IntentID = refs["intent_id"]
			}
			if m.ctx.IntentID != "" {
				m.state = StateRequiresAction
			}
			m.logger.Info("rehydrated flow %s in state %s", flow.FlowID, m.state)
		}
	}
	return m, nil
}

// Stop halts the machine: pending timers are cancelled, in-flight invoke
// settlements are dropped, and observer channels are closed.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.stopTimerLocked()
	m.epoch++
	for id, ch := range m.observers {
		close(ch)
		delete(m.observers, id)
	}
}

// Current returns a snapshot of the machine.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers an observer channel receiving a snapshot after every
// settled transition. Slow observers miss snapshots rather than blocking the
// actor. The returned function unsubscribes.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 8)
	id := m.nextObs
	m.nextObs++
	m.observers[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.observers[id]; ok {
			delete(m.observers, id)
			close(existing)
		}
	}
}

// Send delivers a command or system event to the machine. It returns false
// when the event is not acceptable in the current state, fails correlation,
// or is a duplicate; accepted events are fully processed before Send returns.
func (m *Machine) Send(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || ev.Type.internal() {
		return false
	}
	accepted := m.handleExternalLocked(ev)
	if accepted {
		m.settleLocked()
	}
	return accepted
}

// post re-enters the actor with an internal event. Events from a previous
// epoch are stale and dropped.
func (m *Machine) post(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || ev.epoch != m.epoch {
		return
	}
	switch ev.Type {
	case evTimerFired:
		m.handleTimerLocked()
	case evInvokeSettled:
		m.handleSettlementLocked(ev)
	default:
		return
	}
	m.settleLocked()
}

func (m *Machine) handleExternalLocked(ev Event) bool {
	switch ev.Type {
	case EventReset:
		m.emitEventLocked(ev)
		m.resetLocked()
		return true

	case EventStart:
		if m.state != StateIdle || ev.Request == nil {
			return false
		}
		m.emitEventLocked(ev)
		m.beginFlowLocked(*ev.Request)
		return true

	case EventConfirm:
		if m.state != StateRequiresAction || m.ctx.Intent == nil {
			return false
		}
		m.emitEventLocked(ev)
		next := m.ctx.Intent.NextAction
		if next != nil && next.Kind == payflow.ActionClientConfirm {
			if !m.clientConfirmSupportedLocked() {
				m.ctx.Err = payflow.NewError(payflow.CodeUnsupportedClientConfirm,
					"provider does not support client-side confirmation")
				m.emitErrorLocked(m.ctx.Err)
				return true
			}
			m.ctx.ClientConfirmRetryCount = 0
			m.transitionLocked(StateClientConfirming)
			return true
		}
		m.transitionLocked(StateConfirming)
		return true

	case EventCancel:
		if !m.cancellableLocked() || m.ctx.activeReference() == "" {
			return false
		}
		m.emitEventLocked(ev)
		m.transitionLocked(StateCancelling)
		return true

	case EventRefresh:
		if m.state != StateRequiresAction && m.state != StatePolling {
			return false
		}
		m.emitEventLocked(ev)
		m.ctx.StatusRetryCount = 0
		m.transitionLocked(StateFetchingStatus)
		return true

	case EventRedirectReturned:
		if m.state != StateRequiresAction && m.state != StatePolling {
			return false
		}
		if !m.correlatesLocked(ev.ReferenceID) {
			return false
		}
		flow := m.ctx.Flow
		if ev.ReturnNonce != "" && flow != nil && flow.LastReturnNonce == ev.ReturnNonce {
			m.logger.Debug("duplicate redirect return ignored, nonce %s", ev.ReturnNonce)
			return false
		}
		m.emitEventLocked(ev)
		if flow != nil {
			flow.LastReturnNonce = ev.ReturnNonce
			flow.LastReturnReferenceID = ev.ReferenceID
			flow.LastReturnAt = m.now()
			flow.ReturnParamsSanitized = flowctx.SanitizeReturnParams(ev.Params)
		}
		m.ctx.StatusRetryCount = 0
		m.transitionLocked(StateReconciling)
		return true

	case EventWebhookReceived, EventExternalStatusUpdated:
		if m.state != StateRequiresAction && m.state != StatePolling {
			return false
		}
		if !m.correlatesLocked(ev.ReferenceID) {
			return false
		}
		flow := m.ctx.Flow
		if ev.EventID != "" && flow != nil && flow.LastExternalEventID == ev.EventID {
			m.logger.Debug("duplicate external event ignored, id %s", ev.EventID)
			return false
		}
		m.emitEventLocked(ev)
		if flow != nil && ev.EventID != "" {
			flow.LastExternalEventID = ev.EventID
		}
		m.ctx.StatusRetryCount = 0
		m.transitionLocked(StateReconciling)
		return true

	case EventFallbackExecute:
		if m.state != StatePendingManualReview || m.ctx.request == nil {
			return false
		}
		if m.registry != nil {
			if _, ok := m.registry.Lookup(ev.ProviderID); !ok {
				return false
			}
		}
		m.emitEventLocked(ev)
		req := *m.ctx.request
		req.ProviderID = ev.ProviderID
		req.IdempotencyKey = ""
		m.ctx.request = &req
		m.ctx.ProviderID = ev.ProviderID
		m.ctx.Intent = nil
		m.ctx.IntentID = ""
		m.ctx.Err = nil
		m.ctx.wasAutoRetry = false
		if m.ctx.Flow != nil {
			m.ctx.Flow.ProviderID = ev.ProviderID
		}
		m.transitionLocked(StateStarting)
		return true

	case EventFallbackCancelled:
		if m.state != StatePendingManualReview {
			return false
		}
		m.emitEventLocked(ev)
		if m.ctx.Err == nil {
			m.ctx.Err = payflow.NewError(payflow.CodeFallbackHandled, "fallback declined by user")
		}
		m.transitionLocked(StateFailed)
		return true
	}
	return false
}

// correlatesLocked checks an inbound reference against the flow's active
// intent reference. A mismatch is recorded and rejected so a signal for
// another attempt can never mutate this one.
func (m *Machine) correlatesLocked(referenceID string) bool {
	active := m.ctx.activeReference()
	if referenceID == "" || active == "" || referenceID == active {
		return true
	}
	err := payflow.NewError(payflow.CodeReturnCorrelationMismatch, "external reference does not match the active intent")
	m.logger.Warn("correlation mismatch: got %s, active %s", referenceID, active)
	m.emitErrorLocked(err)
	return false
}

func (m *Machine) cancellableLocked() bool {
	if m.state == StateRequiresAction {
		return true
	}
	return m.state.HasTag(TagPolling) && !m.state.HasTag(TagInvoke)
}

func (m *Machine) clientConfirmSupportedLocked() bool {
	if m.ops.ClientConfirm == nil {
		return false
	}
	if m.registry == nil {
		return true
	}
	capability, ok := m.registry.Lookup(m.ctx.ProviderID)
	return ok && capability.SupportsClientConfirm
}

func (m *Machine) beginFlowLocked(req payflow.PaymentRequest) {
	ctx := newContext()
	ctx.request = &req
	ctx.startedAt = m.now()
	ctx.ProviderID = req.ProviderID
	ctx.Flow = &flowctx.FlowContext{
		FlowID:            uuid.NewString(),
		ProviderID:        req.ProviderID,
		ExternalReference: req.ExternalReference,
		CreatedAt:         m.now(),
		ReturnURL:         req.ReturnURL,
		CancelURL:         req.CancelURL,
		IsTest:            req.IsTest,
	}
	m.ctx = ctx
	if m.fb != nil {
		m.fb.Reset()
	}

	if m.registry != nil {
		capability, ok := m.registry.Lookup(req.ProviderID)
		if !ok {
			m.ctx.Err = payflow.NewError(payflow.CodeMissingProvider, "provider is not registered")
			m.transitionLocked(StateFailed)
			return
		}
		if !capability.SupportsMethod(req.Method) {
			m.ctx.Err = payflow.NewError(payflow.CodeInvalidRequest, "provider does not accept the payment method")
			m.transitionLocked(StateFailed)
			return
		}
	}
	m.transitionLocked(StateStarting)
}

func (m *Machine) resetLocked() {
	m.stopTimerLocked()
	if m.store != nil && m.ctx.Flow != nil {
		m.store.Clear(m.ctx.Flow.FlowID)
	}
	if m.fb != nil {
		m.fb.Reset()
	}
	prev := m.state
	m.ctx = newContext()
	m.state = StateIdle
	m.epoch++
	m.emitStateChangeLocked(prev, StateIdle)
}

// transitionLocked moves the machine to next and runs entry actions,
// following pass-through states until the machine rests.
func (m *Machine) transitionLocked(next State) {
	for {
		prev := m.state
		m.state = next
		m.epoch++
		m.stopTimerLocked()
		m.logger.Debug("state %s -> %s", prev, next)
		m.emitStateChangeLocked(prev, next)

		following, again := m.enterLocked(next)
		if !again {
			return
		}
		next = following
	}
}

// enterLocked runs the entry action for a state. It returns (next, true) for
// pass-through states that immediately route onward.
func (m *Machine) enterLocked(s State) (State, bool) {
	switch s {
	case StateStarting:
		if m.ctx.request == nil {
			m.ctx.Err = payflow.NewError(payflow.CodeInvalidRequest, "no payment request to start")
			return StateFailed, true
		}
		if blocked, next := m.guardLocked("start", StateStarting); blocked {
			return next, true
		}
		m.dispatchStartLocked()
		return "", false

	case StateAfterStart, StateAfterConfirm, StateAfterStatus:
		return m.routeIntentLocked(), true

	case StateConfirming:
		if blocked, next := m.guardLocked("confirm", StateConfirming); blocked {
			return next, true
		}
		m.dispatchConfirmLocked()
		return "", false

	case StateClientConfirming:
		if blocked, next := m.guardLocked("client_confirm", StateClientConfirming); blocked {
			return next, true
		}
		m.dispatchClientConfirmLocked()
		return "", false

	case StateClientConfirmRetry:
		m.scheduleLocked(m.cfg.ClientConfirmRetryDelay)
		return "", false

	case StatePolling:
		m.ctx.PollAttempt++
		if m.ctx.PollAttempt > m.cfg.MaxPollAttempts {
			m.ctx.Err = payflow.NewError(payflow.CodeProcessingTimeout, "poll budget exhausted")
			return StateFailed, true
		}
		m.scheduleLocked(m.cfg.PollingDelay(m.ctx.PollAttempt - 1))
		return "", false

	case StateFetchingStatus, StateReconciling:
		if m.ctx.ProviderID == "" || m.ctx.activeReference() == "" {
			m.ctx.Err = payflow.NewError(payflow.CodeInvalidRequest, "no intent reference to query")
			return StateFailed, true
		}
		if s == StateReconciling {
			return StateReconcilingInvoke, true
		}
		return StateFetchingStatusInvoke, true

	case StateFetchingStatusInvoke, StateReconcilingInvoke:
		if blocked, next := m.guardLocked("status", s); blocked {
			return next, true
		}
		m.dispatchStatusLocked()
		return "", false

	case StateStatusRetrying, StateReconcilingRetrying:
		m.scheduleLocked(m.cfg.StatusRetryBackoff(m.ctx.StatusRetryCount - 1))
		return "", false

	case StateFinalizing:
		if m.ops.Finalize == nil {
			return StateDone, true
		}
		if m.ctx.alreadyFinalized(m.ctx.ProviderID, m.ctx.IntentID) {
			return StateDone, true
		}
		if blocked, next := m.guardLocked("finalize", StateFinalizing); blocked {
			return next, true
		}
		// Mark before dispatch: the finalize effect fires at most once per
		// {provider, intent} even if its settlement is lost.
		m.ctx.markFinalized(m.ctx.ProviderID, m.ctx.IntentID)
		m.dispatchFinalizeLocked()
		return "", false

	case StateCancelling:
		if blocked, next := m.guardLocked("cancel", StateCancelling); blocked {
			return next, true
		}
		m.dispatchCancelLocked()
		return "", false

	case StateCircuitOpen:
		wait := m.cfg.CircuitCooldown
		if m.breaker != nil {
			if after := m.breaker.RetryAfter(m.endpointLocked(m.guardedOpLocked())); after > 0 {
				wait = after
			}
		}
		m.ctx.CircuitOpenUntil = m.now().Add(wait)
		m.scheduleLocked(wait)
		return "", false

	case StateCircuitHalfOpen:
		m.ctx.Err = nil
		resume := m.ctx.resumeState
		m.ctx.resumeState = ""
		if resume != "" {
			return resume, true
		}
		return StateIdle, true

	case StateRateLimited:
		wait := m.ctx.RateLimitedUntil.Sub(m.now())
		if wait <= 0 {
			wait = m.cfg.RateLimitCooldown
		}
		m.scheduleLocked(wait)
		return "", false

	case StateDone:
		if m.fb != nil {
			m.fb.CompleteAttempt(true)
		}
		return "", false

	case StateFailed:
		if m.fb != nil {
			m.fb.CompleteAttempt(false)
		}
		if m.ctx.Err != nil {
			m.emitErrorLocked(m.ctx.Err)
		}
		return "", false
	}
	return "", false
}

// guardedOpLocked maps the resume state captured by a guard block back to the
// provider operation name, for retry-after lookups.
func (m *Machine) guardedOpLocked() string {
	switch m.ctx.resumeState {
	case StateConfirming:
		return "confirm"
	case StateClientConfirming:
		return "client_confirm"
	case StateFetchingStatusInvoke, StateReconcilingInvoke:
		return "status"
	case StateFinalizing:
		return "finalize"
	case StateCancelling:
		return "cancel"
	}
	return "start"
}

// routeIntentLocked routes after a provider call settled with a fresh intent.
func (m *Machine) routeIntentLocked() State {
	intent := m.ctx.Intent
	if intent == nil {
		m.ctx.Err = payflow.NewError(payflow.CodeProviderError, "provider returned no intent")
		return StateFailed
	}
	switch intent.Status {
	case payflow.StatusRequiresAction, payflow.StatusRequiresConfirmation:
		if intent.NextAction != nil {
			return StateRequiresAction
		}
	case payflow.StatusSucceeded:
		if m.shouldFinalizeLocked() {
			return StateFinalizing
		}
		return StateDone
	case payflow.StatusCanceled:
		return StateDone
	case payflow.StatusFailed:
		if m.ctx.Err == nil {
			m.ctx.Err = payflow.NewError(payflow.CodeProviderError, "payment failed at provider")
		}
		return StateFailed
	}
	if !m.ctx.startedAt.IsZero() && m.now().Sub(m.ctx.startedAt) > m.cfg.ProcessingTimeout {
		m.ctx.Err = payflow.NewError(payflow.CodeProcessingTimeout, "intent did not settle in time")
		return StateFailed
	}
	return StatePolling
}

func (m *Machine) shouldFinalizeLocked() bool {
	if m.ops.Finalize == nil || m.ctx.IntentID == "" {
		return false
	}
	if m.ctx.alreadyFinalized(m.ctx.ProviderID, m.ctx.IntentID) {
		return false
	}
	if m.registry != nil {
		capability, ok := m.registry.Lookup(m.ctx.ProviderID)
		if !ok || !capability.SupportsFinalize {
			return false
		}
	}
	return true
}

// guardLocked applies the pre-dispatch resilience chain for one provider
// operation. Circuit-open outranks rate-limited: a blocked circuit consumes
// no rate-limit budget.
func (m *Machine) guardLocked(op string, resume State) (bool, State) {
	endpoint := m.endpointLocked(op)
	if m.breaker != nil && !m.breaker.Allow(endpoint) {
		m.ctx.resumeState = resume
		m.ctx.Err = payflow.WrapError(resilience.ErrCircuitOpen,
			payflow.CodeProviderUnavailable, "circuit open for "+endpoint)
		m.emitResilienceLocked("circuit_open", endpoint, m.breaker.RetryAfter(endpoint))
		return true, StateCircuitOpen
	}
	if m.limiter != nil {
		if retryAfter, err := m.limiter.RecordRequest(endpoint); err != nil {
			m.ctx.resumeState = resume
			m.ctx.Err = payflow.WrapError(err,
				payflow.CodeProviderUnavailable, "rate limited on "+endpoint)
			if retryAfter <= 0 {
				retryAfter = m.cfg.RateLimitCooldown
			}
			m.ctx.RateLimitedUntil = m.now().Add(retryAfter)
			m.emitResilienceLocked("rate_limited", endpoint, retryAfter)
			return true, StateRateLimited
		}
	}
	return false, ""
}

func (m *Machine) endpointLocked(op string) string {
	return m.ctx.ProviderID + ":" + op
}

func (m *Machine) recordOutcomeLocked(op string, err error) {
	if m.breaker == nil {
		return
	}
	endpoint := m.endpointLocked(op)
	if err != nil {
		m.breaker.RecordFailure(endpoint)
		return
	}
	m.breaker.RecordSuccess(endpoint)
}

// dispatchLocked runs one provider call off the actor goroutine and settles
// it back through post. The captured epoch invalidates the settlement if the
// machine transitions away first.
func (m *Machine) dispatchLocked(op string, call func(ctx context.Context) (*payflow.PaymentIntent, error)) {
	epoch := m.epoch
	m.emitLocked(telemetry.KindEffectStart, map[string]any{"op": op})
	go func() {
		intent, err := call(context.Background())
		if err != nil {
			err = payflow.Normalize(err)
		}
		m.post(Event{Type: evInvokeSettled, epoch: epoch, op: op, intent: intent, err: err})
	}()
}

func (m *Machine) dispatchStartLocked() {
	if m.ctx.request.IdempotencyKey == "" {
		// Derived once per logical attempt from the payload fingerprint: a
		// circuit half-open replay carries the same key, so the provider sees
		// one attempt rather than a duplicate live effect.
		base := *m.ctx.request
		m.ctx.request.IdempotencyKey = payflow.IdempotencyKey(
			base.ProviderID, "start", payflow.RequestHash(base))
	}
	req := *m.ctx.request
	provider := req.ProviderID
	var flowRefs map[string]string
	if m.ctx.Flow != nil {
		flowRefs = m.ctx.Flow.RefsFor(provider)
	}
	m.dispatchLocked("start", func(ctx context.Context) (*payflow.PaymentIntent, error) {
		return m.ops.Start(ctx, provider, req, flowRefs)
	})
}

func (m *Machine) dispatchConfirmLocked() {
	provider := m.ctx.ProviderID
	req := payflow.ConfirmRequest{
		IntentID:       m.ctx.IntentID,
		IdempotencyKey: payflow.IdempotencyKey(provider, "confirm", m.ctx.IntentID),
	}
	m.dispatchLocked("confirm", func(ctx context.Context) (*payflow.PaymentIntent, error) {
		return m.ops.Confirm(ctx, provider, req)
	})
}

func (m *Machine) dispatchClientConfirmLocked() {
	req := payflow.ClientConfirmRequest{
		ProviderID:     m.ctx.ProviderID,
		IntentID:       m.ctx.IntentID,
		IdempotencyKey: payflow.IdempotencyKey(m.ctx.ProviderID, "client_confirm", m.ctx.IntentID),
	}
	if m.ctx.Intent != nil && m.ctx.Intent.NextAction != nil {
		req.ClientToken = m.ctx.Intent.NextAction.ClientToken
	}
	m.dispatchLocked("client_confirm", func(ctx context.Context) (*payflow.PaymentIntent, error) {
		return m.ops.ClientConfirm(ctx, req)
	})
}

func (m *Machine) dispatchStatusLocked() {
	provider := m.ctx.ProviderID
	ref := m.ctx.activeReference()
	req := payflow.StatusRequest{
		IntentID:       ref,
		IdempotencyKey: payflow.IdempotencyKey(provider, "status", ref),
	}
	m.dispatchLocked("status", func(ctx context.Context) (*payflow.PaymentIntent, error) {
		return m.ops.GetStatus(ctx, provider, req)
	})
}

func (m *Machine) dispatchFinalizeLocked() {
	req := payflow.FinalizeRequest{
		ProviderID:     m.ctx.ProviderID,
		IntentID:       m.ctx.IntentID,
		IdempotencyKey: payflow.IdempotencyKey(m.ctx.ProviderID, "finalize", m.ctx.IntentID),
	}
	if m.ctx.Flow != nil {
		req.ReferenceID = m.ctx.Flow.ExternalReference
	}
	m.dispatchLocked("finalize", func(ctx context.Context) (*payflow.PaymentIntent, error) {
		return m.ops.Finalize(ctx, req)
	})
}

func (m *Machine) dispatchCancelLocked() {
	provider := m.ctx.ProviderID
	ref := m.ctx.activeReference()
	req := payflow.CancelRequest{
		IntentID:       ref,
		Reason:         "requested_by_customer",
		IdempotencyKey: payflow.IdempotencyKey(provider, "cancel", ref),
	}
	m.dispatchLocked("cancel", func(ctx context.Context) (*payflow.PaymentIntent, error) {
		return m.ops.Cancel(ctx, provider, req)
	})
}

func (m *Machine) handleTimerLocked() {
	switch m.state {
	case StateClientConfirmRetry:
		m.transitionLocked(StateClientConfirming)
	case StatePolling:
		m.transitionLocked(StateFetchingStatus)
	case StateStatusRetrying:
		m.transitionLocked(StateFetchingStatus)
	case StateReconcilingRetrying:
		m.transitionLocked(StateReconciling)
	case StateCircuitOpen:
		m.transitionLocked(StateCircuitHalfOpen)
	case StateRateLimited:
		m.ctx.Err = nil
		resume := m.ctx.resumeState
		m.ctx.resumeState = ""
		if resume != "" {
			m.transitionLocked(resume)
			return
		}
		m.transitionLocked(StateIdle)
	}
}

func (m *Machine) handleSettlementLocked(ev Event) {
	m.emitLocked(telemetry.KindEffectFinish, map[string]any{"op": ev.op, "ok": ev.err == nil})
	m.recordOutcomeLocked(ev.op, ev.err)

	switch m.state {
	case StateStarting:
		m.settleStartLocked(ev)
	case StateConfirming:
		m.settleConfirmLocked(ev)
	case StateClientConfirming:
		m.settleClientConfirmLocked(ev)
	case StateFetchingStatusInvoke:
		m.settleStatusLocked(ev, StateStatusRetrying)
	case StateReconcilingInvoke:
		m.settleStatusLocked(ev, StateReconcilingRetrying)
	case StateFinalizing:
		m.settleFinalizeLocked(ev)
	case StateCancelling:
		m.settleCancelLocked(ev)
	}
}

func (m *Machine) settleStartLocked(ev Event) {
	if ev.err == nil {
		m.adoptIntentLocked(ev.intent)
		m.transitionLocked(StateAfterStart)
		return
	}
	m.ctx.Err = ev.err

	endpoint := m.endpointLocked("start")
	if m.breaker != nil && m.breaker.Info(endpoint).State == resilience.CircuitOpen {
		m.ctx.resumeState = StateStarting
		m.emitResilienceLocked("circuit_open", endpoint, m.breaker.RetryAfter(endpoint))
		m.transitionLocked(StateCircuitOpen)
		return
	}

	if m.fb != nil && m.ctx.request != nil {
		decision := m.fb.ReportFailure(m.ctx.ProviderID, ev.err, *m.ctx.request, m.ctx.wasAutoRetry)
		switch {
		case decision.AutoProvider != "":
			req := *m.ctx.request
			req.ProviderID = decision.AutoProvider
			req.IdempotencyKey = ""
			m.ctx.request = &req
			m.ctx.ProviderID = decision.AutoProvider
			m.ctx.Err = nil
			m.ctx.wasAutoRetry = true
			if m.ctx.Flow != nil {
				m.ctx.Flow.ProviderID = decision.AutoProvider
			}
			m.logger.Info("auto fallback to provider %s", decision.AutoProvider)
			m.transitionLocked(StateStarting)
			return
		case decision.Pending != nil:
			m.transitionLocked(StatePendingManualReview)
			return
		case decision.NoCandidates:
			m.transitionLocked(StateAllProvidersDown)
			return
		}
	}
	m.transitionLocked(StateFailed)
}

func (m *Machine) settleConfirmLocked(ev Event) {
	if ev.err == nil {
		m.adoptIntentLocked(ev.intent)
		m.transitionLocked(StateAfterConfirm)
		return
	}
	m.ctx.Err = ev.err
	m.transitionLocked(StateFailed)
}

func (m *Machine) settleClientConfirmLocked(ev Event) {
	if ev.err == nil {
		m.adoptIntentLocked(ev.intent)
		m.ctx.StatusRetryCount = 0
		m.transitionLocked(StateReconciling)
		return
	}
	code := payflow.CodeOf(ev.err)
	if payflow.IsRetryable(code) && m.ctx.ClientConfirmRetryCount < m.cfg.MaxClientConfirmRetries {
		m.ctx.ClientConfirmRetryCount++
		m.transitionLocked(StateClientConfirmRetry)
		return
	}
	// Retries exhausted: surface the error and hand control back to the
	// user, the pending action is still live provider-side.
	m.ctx.Err = ev.err
	m.emitErrorLocked(ev.err)
	m.transitionLocked(StateRequiresAction)
}

func (m *Machine) settleStatusLocked(ev Event, retry State) {
	if ev.err == nil {
		m.adoptIntentLocked(ev.intent)
		m.ctx.StatusRetryCount = 0
		m.transitionLocked(StateAfterStatus)
		return
	}
	if m.ctx.StatusRetryCount < m.cfg.MaxStatusRetries {
		m.ctx.StatusRetryCount++
		m.transitionLocked(retry)
		return
	}
	m.ctx.Err = ev.err
	m.transitionLocked(StateFailed)
}

func (m *Machine) settleFinalizeLocked(ev Event) {
	if ev.err == nil {
		if ev.intent != nil {
			m.adoptIntentLocked(ev.intent)
		}
		m.transitionLocked(StateDone)
		return
	}
	// The finalize watermark stays set: the dispatch happened, a second
	// attempt could double-settle.
	m.ctx.Err = ev.err
	m.transitionLocked(StateFailed)
}

func (m *Machine) settleCancelLocked(ev Event) {
	if ev.err == nil {
		if ev.intent != nil {
			m.adoptIntentLocked(ev.intent)
		}
		m.transitionLocked(StateDone)
		return
	}
	m.ctx.Err = ev.err
	m.transitionLocked(StateFailed)
}

// adoptIntentLocked installs a fresh provider intent and folds its references
// into the flow context. Existing populated refs are never overwritten.
func (m *Machine) adoptIntentLocked(intent *payflow.PaymentIntent) {
	if intent == nil {
		return
	}
	m.ctx.Intent = intent
	if intent.ID != "" {
		m.ctx.IntentID = intent.ID
	}
	if intent.ProviderID != "" {
		m.ctx.ProviderID = intent.ProviderID
	}
	if m.ctx.Flow == nil {
		return
	}
	refs := map[string]string{"intent_id": m.ctx.IntentID}
	for k, v := range intent.Refs {
		refs[k] = v
	}
	m.ctx.Flow.MergeRefsFor(m.ctx.ProviderID, refs)
}

// settleLocked persists the flow context and publishes a snapshot after every
// processed event. Terminal states clear the persisted record.
func (m *Machine) settleLocked() {
	if m.store != nil && m.ctx.Flow != nil {
		if m.state.Terminal() {
			m.store.Clear(m.ctx.Flow.FlowID)
		} else if err := m.store.Save(m.ctx.Flow); err != nil {
			m.logger.Warn("flow context save failed: %v", err)
		}
	}
	snap := m.snapshotLocked()
	for _, ch := range m.observers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Machine) scheduleLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	epoch := m.epoch
	m.timer = time.AfterFunc(d, func() {
		m.post(Event{Type: evTimerFired, epoch: epoch})
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) emitEventLocked(ev Event) {
	kind := telemetry.KindSystemEventSent
	if ev.Type.Command() {
		kind = telemetry.KindCommandSent
	}
	meta := map[string]any{"event": string(ev.Type)}
	if ev.EventID != "" {
		meta["event_id"] = ev.EventID
	}
	m.emitLocked(kind, meta)
}

func (m *Machine) emitStateChangeLocked(from, to State) {
	m.emitLocked(telemetry.KindStateChanged, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (m *Machine) emitResilienceLocked(reason, endpoint string, retryAfter time.Duration) {
	m.emitLocked(telemetry.KindResilienceEvent, map[string]any{
		"reason":         reason,
		"endpoint":       endpoint,
		"retry_after_ms": retryAfter.Milliseconds(),
	})
}

func (m *Machine) emitErrorLocked(err error) {
	m.emitLocked(telemetry.KindErrorRaised, map[string]any{
		"code":    payflow.CodeOf(err),
		"message": err.Error(),
	})
}

func (m *Machine) emitLocked(kind telemetry.Kind, meta map[string]any) {
	env := telemetry.Envelope{
		Kind:       kind,
		ProviderID: m.ctx.ProviderID,
		Meta:       meta,
	}
	if m.ctx.Flow != nil {
		env.FlowID = m.ctx.Flow.FlowID
	}
	telemetry.Emit(m.sink, env)
}
