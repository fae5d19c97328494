package machine

import (
	"time"

	payflow "github.com/goliatone/go-payment-flow"
	"github.com/goliatone/go-payment-flow/flowctx"
)

// Context is the in-memory per-attempt machine state. Exactly one Context is
// live per flow id; all mutation happens inside the actor loop.
type Context struct {
	ProviderID string
	IntentID   string
	Intent     *payflow.PaymentIntent
	Err        error

	Flow *flowctx.FlowContext

	// retry counters
	PollAttempt             int
	StatusRetryCount        int
	ClientConfirmRetryCount int

	// resilience markers
	CircuitOpenUntil time.Time
	RateLimitedUntil time.Time

	request      *payflow.PaymentRequest
	resumeState  State
	startedAt    time.Time
	finalized    map[string]struct{}
	wasAutoRetry bool
}

func newContext() *Context {
	return &Context{finalized: make(map[string]struct{})}
}

// finalizeKey is the at-most-once watermark key for a finalize dispatch.
func finalizeKey(providerID, intentID string) string {
	return providerID + "::" + intentID
}

func (c *Context) markFinalized(providerID, intentID string) {
	if c.finalized == nil {
		c.finalized = make(map[string]struct{})
	}
	c.finalized[finalizeKey(providerID, intentID)] = struct{}{}
}

func (c *Context) alreadyFinalized(providerID, intentID string) bool {
	_, ok := c.finalized[finalizeKey(providerID, intentID)]
	return ok
}

// activeReference resolves the intent reference used to correlate external
// events: the flow context's provider-ref map first, then the in-memory
// intent id.
func (c *Context) activeReference() string {
	if c.Flow != nil {
		if refs := c.Flow.RefsFor(c.ProviderID); refs != nil {
			if id := refs["intent_id"]; id != "" {
				return id
			}
		}
	}
	return c.IntentID
}

// Snapshot is the published view of the machine after a settled transition.
type Snapshot struct {
	State      State
	ProviderID string
	IntentID   string
	Intent     *payflow.PaymentIntent
	Err        error
	FlowID     string
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      m.state,
		ProviderID: m.ctx.ProviderID,
		IntentID:   m.ctx.IntentID,
		Intent:     m.ctx.Intent.Clone(),
		Err:        m.ctx.Err,
	}
	if m.ctx.Flow != nil {
		snap.FlowID = m.ctx.Flow.FlowID
	}
	return snap
}
