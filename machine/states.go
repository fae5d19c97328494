// Package machine implements the payment flow state machine: a single-writer
// actor per checkout attempt that sequences provider operations, reconciles
// out-of-band signals, and applies resilience policy before every dispatch.
package machine

// State is one node of the flow state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateStarting             State = "starting"
	StateAfterStart           State = "afterStart"
	StateRequiresAction       State = "requiresAction"
	StateConfirming           State = "confirming"
	StateAfterConfirm         State = "afterConfirm"
	StateClientConfirming     State = "clientConfirming"
	StateClientConfirmRetry   State = "clientConfirmRetrying"
	StatePolling              State = "polling"
	StateFetchingStatus       State = "fetchingStatus"
	StateFetchingStatusInvoke State = "fetchingStatusInvoke"
	StateStatusRetrying       State = "statusRetrying"
	StateAfterStatus          State = "afterStatus"
	StateReconciling          State = "reconciling"
	StateReconcilingInvoke    State = "reconcilingInvoke"
	StateReconcilingRetrying  State = "reconcilingRetrying"
	StateFinalizing           State = "finalizing"
	StateCancelling           State = "cancelling"
	StateCircuitOpen          State = "circuitOpen"
	StateCircuitHalfOpen      State = "circuitHalfOpen"
	StateRateLimited          State = "rateLimited"
	StatePendingManualReview  State = "pendingManualReview"
	StateAllProvidersDown     State = "allProvidersUnavailable"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// Tag is a capability attached to states, queried via set membership rather
// than any state hierarchy.
type Tag string

const (
	TagLoading    Tag = "loading"
	TagPolling    Tag = "polling"
	TagInvoke     Tag = "invoke"
	TagStable     Tag = "stable"
	TagTerminal   Tag = "terminal"
	TagResilience Tag = "resilience"
)

var stateTags = map[State]map[Tag]struct{}{
	StateIdle:                 tags(TagStable),
	StateStarting:             tags(TagLoading, TagInvoke),
	StateAfterStart:           tags(TagLoading),
	StateRequiresAction:       tags(TagStable),
	StateConfirming:           tags(TagLoading, TagInvoke),
	StateAfterConfirm:         tags(TagLoading),
	StateClientConfirming:     tags(TagLoading, TagInvoke),
	StateClientConfirmRetry:   tags(TagLoading),
	StatePolling:              tags(TagPolling),
	StateFetchingStatus:       tags(TagPolling),
	StateFetchingStatusInvoke: tags(TagPolling, TagInvoke),
	StateStatusRetrying:       tags(TagPolling),
	StateAfterStatus:          tags(TagPolling),
	StateReconciling:          tags(TagLoading),
	StateReconcilingInvoke:    tags(TagLoading, TagInvoke),
	StateReconcilingRetrying:  tags(TagLoading),
	StateFinalizing:           tags(TagLoading, TagInvoke),
	StateCancelling:           tags(TagLoading, TagInvoke),
	StateCircuitOpen:          tags(TagResilience, TagStable),
	StateCircuitHalfOpen:      tags(TagResilience),
	StateRateLimited:          tags(TagResilience, TagStable),
	StatePendingManualReview:  tags(TagResilience, TagStable),
	StateAllProvidersDown:     tags(TagResilience, TagStable),
	StateDone:                 tags(TagTerminal),
	StateFailed:               tags(TagTerminal),
}

func tags(ts ...Tag) map[Tag]struct{} {
	set := make(map[Tag]struct{}, len(ts))
	for _, t := range ts {
		set[t] = struct{}{}
	}
	return set
}

// HasTag reports whether the state carries the capability tag.
func (s State) HasTag(tag Tag) bool {
	set, ok := stateTags[s]
	if !ok {
		return false
	}
	_, ok = set[tag]
	return ok
}

// Terminal reports whether the state ends the flow.
func (s State) Terminal() bool { return s.HasTag(TagTerminal) }

// Loading reports whether the state represents in-flight work.
func (s State) Loading() bool {
	return s.HasTag(TagLoading) || s.HasTag(TagPolling)
}
