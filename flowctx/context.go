// Package flowctx persists cross-session correlation data for a payment
// flow: provider references, redirect/webhook dedupe watermarks, and the
// allow-listed return parameters a browser round-trip may carry back.
// Secrets never enter this package; persistence is allow-listed by
// construction.
package flowctx

import (
	"strings"
	"time"
)

// FlowContext is the durable correlation record for one flow. It is
// exclusively owned by the flow state machine; the store only persists and
// rehydrates it.
type FlowContext struct {
	FlowID            string
	ProviderID        string
	ExternalReference string

	// ProviderRefs maps provider id to provider-assigned reference strings
	// (intent id, order id). It accumulates over the flow's life and is
	// never overwritten with empty values, see MergeRefs.
	ProviderRefs map[string]map[string]string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Dedupe watermarks. These carry no business meaning beyond "seen".
	LastExternalEventID   string
	LastReturnNonce       string
	LastReturnReferenceID string
	LastReturnAt          time.Time

	ReturnURL             string
	CancelURL             string
	IsTest                bool
	ReturnParamsSanitized map[string]string
}

// Clone returns a deep copy of the context.
func (f *FlowContext) Clone() *FlowContext {
	if f == nil {
		return nil
	}
	cp := *f
	if len(f.ProviderRefs) > 0 {
		cp.ProviderRefs = make(map[string]map[string]string, len(f.ProviderRefs))
		for provider, refs := range f.ProviderRefs {
			cp.ProviderRefs[provider] = cloneRefs(refs)
		}
	}
	if len(f.ReturnParamsSanitized) > 0 {
		cp.ReturnParamsSanitized = cloneRefs(f.ReturnParamsSanitized)
	}
	return &cp
}

// RefsFor returns the accumulated reference map for a provider.
func (f *FlowContext) RefsFor(providerID string) map[string]string {
	if f == nil {
		return nil
	}
	return f.ProviderRefs[strings.TrimSpace(providerID)]
}

// MergeRefsFor merges incoming references for a provider into the context.
func (f *FlowContext) MergeRefsFor(providerID string, incoming map[string]string) {
	providerID = strings.TrimSpace(providerID)
	if f == nil || providerID == "" || len(incoming) == 0 {
		return
	}
	if f.ProviderRefs == nil {
		f.ProviderRefs = make(map[string]map[string]string)
	}
	f.ProviderRefs[providerID] = MergeRefs(f.ProviderRefs[providerID], incoming)
}

// Expired reports whether the context TTL has elapsed at the given time.
func (f *FlowContext) Expired(now time.Time) bool {
	if f == nil || f.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(f.ExpiresAt)
}

// MergeRefs merges reference maps keeping existing defined values: an
// incoming value only fills keys that are currently empty. A populated field
// is never overwritten with an incoming empty value.
func MergeRefs(existing, incoming map[string]string) map[string]string {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if current, ok := out[k]; ok && strings.TrimSpace(current) != "" {
			continue
		}
		out[k] = v
	}
	return out
}

// returnParamAllowList is the closed set of query parameters a redirect
// return is allowed to persist. Everything else, confirmation tokens and
// client secrets included, is dropped.
var returnParamAllowList = map[string]struct{}{
	"status":       {},
	"reference":    {},
	"reference_id": {},
	"order_id":     {},
	"provider":     {},
	"session_id":   {},
	"nonce":        {},
	"result":       {},
}

// SanitizeReturnParams filters params down to the persistence allow-list.
func SanitizeReturnParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := returnParamAllowList[key]; !ok {
			continue
		}
		out[key] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneRefs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
