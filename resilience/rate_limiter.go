package resilience

import (
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

const ErrCodeRateLimited = "RESILIENCE_RATE_LIMITED"

// ErrRateLimited is returned once the request count reaches the window limit.
var ErrRateLimited = errors.New("rate limited", errors.CategoryExternal).
	WithTextCode(ErrCodeRateLimited)

// globalKey is used when per-endpoint tracking is disabled.
const globalKey = "__global__"

// RateLimitInfo is the tracked window state for one endpoint key.
type RateLimitInfo struct {
	RequestCount int
	WindowStart  time.Time
	LastRequest  time.Time
}

// RateLimiterConfig tunes limiter behavior.
type RateLimiterConfig struct {
	Limit       int           `json:"limit" yaml:"limit"`
	Window      time.Duration `json:"window" yaml:"window"`
	PerEndpoint bool          `json:"per_endpoint" yaml:"per_endpoint"`
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	return c
}

// RateLimiter maintains a fixed-size window per endpoint key. The window
// resets wholesale once it has elapsed since WindowStart, it does not roll.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimiterConfig
	windows map[string]*RateLimitInfo
	now     func() time.Time
	onLimit func(endpoint string, retryAfter time.Duration)
}

// RateLimiterOption customizes limiter construction.
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock injects the time source, primarily for tests.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// WithLimitObserver registers a callback invoked when the limit is reached.
func WithLimitObserver(fn func(endpoint string, retryAfter time.Duration)) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.onLimit = fn
	}
}

// NewRateLimiter constructs a limiter with the given config.
func NewRateLimiter(cfg RateLimiterConfig, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*RateLimitInfo),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rl)
		}
	}
	return rl
}

// CanRequest checks count-under-limit without mutating window state.
func (rl *RateLimiter) CanRequest(endpoint string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, ok := rl.windows[rl.key(endpoint)]
	if !ok {
		return true
	}
	if rl.now().Sub(info.WindowStart) >= rl.cfg.Window {
		return true
	}
	return info.RequestCount < rl.cfg.Limit
}

// RecordRequest counts one request against the window. It returns a non-nil
// retry-after duration once the limit is reached, computed as the time
// remaining in the current window.
func (rl *RateLimiter) RecordRequest(endpoint string) (time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	key := rl.key(endpoint)
	info, ok := rl.windows[key]
	if !ok || now.Sub(info.WindowStart) >= rl.cfg.Window {
		info = &RateLimitInfo{WindowStart: now}
		rl.windows[key] = info
	}
	if info.RequestCount >= rl.cfg.Limit {
		retryAfter := rl.cfg.Window - now.Sub(info.WindowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		if rl.onLimit != nil {
			rl.onLimit(endpoint, retryAfter)
		}
		return retryAfter, ErrRateLimited
	}
	info.RequestCount++
	info.LastRequest = now
	return 0, nil
}

// Info returns a copy of the window state for an endpoint. A fresh window is
// reported for elapsed or unknown endpoints.
func (rl *RateLimiter) Info(endpoint string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	info, ok := rl.windows[rl.key(endpoint)]
	if !ok || rl.now().Sub(info.WindowStart) >= rl.cfg.Window {
		return RateLimitInfo{}
	}
	return *info
}

// Reset clears the window for an endpoint.
func (rl *RateLimiter) Reset(endpoint string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, rl.key(endpoint))
}

func (rl *RateLimiter) key(endpoint string) string {
	if rl.cfg.PerEndpoint {
		return endpoint
	}
	return globalKey
}
