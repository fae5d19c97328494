package machine

import (
	"math"
	"time"
)

// Config tunes machine timing and retry budgets.
type Config struct {
	PollBaseDelay   time.Duration `json:"poll_base_delay" yaml:"poll_base_delay"`
	PollMaxDelay    time.Duration `json:"poll_max_delay" yaml:"poll_max_delay"`
	MaxPollAttempts int           `json:"max_poll_attempts" yaml:"max_poll_attempts"`

	MaxStatusRetries int           `json:"max_status_retries" yaml:"max_status_retries"`
	StatusRetryDelay time.Duration `json:"status_retry_delay" yaml:"status_retry_delay"`

	MaxClientConfirmRetries int           `json:"max_client_confirm_retries" yaml:"max_client_confirm_retries"`
	ClientConfirmRetryDelay time.Duration `json:"client_confirm_retry_delay" yaml:"client_confirm_retry_delay"`

	// ProcessingTimeout bounds how long after START an intent may sit in a
	// non-final state before the flow fails with processing_timeout.
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout"`

	CircuitCooldown   time.Duration `json:"circuit_cooldown" yaml:"circuit_cooldown"`
	RateLimitCooldown time.Duration `json:"rate_limit_cooldown" yaml:"rate_limit_cooldown"`
}

// WithDefaults fills unset fields with production defaults.
func (c Config) WithDefaults() Config {
	if c.PollBaseDelay <= 0 {
		c.PollBaseDelay = 500 * time.Millisecond
	}
	if c.PollMaxDelay <= 0 {
		c.PollMaxDelay = 8 * time.Second
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 12
	}
	if c.MaxStatusRetries <= 0 {
		c.MaxStatusRetries = 3
	}
	if c.StatusRetryDelay <= 0 {
		c.StatusRetryDelay = 250 * time.Millisecond
	}
	if c.MaxClientConfirmRetries <= 0 {
		c.MaxClientConfirmRetries = 2
	}
	if c.ClientConfirmRetryDelay <= 0 {
		c.ClientConfirmRetryDelay = 500 * time.Millisecond
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 2 * time.Minute
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 15 * time.Second
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 5 * time.Second
	}
	return c
}

// PollingDelay returns the exponential backoff delay for a poll attempt:
// base * 2^attempt, capped at PollMaxDelay. Non-decreasing in attempt.
func (c Config) PollingDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.PollBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.PollMaxDelay) {
		return c.PollMaxDelay
	}
	return time.Duration(delay)
}

// StatusRetryBackoff returns the delay before the given status retry.
func (c Config) StatusRetryBackoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := float64(c.StatusRetryDelay) * math.Pow(2, float64(retry))
	if delay > float64(c.PollMaxDelay) {
		return c.PollMaxDelay
	}
	return time.Duration(delay)
}
