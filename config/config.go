// Package config loads the engine configuration: provider capabilities,
// machine timing, resilience policy, fallback policy, and context store
// settings. Files may be YAML or JSON; yaml.v3 handles both.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	payflow "github.com/goliatone/go-payment-flow"
	"github.com/goliatone/go-payment-flow/fallback"
	"github.com/goliatone/go-payment-flow/machine"
	"github.com/goliatone/go-payment-flow/resilience"
)

// Duration wraps time.Duration so YAML/JSON may carry either a Go duration
// string ("250ms") or an integer nanosecond count.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		d.Duration = parsed
	case int:
		d.Duration = time.Duration(v)
	case int64:
		d.Duration = time.Duration(v)
	case float64:
		d.Duration = time.Duration(v)
	default:
		return fmt.Errorf("duration must be a string or integer, got %T", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Provider declares one registered payment provider.
type Provider struct {
	ID                    string   `json:"id" yaml:"id"`
	Methods               []string `json:"methods" yaml:"methods"`
	SupportsClientConfirm bool     `json:"supports_client_confirm" yaml:"supports_client_confirm"`
	SupportsFinalize      bool     `json:"supports_finalize" yaml:"supports_finalize"`
}

// Machine mirrors machine.Config with parseable durations.
type Machine struct {
	PollBaseDelay           Duration `json:"poll_base_delay" yaml:"poll_base_delay"`
	PollMaxDelay            Duration `json:"poll_max_delay" yaml:"poll_max_delay"`
	MaxPollAttempts         int      `json:"max_poll_attempts" yaml:"max_poll_attempts"`
	MaxStatusRetries        int      `json:"max_status_retries" yaml:"max_status_retries"`
	StatusRetryDelay        Duration `json:"status_retry_delay" yaml:"status_retry_delay"`
	MaxClientConfirmRetries int      `json:"max_client_confirm_retries" yaml:"max_client_confirm_retries"`
	ClientConfirmRetryDelay Duration `json:"client_confirm_retry_delay" yaml:"client_confirm_retry_delay"`
	ProcessingTimeout       Duration `json:"processing_timeout" yaml:"processing_timeout"`
	CircuitCooldown         Duration `json:"circuit_cooldown" yaml:"circuit_cooldown"`
	RateLimitCooldown       Duration `json:"rate_limit_cooldown" yaml:"rate_limit_cooldown"`
}

// ToMachineConfig converts to the machine package config. Zero fields pick up
// machine defaults.
func (m Machine) ToMachineConfig() machine.Config {
	return machine.Config{
		PollBaseDelay:           m.PollBaseDelay.Duration,
		PollMaxDelay:            m.PollMaxDelay.Duration,
		MaxPollAttempts:         m.MaxPollAttempts,
		MaxStatusRetries:        m.MaxStatusRetries,
		StatusRetryDelay:        m.StatusRetryDelay.Duration,
		MaxClientConfirmRetries: m.MaxClientConfirmRetries,
		ClientConfirmRetryDelay: m.ClientConfirmRetryDelay.Duration,
		ProcessingTimeout:       m.ProcessingTimeout.Duration,
		CircuitCooldown:         m.CircuitCooldown.Duration,
		RateLimitCooldown:       m.RateLimitCooldown.Duration,
	}.WithDefaults()
}

// Circuit mirrors resilience.CircuitBreakerConfig.
type Circuit struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    Duration `json:"failure_window" yaml:"failure_window"`
	ResetTimeout     Duration `json:"reset_timeout" yaml:"reset_timeout"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
}

// ToBreakerConfig converts to the resilience package config.
func (c Circuit) ToBreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		FailureWindow:    c.FailureWindow.Duration,
		ResetTimeout:     c.ResetTimeout.Duration,
		SuccessThreshold: c.SuccessThreshold,
	}
}

// RateLimit mirrors resilience.RateLimiterConfig.
type RateLimit struct {
	Limit       int      `json:"limit" yaml:"limit"`
	Window      Duration `json:"window" yaml:"window"`
	PerEndpoint bool     `json:"per_endpoint" yaml:"per_endpoint"`
}

// ToLimiterConfig converts to the resilience package config.
func (r RateLimit) ToLimiterConfig() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{
		Limit:       r.Limit,
		Window:      r.Window.Duration,
		PerEndpoint: r.PerEndpoint,
	}
}

// Fallback mirrors fallback.Config.
type Fallback struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Mode            string   `json:"mode" yaml:"mode"`
	TriggerCodes    []string `json:"trigger_codes" yaml:"trigger_codes"`
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	MaxAutoAttempts int      `json:"max_auto_attempts" yaml:"max_auto_attempts"`
	Priority        []string `json:"priority" yaml:"priority"`
	ResponseTimeout Duration `json:"response_timeout" yaml:"response_timeout"`
}

// ToFallbackConfig converts to the fallback package config.
func (f Fallback) ToFallbackConfig() fallback.Config {
	return fallback.Config{
		Enabled:         f.Enabled,
		Mode:            fallback.Mode(f.Mode),
		TriggerCodes:    f.TriggerCodes,
		MaxAttempts:     f.MaxAttempts,
		MaxAutoAttempts: f.MaxAutoAttempts,
		Priority:        f.Priority,
		ResponseTimeout: f.ResponseTimeout.Duration,
	}
}

// Store configures flow context persistence.
type Store struct {
	TTL           Duration `json:"ttl" yaml:"ttl"`
	SweepSchedule string   `json:"sweep_schedule" yaml:"sweep_schedule"`
}

// Config is the full engine configuration document.
type Config struct {
	Providers []Provider `json:"providers" yaml:"providers"`
	Machine   Machine    `json:"machine" yaml:"machine"`
	Circuit   Circuit    `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit RateLimit  `json:"rate_limiter" yaml:"rate_limiter"`
	Fallback  Fallback   `json:"fallback" yaml:"fallback"`
	Store     Store      `json:"store" yaml:"store"`
}

var validMethods = map[string]payflow.PaymentMethod{
	string(payflow.MethodCard):         payflow.MethodCard,
	string(payflow.MethodWallet):       payflow.MethodWallet,
	string(payflow.MethodBankTransfer): payflow.MethodBankTransfer,
	string(payflow.MethodDirectDebit):  payflow.MethodDirectDebit,
}

// Validate checks structural invariants the loaders depend on.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return payflow.NewError(payflow.CodeInvalidRequest, "config requires at least one provider")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return payflow.NewError(payflow.CodeInvalidRequest, "provider id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return payflow.NewError(payflow.CodeInvalidRequest, fmt.Sprintf("duplicate provider id %q", id))
		}
		seen[id] = struct{}{}
		if len(p.Methods) == 0 {
			return payflow.NewError(payflow.CodeInvalidRequest, fmt.Sprintf("provider %q declares no payment methods", id))
		}
		for _, method := range p.Methods {
			if _, ok := validMethods[strings.TrimSpace(method)]; !ok {
				return payflow.NewError(payflow.CodeInvalidRequest, fmt.Sprintf("provider %q has unknown method %q", id, method))
			}
		}
	}
	switch fallback.Mode(c.Fallback.Mode) {
	case "", fallback.ModeManual, fallback.ModeAuto:
	default:
		return payflow.NewError(payflow.CodeInvalidRequest, fmt.Sprintf("unknown fallback mode %q", c.Fallback.Mode))
	}
	for _, id := range c.Fallback.Priority {
		if _, ok := seen[strings.TrimSpace(id)]; !ok {
			return payflow.NewError(payflow.CodeInvalidRequest, fmt.Sprintf("fallback priority names unregistered provider %q", id))
		}
	}
	return nil
}

// Registry builds the provider registry declared by the config.
func (c Config) Registry() *payflow.ProviderRegistry {
	caps := make([]payflow.ProviderCapabilities, 0, len(c.Providers))
	for _, p := range c.Providers {
		methods := make([]payflow.PaymentMethod, 0, len(p.Methods))
		for _, method := range p.Methods {
			if m, ok := validMethods[strings.TrimSpace(method)]; ok {
				methods = append(methods, m)
			}
		}
		caps = append(caps, payflow.ProviderCapabilities{
			ID:                    p.ID,
			Methods:               methods,
			SupportsClientConfirm: p.SupportsClientConfirm,
			SupportsFinalize:      p.SupportsFinalize,
		})
	}
	return payflow.NewProviderRegistry(caps)
}

// Parse decodes a YAML or JSON config document and validates it.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, payflow.WrapError(err, payflow.CodeInvalidRequest, "parse config")
	}
	return cfg, cfg.Validate()
}

// Load reads and parses a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, payflow.WrapError(err, payflow.CodeInvalidRequest, "read config file")
	}
	return Parse(data)
}
