// payflow-sim drives the payment flow engine against a scripted in-process
// provider, printing every state transition and the recorded telemetry
// stream. It exists to exercise full engine assembly from a config file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"

	payflow "github.com/goliatone/go-payment-flow"
	"github.com/goliatone/go-payment-flow/config"
	"github.com/goliatone/go-payment-flow/fallback"
	"github.com/goliatone/go-payment-flow/flowctx"
	"github.com/goliatone/go-payment-flow/machine"
	"github.com/goliatone/go-payment-flow/resilience"
	"github.com/goliatone/go-payment-flow/telemetry"
)

var defaultConfig = `
providers:
  - id: providerA
    methods: [card, wallet]
    supports_client_confirm: true
    supports_finalize: true
  - id: providerB
    methods: [card]
machine:
  poll_base_delay: 200ms
  poll_max_delay: 2s
  max_poll_attempts: 8
fallback:
  enabled: true
  mode: auto
  priority: [providerB]
`

type cli struct {
	Config   string        `help:"Path to an engine config file (YAML or JSON)." type:"path" optional:""`
	Scenario string        `help:"Scripted provider behavior." enum:"happy,redirect,fallback,declined" default:"happy"`
	Provider string        `help:"Provider the flow starts on." default:"providerA"`
	Amount   int64         `help:"Charge amount in minor units." default:"2500"`
	Currency string        `help:"ISO currency code." default:"USD"`
	LogLevel string        `help:"Log verbosity." enum:"trace,debug,info,warn,error" default:"info"`
	Timeout  time.Duration `help:"Give up if the flow has not settled." default:"30s"`
}

func main() {
	var args cli
	ctx := kong.Parse(&args,
		kong.Name("payflow-sim"),
		kong.Description("Run a scripted payment flow through the engine."),
	)
	ctx.FatalIfErrorf(run(args))
}

func run(args cli) error {
	logger := payflow.NewGlogAdapter(glog.NewLogger(
		glog.WithLevel(args.LogLevel),
	))

	cfg, err := loadConfig(args.Config)
	if err != nil {
		return err
	}

	registry := cfg.Registry()
	breaker := resilience.NewCircuitBreaker(cfg.Circuit.ToBreakerConfig())
	limiter := resilience.NewRateLimiter(cfg.RateLimit.ToLimiterConfig())
	fb := fallback.New(cfg.Fallback.ToFallbackConfig(), registry, fallback.WithLogger(logger))

	storeOpts := []flowctx.StoreOption{}
	if ttl := cfg.Store.TTL.Duration; ttl > 0 {
		storeOpts = append(storeOpts, flowctx.WithTTL(ttl))
	}
	store := flowctx.NewStore(flowctx.NewMemoryStorage(), storeOpts...)

	recorder := telemetry.NewRecorder()
	sink := telemetry.Fanout{recorder, telemetry.NewLoggerSink(logger)}

	m, err := machine.New(cfg.Machine.ToMachineConfig(), scriptedOps(args.Scenario), registry,
		machine.WithCircuitBreaker(breaker),
		machine.WithRateLimiter(limiter),
		machine.WithFallback(fb),
		machine.WithStore(store),
		machine.WithTelemetry(sink),
		machine.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer m.Stop()

	snapshots, unsubscribe := m.Subscribe()
	defer unsubscribe()

	accepted := m.Send(machine.StartEvent(payflow.PaymentRequest{
		ProviderID:        args.Provider,
		Method:            payflow.MethodCard,
		AmountMinor:       args.Amount,
		Currency:          args.Currency,
		ExternalReference: fmt.Sprintf("sim-%d", time.Now().Unix()),
	}))
	if !accepted {
		return payflow.NewError(payflow.CodeInvalidRequest, "START was rejected")
	}

	final, err := watch(m, snapshots, args)
	if err != nil {
		return err
	}

	fmt.Printf("\nflow settled in state %s\n", final.State)
	if final.Err != nil {
		fmt.Printf("error: [%s] %v\n", payflow.CodeOf(final.Err), final.Err)
	}
	if final.Intent != nil {
		fmt.Printf("intent: %s (%s) via %s\n", final.Intent.ID, final.Intent.Status, final.ProviderID)
	}

	fmt.Printf("\ntelemetry (%d events):\n", len(recorder.Entries()))
	for _, env := range recorder.Entries() {
		raw, _ := json.Marshal(env)
		fmt.Println(string(raw))
	}
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Parse([]byte(defaultConfig))
	}
	return config.Load(path)
}

// watch follows snapshots until the machine settles, simulating the buyer's
// redirect round trip when a scenario leaves the flow in requiresAction.
func watch(m *machine.Machine, snapshots <-chan machine.Snapshot, args cli) (machine.Snapshot, error) {
	timeout := time.After(args.Timeout)
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return machine.Snapshot{}, payflow.NewError(payflow.CodeUnknownError, "snapshot stream closed")
			}
			fmt.Printf("-> %s\n", snap.State)
			switch snap.State {
			case machine.StateDone, machine.StateFailed, machine.StateAllProvidersDown:
				return snap, nil
			case machine.StateRequiresAction:
				// Play the buyer: come back from the provider's redirect.
				go func(ref string) {
					time.Sleep(150 * time.Millisecond)
					m.Send(machine.RedirectReturnedEvent(ref, fmt.Sprintf("nonce-%d", time.Now().UnixNano()),
						map[string]string{"status": "completed"}))
				}(snap.IntentID)
			}
		case <-timeout:
			return machine.Snapshot{}, payflow.NewError(payflow.CodeProcessingTimeout, "simulation timed out")
		}
	}
}

// scriptedOps returns provider operations acting out one named scenario.
func scriptedOps(scenario string) payflow.ProviderOps {
	var statusCalls atomic.Int64

	finalStatus := payflow.StatusSucceeded
	if scenario == "declined" {
		finalStatus = payflow.StatusFailed
	}

	intent := func(provider string, status payflow.IntentStatus, action *payflow.NextAction) *payflow.PaymentIntent {
		return &payflow.PaymentIntent{
			ID:         "sim_in_1",
			ProviderID: provider,
			Status:     status,
			NextAction: action,
			Refs:       map[string]string{"order_ref": "sim-order"},
		}
	}

	return payflow.ProviderOps{
		Start: func(_ context.Context, provider string, _ payflow.PaymentRequest, _ map[string]string) (*payflow.PaymentIntent, error) {
			if scenario == "fallback" && provider == "providerA" {
				return nil, payflow.NewError(payflow.CodeProviderUnavailable, "providerA is down for maintenance")
			}
			if scenario == "redirect" {
				action := &payflow.NextAction{Kind: payflow.ActionRedirect, RedirectURL: "https://pay.example/session/sim_in_1"}
				return intent(provider, payflow.StatusRequiresAction, action), nil
			}
			return intent(provider, payflow.StatusProcessing, nil), nil
		},
		Confirm: func(_ context.Context, provider string, _ payflow.ConfirmRequest) (*payflow.PaymentIntent, error) {
			return intent(provider, finalStatus, nil), nil
		},
		Cancel: func(_ context.Context, provider string, _ payflow.CancelRequest) (*payflow.PaymentIntent, error) {
			return intent(provider, payflow.StatusCanceled, nil), nil
		},
		GetStatus: func(_ context.Context, provider string, _ payflow.StatusRequest) (*payflow.PaymentIntent, error) {
			if statusCalls.Add(1) < 2 {
				return intent(provider, payflow.StatusProcessing, nil), nil
			}
			return intent(provider, finalStatus, nil), nil
		},
		ClientConfirm: func(_ context.Context, req payflow.ClientConfirmRequest) (*payflow.PaymentIntent, error) {
			return intent(req.ProviderID, finalStatus, nil), nil
		},
		Finalize: func(_ context.Context, req payflow.FinalizeRequest) (*payflow.PaymentIntent, error) {
			return intent(req.ProviderID, payflow.StatusSucceeded, nil), nil
		},
	}
}
