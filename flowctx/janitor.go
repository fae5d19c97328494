package flowctx

import (
	"fmt"
	"strings"

	rcron "github.com/robfig/cron/v3"

	payflow "github.com/goliatone/go-payment-flow"
)

// DefaultSweepSchedule purges expired contexts every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Janitor periodically purges expired flow context records. Expired records
// are also rejected lazily on load; the janitor keeps abandoned flows from
// accumulating in storage.
type Janitor struct {
	store    *Store
	cron     *rcron.Cron
	entryID  rcron.EntryID
	schedule string
	logger   payflow.Logger
}

// JanitorOption customizes janitor behavior.
type JanitorOption func(*Janitor)

// WithSweepSchedule overrides the cron expression used for sweeps.
func WithSweepSchedule(schedule string) JanitorOption {
	return func(j *Janitor) {
		if strings.TrimSpace(schedule) != "" {
			j.schedule = schedule
		}
	}
}

// WithJanitorLogger sets the janitor logger.
func WithJanitorLogger(logger payflow.Logger) JanitorOption {
	return func(j *Janitor) {
		j.logger = payflow.NormalizeLogger(logger)
	}
}

// NewJanitor constructs a janitor over the given store.
func NewJanitor(store *Store, opts ...JanitorOption) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("janitor requires a flow context store")
	}
	j := &Janitor{
		store:    store,
		cron:     rcron.New(),
		schedule: DefaultSweepSchedule,
		logger:   payflow.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}

	entryID, err := j.cron.AddFunc(j.schedule, j.Sweep)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule context sweep: %w", err)
	}
	j.entryID = entryID
	return j, nil
}

// Start begins scheduled sweeps.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts scheduling; a sweep in progress runs to completion.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

// Sweep purges expired records once, logging the purge count.
func (j *Janitor) Sweep() {
	purged := j.store.PurgeExpired()
	if purged > 0 {
		j.logger.Info("purged %d expired flow context record(s)", purged)
	}
}
