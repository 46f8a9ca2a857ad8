package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps expired rows out of the gateway store:
// events past their TTL, spent idempotency records, stale pending
// pairings, and exhausted rate buckets.
type Janitor struct {
	store      *Store
	pairingTTL time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
}

func NewJanitor(store *Store, pairingTTL time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:      store,
		pairingTTL: pairingTTL,
		logger:     logger.With("component", "gateway.janitor"),
		cron:       cron.New(),
	}
}

// Start schedules the sweep. The schedule is a standard five-field cron
// expression.
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	j.cron.Start()
	j.logger.Info("janitor started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := j.store.Sweep(ctx, j.pairingTTL)
	if err != nil {
		j.logger.Error("sweep failed", "err", err)
		return
	}
	if stats.Events+stats.Idempotency+stats.Pairings+stats.RateBuckets > 0 {
		j.logger.Info("sweep complete",
			"events", stats.Events,
			"idempotency", stats.Idempotency,
			"pairings", stats.Pairings,
			"rate_buckets", stats.RateBuckets,
		)
	}
}
