package worker

import (
	"context"
	"log/slog"
	"time"

	"taskrelay.app/relay/common/logger"
)

// Reclaimable is a consumer that can take over stale pending entries.
type Reclaimable interface {
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) (int, error)
}

type ReclaimerConfig struct {
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// Reclaimer periodically recovers queue entries that were read but never
// acknowledged, which happens when a worker dies between reading an entry
// and claiming its task. Recovered entries go back through the pool, so the
// slot bound and the claim check still apply.
type Reclaimer struct {
	consumer Reclaimable
	cfg      ReclaimerConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(consumer Reclaimable, cfg ReclaimerConfig) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reclaimer{
		consumer:  consumer,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "relay.worker.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			r.reclaimOnce(ctx)
		}
	}
}

func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reclaimer) reclaimOnce(ctx context.Context) {
	n, err := r.consumer.Reclaim(ctx, r.cfg.MinIdle, r.cfg.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "reclaimed stale queue entries", "count", n)
	}
}
