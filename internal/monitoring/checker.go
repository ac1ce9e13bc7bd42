package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/store"
)

// Checker periodically snapshots every collection and pushes threshold
// breaches through the alerter.
type Checker struct {
	store     store.Store
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	logger    *zap.Logger
}

// NewChecker creates a background checker.
func NewChecker(st store.Store, collector *Collector, alerter *Alerter, cfg Config) *Checker {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		store:     st,
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		logger:    zap.L().Named("monitoring"),
	}
}

// Run blocks until ctx is canceled, checking every interval.
func (c *Checker) Run(ctx context.Context) {
	c.logger.Info("starting checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) check(ctx context.Context) {
	cols, err := c.store.ListCollections(ctx)
	if err != nil {
		c.logger.Error("list collections failed", zap.Error(err))
		return
	}

	for _, col := range cols {
		snap, err := c.collector.Collect(ctx, col.ID)
		if err != nil {
			c.logger.Error("collect failed", zap.String("collection", col.ID), zap.Error(err))
			continue
		}
		alerts := c.alerter.Evaluate(snap)
		if len(alerts) == 0 {
			continue
		}
		c.alerter.SendAlerts(ctx, alerts)
	}
}
