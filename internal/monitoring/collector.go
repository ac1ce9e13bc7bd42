// Package monitoring snapshots queue depth and integration health, checks
// the snapshots against thresholds, and pushes alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

// Config tunes the background checker and the alert thresholds.
type Config struct {
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	WebhookURL    string        `yaml:"webhook_url" mapstructure:"webhook_url"`

	// FailureRateThreshold alerts when failed jobs exceed this fraction
	// of finished jobs. ContestedRateThreshold does the same for
	// contested entries against all terminally integrated ones.
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ContestedRateThreshold float64 `yaml:"contested_rate_threshold" mapstructure:"contested_rate_threshold"`
}

// DroppedCounter reports audit events lost to backpressure. Satisfied by
// the audit service.
type DroppedCounter interface {
	Dropped() int64
}

// MetricsSnapshot is a point-in-time view of one collection's health.
type MetricsSnapshot struct {
	CollectionID string `json:"collection_id"`

	Jobs    map[model.JobType]model.JobStats `json:"jobs"`
	Entries store.EntryStats                 `json:"entries"`

	JobsFinished  int     `json:"jobs_finished"`
	JobFailRate   float64 `json:"job_fail_rate"`
	ContestedRate float64 `json:"contested_rate"`

	AuditDropped int64     `json:"audit_dropped"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store   store.Store
	dropped DroppedCounter
}

// NewCollector creates a collector. dropped may be nil when no audit
// pipeline is running.
func NewCollector(st store.Store, dropped DroppedCounter) *Collector {
	return &Collector{store: st, dropped: dropped}
}

// Collect snapshots one collection.
func (c *Collector) Collect(ctx context.Context, collectionID string) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		CollectionID: collectionID,
		CollectedAt:  time.Now().UTC(),
	}

	jobs, err := c.store.JobStats(ctx, collectionID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: job stats")
	}
	snap.Jobs = jobs

	var completed, failed int
	for _, st := range jobs {
		completed += st.Completed
		failed += st.Failed
	}
	snap.JobsFinished = completed + failed
	if snap.JobsFinished > 0 {
		snap.JobFailRate = float64(failed) / float64(snap.JobsFinished)
	}

	entries, err := c.store.EntryStats(ctx, collectionID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: entry stats")
	}
	snap.Entries = *entries
	if settled := entries.Integrated + entries.Contested; settled > 0 {
		snap.ContestedRate = float64(entries.Contested) / float64(settled)
	}

	if c.dropped != nil {
		snap.AuditDropped = c.dropped.Dropped()
	}
	return snap, nil
}
