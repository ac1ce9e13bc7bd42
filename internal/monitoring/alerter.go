package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertContestedRate  AlertType = "contested_rate"
	AlertAuditDrops     AlertType = "audit_drops"
)

// Alert is one threshold breach to deliver.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots against thresholds and posts breaches to a
// webhook.
type Alerter struct {
	cfg    Config
	client *http.Client

	// lastDropped remembers the audit drop counter so only new drops
	// alert, not the running total on every check.
	lastDropped int64
}

// NewAlerter creates an Alerter with the given thresholds.
func NewAlerter(cfg Config) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks one snapshot and returns any alerts. At least five
// finished jobs are required before the failure rate means anything.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.FailureRateThreshold > 0 && snap.JobsFinished >= 5 && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("collection %s: job failure rate %.1f%% exceeds %.1f%% (%d finished)",
				snap.CollectionID, snap.JobFailRate*100, a.cfg.FailureRateThreshold*100, snap.JobsFinished),
			Details: map[string]any{
				"collection": snap.CollectionID,
				"fail_rate":  snap.JobFailRate,
				"threshold":  a.cfg.FailureRateThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ContestedRateThreshold > 0 && snap.ContestedRate > a.cfg.ContestedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertContestedRate,
			Severity: "medium",
			Message: fmt.Sprintf("collection %s: %.1f%% of settled entries are contested (%d of %d)",
				snap.CollectionID, snap.ContestedRate*100,
				snap.Entries.Contested, snap.Entries.Integrated+snap.Entries.Contested),
			Details: map[string]any{
				"collection":     snap.CollectionID,
				"contested_rate": snap.ContestedRate,
				"threshold":      a.cfg.ContestedRateThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.AuditDropped > a.lastDropped {
		alerts = append(alerts, Alert{
			Type:     AlertAuditDrops,
			Severity: "medium",
			Message: fmt.Sprintf("%d audit events dropped since last check (%d total)",
				snap.AuditDropped-a.lastDropped, snap.AuditDropped),
			Details: map[string]any{
				"dropped_total": snap.AuditDropped,
				"dropped_new":   snap.AuditDropped - a.lastDropped,
			},
			Timestamp: now,
		})
		a.lastDropped = snap.AuditDropped
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook. Returns how many
// were delivered; delivery failures are logged, not returned.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: alert delivery failed",
				zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
