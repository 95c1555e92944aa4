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
	"golang.org/x/time/rate"

	"github.com/sells-group/grant-datastore/internal/config"
	"github.com/sells-group/grant-datastore/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertNoSnapshot     AlertType = "no_current_snapshot"
	AlertStaleSnapshot  AlertType = "stale_snapshot"
	AlertGrantDrop      AlertType = "grant_drop"
	AlertIneligibleRate AlertType = "ineligible_rate"
)

// minFilesForRate is the smallest run whose ineligible rate is judged.
const minFilesForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	limit, burst := rate.Inf, cfg.WebhookBurst
	if cfg.WebhookRatePerSec > 0 {
		limit = rate.Limit(cfg.WebhookRatePerSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if !snap.HasCurrent {
		if snap.Runs > 0 {
			alerts = append(alerts, Alert{
				Type:      AlertNoSnapshot,
				Severity:  "high",
				Message:   fmt.Sprintf("No CURRENT snapshot although %d ingest run(s) exist", snap.Runs),
				Details:   map[string]any{"runs": snap.Runs, "latest_run_id": snap.LatestRunID},
				Timestamp: now,
			})
		}
	} else if a.cfg.StaleSnapshotHours > 0 && snap.CurrentAgeHours > float64(a.cfg.StaleSnapshotHours) {
		alerts = append(alerts, Alert{
			Type:     AlertStaleSnapshot,
			Severity: "medium",
			Message: fmt.Sprintf(
				"CURRENT snapshot is %.0fh old, threshold %dh",
				snap.CurrentAgeHours, a.cfg.StaleSnapshotHours,
			),
			Details: map[string]any{
				"snapshot_id": snap.CurrentID,
				"age_hours":   snap.CurrentAgeHours,
				"threshold":   a.cfg.StaleSnapshotHours,
			},
			Timestamp: now,
		})
	}

	if snap.HasCurrent && snap.PreviousGrants > 0 && a.cfg.GrantDropThreshold > 0 {
		drop := float64(snap.PreviousGrants-snap.CurrentGrants) / float64(snap.PreviousGrants)
		if drop > a.cfg.GrantDropThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertGrantDrop,
				Severity: "high",
				Message: fmt.Sprintf(
					"CURRENT has %.1f%% fewer grants than PREVIOUS (%d vs %d), threshold %.1f%%",
					drop*100, snap.CurrentGrants, snap.PreviousGrants, a.cfg.GrantDropThreshold*100,
				),
				Details: map[string]any{
					"current":   snap.CurrentGrants,
					"previous":  snap.PreviousGrants,
					"drop":      drop,
					"threshold": a.cfg.GrantDropThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.IneligibleRateThreshold > 0 && snap.LatestSourceFiles >= minFilesForRate &&
		snap.IneligibleRate > a.cfg.IneligibleRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertIneligibleRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d source files in run %d are ineligible (%.1f%%)",
				snap.LatestIneligible, snap.LatestSourceFiles, snap.LatestRunID, snap.IneligibleRate*100,
			),
			Details: map[string]any{
				"run_id":     snap.LatestRunID,
				"ineligible": snap.LatestIneligible,
				"files":      snap.LatestSourceFiles,
				"threshold":  a.cfg.IneligibleRateThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL, retrying
// transient failures. Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.limiter.Wait(ctx); err != nil {
			zap.L().Warn("monitoring: alert delivery interrupted", zap.Error(err))
			break
		}
		err := a.cfg.WebhookRetry.Do(ctx, "alert webhook", func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return resilience.StatusError("monitoring: webhook", resp.StatusCode)
	}
	return nil
}
