package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertBudgetLevel    AlertType = "budget_level"
	AlertTokenOverrun   AlertType = "token_overrun"
)

// minFinishedJobs is how many finished jobs the failure rate needs before it alerts.
const minFinishedJobs = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsSucceeded + snap.JobsFailed
	if finished >= minFinishedJobs && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Discovery failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.JobsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if sev := levelSeverity(snap.Budget.Level); sev != "" {
		alerts = append(alerts, Alert{
			Type:     AlertBudgetLevel,
			Severity: sev,
			Message: fmt.Sprintf(
				"Token budget is %s: balance %d (warning %d, critical %d)",
				snap.Budget.Level, snap.Budget.Balance,
				snap.Budget.WarningThreshold, snap.Budget.CriticalThreshold,
			),
			Details: map[string]any{
				"level":         snap.Budget.Level,
				"balance":       snap.Budget.Balance,
				"verified":      snap.Budget.Verified,
				"budget_denied": snap.JobsBudgetDenied,
			},
			Timestamp: now,
		})
	}

	if a.cfg.TokenThreshold > 0 && snap.TokensUsed > a.cfg.TokenThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTokenOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Discovery jobs used %d tokens, over threshold %d in last %dh",
				snap.TokensUsed, a.cfg.TokenThreshold, snap.LookbackHours,
			),
			Details: map[string]any{
				"tokens_used":  snap.TokensUsed,
				"threshold":    a.cfg.TokenThreshold,
				"jobs_total":   snap.JobsTotal,
				"items_tested": snap.ItemsTested,
			},
			Timestamp: now,
		})
	}

	return alerts
}

func levelSeverity(l budget.Level) string {
	switch l {
	case budget.LevelCritical, budget.LevelUnverified:
		return "high"
	case budget.LevelWarning:
		return "medium"
	default:
		return ""
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("alerts: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("alerts: alert sent",
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
		return eris.Wrap(err, "alerts: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alerts: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alerts: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alerts: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
