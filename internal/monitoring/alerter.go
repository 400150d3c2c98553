package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/claims-adjudication/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBreakerOpen   AlertType = "breaker_open"
	AlertReviewBacklog AlertType = "review_backlog"
	AlertStaleCycle    AlertType = "stale_cycle"
)

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
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	// A tripped breaker means the gate is failing claims fast.
	if open := snap.OpenBreakers(); len(open) > 0 {
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "high",
			Message:  fmt.Sprintf("%d collaborator circuit(s) not closed: %v", len(open), open),
			Details: map[string]any{
				"breakers": open,
			},
			Timestamp: now,
		})
	}

	if a.cfg.ReviewBacklogLimit > 0 && snap.AwaitingReview > a.cfg.ReviewBacklogLimit {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d claims awaiting review consensus, limit %d",
				snap.AwaitingReview, a.cfg.ReviewBacklogLimit,
			),
			Details: map[string]any{
				"awaiting_review": snap.AwaitingReview,
				"limit":           a.cfg.ReviewBacklogLimit,
			},
			Timestamp: now,
		})
	}

	// Open claims with no cycle in the window are not being assessed.
	if a.cfg.StaleCycleHours > 0 && snap.ClaimsOpen > 0 {
		window := time.Duration(a.cfg.StaleCycleHours) * time.Hour
		if snap.LastCycle == nil || now.Sub(*snap.LastCycle) > window {
			details := map[string]any{"claims_open": snap.ClaimsOpen}
			if snap.LastCycle != nil {
				details["last_cycle"] = snap.LastCycle.Format(time.RFC3339)
			}
			alerts = append(alerts, Alert{
				Type:     AlertStaleCycle,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d open claims and no cycle in the last %dh",
					snap.ClaimsOpen, a.cfg.StaleCycleHours,
				),
				Details:   details,
				Timestamp: now,
			})
		}
	}

	return alerts
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
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
