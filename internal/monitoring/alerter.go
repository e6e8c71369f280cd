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

	"github.com/sells-group/trip-planner/internal/config"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCircuitOpen       AlertType = "circuit_open"
	AlertProviderErrorRate AlertType = "provider_error_rate"
	AlertDeadLetters       AlertType = "dead_letters"
)

// minCallsForRate keeps a single early failure from raising an error-rate
// alert.
const minCallsForRate = 5

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
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, p := range snap.Providers {
		if p.CircuitState == resilience.CircuitOpen {
			details := map[string]any{
				"provider":             p.Name,
				"consecutive_failures": p.ConsecutiveFailures,
			}
			if p.OpenedAt != nil {
				details["opened_at"] = p.OpenedAt.UTC()
			}
			alerts = append(alerts, Alert{
				Type:      AlertCircuitOpen,
				Severity:  "high",
				Message:   fmt.Sprintf("Circuit open for provider %s after %d consecutive failures", p.Name, p.ConsecutiveFailures),
				Details:   details,
				Timestamp: now,
			})
			continue
		}

		if a.cfg.ErrorRateThreshold > 0 && p.Calls >= minCallsForRate && p.ErrorRate > a.cfg.ErrorRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertProviderErrorRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Provider %s error rate %.1f%% exceeds threshold %.1f%%",
					p.Name, p.ErrorRate*100, a.cfg.ErrorRateThreshold*100,
				),
				Details: map[string]any{
					"provider":   p.Name,
					"error_rate": p.ErrorRate,
					"threshold":  a.cfg.ErrorRateThreshold,
					"calls":      p.Calls,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.DLQDepth >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertDeadLetters,
			Severity:  "high",
			Message:   fmt.Sprintf("%d workflow run(s) dead-lettered", snap.DLQDepth),
			Details:   map[string]any{"dlq_depth": snap.DLQDepth, "threshold": a.cfg.DeadLetterThreshold},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL. Without a webhook
// they are only logged. Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
		}
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
