package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trip-planner/internal/config"
	"github.com/sells-group/trip-planner/internal/resilience"
)

func TestAlerter_Evaluate(t *testing.T) {
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		snap      *MetricsSnapshot
		wantTypes []AlertType
	}{
		{
			name: "healthy",
			snap: &MetricsSnapshot{Providers: []resilience.ProviderHealth{
				{Name: "anthropic-sonnet", CircuitState: resilience.CircuitClosed, Calls: 50, ErrorRate: 0.1},
			}},
		},
		{
			name: "open circuit",
			snap: &MetricsSnapshot{Providers: []resilience.ProviderHealth{
				{Name: "anthropic-opus", CircuitState: resilience.CircuitOpen, ConsecutiveFailures: 5, OpenedAt: &opened, Calls: 5, ErrorRate: 1},
			}},
			wantTypes: []AlertType{AlertCircuitOpen},
		},
		{
			name: "high error rate",
			snap: &MetricsSnapshot{Providers: []resilience.ProviderHealth{
				{Name: "perplexity-sonar", CircuitState: resilience.CircuitClosed, Calls: 10, ErrorRate: 0.6},
			}},
			wantTypes: []AlertType{AlertProviderErrorRate},
		},
		{
			name: "too few calls for a rate",
			snap: &MetricsSnapshot{Providers: []resilience.ProviderHealth{
				{Name: "jina-search", CircuitState: resilience.CircuitClosed, Calls: 2, ErrorRate: 1},
			}},
		},
		{
			name:      "dead letters",
			snap:      &MetricsSnapshot{DLQDepth: 3},
			wantTypes: []AlertType{AlertDeadLetters},
		},
		{
			name: "everything",
			snap: &MetricsSnapshot{
				Providers: []resilience.ProviderHealth{
					{Name: "a", CircuitState: resilience.CircuitOpen, Calls: 5, ErrorRate: 1},
					{Name: "b", CircuitState: resilience.CircuitHalfOpen, Calls: 20, ErrorRate: 0.9},
				},
				DLQDepth: 1,
			},
			wantTypes: []AlertType{AlertCircuitOpen, AlertProviderErrorRate, AlertDeadLetters},
		},
	}

	a := NewAlerter(config.MonitoringConfig{ErrorRateThreshold: 0.5, DeadLetterThreshold: 1})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := a.Evaluate(tt.snap)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.wantTypes, got)
		})
	}
}

func TestAlerter_Evaluate_Message(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ErrorRateThreshold: 0.25})
	alerts := a.Evaluate(&MetricsSnapshot{Providers: []resilience.ProviderHealth{
		{Name: "openai-gpt4o", Calls: 10, ErrorRate: 0.4},
	}})

	require.Len(t, alerts, 1)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "openai-gpt4o")
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{
		Providers: []resilience.ProviderHealth{{Name: "x", Calls: 100, ErrorRate: 1}},
		DLQDepth:  10,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var lastType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var al Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&al))
		lastType.Store(al.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCircuitOpen, Severity: "high", Message: "open"},
		{Type: AlertDeadLetters, Severity: "high", Message: "dlq"},
	})

	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, AlertDeadLetters, lastType.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen}}))
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}
