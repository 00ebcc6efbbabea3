package monitoring

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, h *HealthChecker) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	return rec.Code, status
}

// TestHealthStarting verifies that a checker with no completed cycle
// reports starting without failing the probe.
func TestHealthStarting(t *testing.T) {
	code, status := probe(t, NewHealthChecker(time.Minute))
	assert.Equal(t, 200, code)
	assert.Equal(t, "starting", status.Status)
	assert.False(t, status.Connected)
}

// TestHealthHealthy verifies the healthy path once the loop is
// connected and cycling.
func TestHealthHealthy(t *testing.T) {
	h := NewHealthChecker(time.Minute)
	h.SetConnected(true)
	h.MarkCycle(time.Now(), 3)

	code, status := probe(t, h)
	assert.Equal(t, 200, code)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 3, status.OpenPositions)
	assert.True(t, status.Connected)
	assert.NotEmpty(t, status.Uptime)
}

// TestHealthDegraded verifies that safe mode, lost connectivity and a
// stale cycle each fail the probe.
func TestHealthDegraded(t *testing.T) {
	t.Run("safe mode", func(t *testing.T) {
		h := NewHealthChecker(time.Minute)
		h.SetConnected(true)
		h.MarkCycle(time.Now(), 0)
		h.SetSafeMode(true)

		code, status := probe(t, h)
		assert.Equal(t, 503, code)
		assert.Equal(t, "degraded", status.Status)
		assert.True(t, status.SafeMode)
	})

	t.Run("disconnected", func(t *testing.T) {
		h := NewHealthChecker(time.Minute)
		h.SetConnected(true)
		h.MarkCycle(time.Now(), 0)
		h.SetConnected(false)

		code, status := probe(t, h)
		assert.Equal(t, 503, code)
		assert.Equal(t, "degraded", status.Status)
	})

	t.Run("stale cycle", func(t *testing.T) {
		h := NewHealthChecker(time.Minute)
		h.SetConnected(true)
		h.MarkCycle(time.Now().Add(-2*time.Minute), 0)

		code, status := probe(t, h)
		assert.Equal(t, 503, code)
		assert.Equal(t, "degraded", status.Status)
	})
}

// TestMetricsExposition verifies that recorded metrics appear on the
// exposition endpoint with their labels.
func TestMetricsExposition(t *testing.T) {
	RecordCycle(120 * time.Millisecond)
	RecordSignal("admitted")
	RecordAdmission("REJECT")
	RecordOrder("filled")
	RecordBrokerError("BROKER_TRANSIENT")
	SetOpenPositions(2)
	SetPnL(-55.5, 120.0)
	SetNotifyDropped(1)

	rec := httptest.NewRecorder()
	NewMetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"mt5_bot_cycles_total",
		"mt5_bot_cycle_duration_seconds",
		`mt5_bot_signals_total{result="admitted"}`,
		`mt5_bot_admissions_total{decision="REJECT"}`,
		`mt5_bot_orders_total{result="filled"}`,
		`mt5_bot_broker_errors_total{kind="BROKER_TRANSIENT"}`,
		"mt5_bot_open_positions 2",
		"mt5_bot_daily_pnl -55.5",
		"mt5_bot_weekly_pnl 120",
		"mt5_bot_notify_dropped 1",
	} {
		assert.True(t, strings.Contains(body, want), "missing %s", want)
	}
}
