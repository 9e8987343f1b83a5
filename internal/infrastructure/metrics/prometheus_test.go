package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginx/internal/domain/model"
)

func gauge(t *testing.T, m *Prometheus, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestPrometheusCounters(t *testing.T) {
	m := NewPrometheus()

	m.PositionOpened("BTCUSDT", model.SideLong)
	m.PositionOpened("BTCUSDT", model.SideLong)
	m.PositionClosed("BTCUSDT", model.ReasonLiquidation)
	m.Shortfall("BTCUSDT", 12.5)
	m.SetOpenPositions(7)

	assert.Equal(t, 2.0, gauge(t, m, "marginx_positions_opened_total", map[string]string{"symbol": "BTCUSDT", "side": "long"}))
	assert.Equal(t, 1.0, gauge(t, m, "marginx_positions_closed_total", map[string]string{"symbol": "BTCUSDT", "reason": "liquidation"}))
	assert.Equal(t, 12.5, gauge(t, m, "marginx_settlement_shortfall_total", map[string]string{"symbol": "BTCUSDT"}))
	assert.Equal(t, 7.0, gauge(t, m, "marginx_open_positions", nil))
}

func TestPrometheusHandler(t *testing.T) {
	m := NewPrometheus()
	m.ObserveScan(0.02, 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "marginx_scan_duration_seconds_count 1"), body)
	assert.True(t, strings.Contains(body, "marginx_scan_evaluated_positions 3"), body)
}
