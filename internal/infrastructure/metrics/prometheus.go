package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

const namespace = "marginx"

// Prometheus 引擎指标，独立 registry
type Prometheus struct {
	registry *prometheus.Registry

	opened         *prometheus.CounterVec
	closed         *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	settleFailures *prometheus.CounterVec
	shortfall      *prometheus.CounterVec
	priceFailures  *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	scanEvaluated  prometheus.Gauge
	openPositions  prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Positions opened",
		}, []string{"symbol", "side"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Positions settled, by exit reason",
		}, []string{"symbol", "reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_conflicts_total",
			Help:      "Close attempts that lost the open->closing race",
		}, []string{"symbol"}),
		settleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Settlement commits that failed and were left for recovery",
		}, []string{"symbol"}),
		shortfall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_shortfall_total",
			Help:      "Unrecovered loss beyond the locked margin",
		}, []string{"symbol"}),
		priceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fetch_failures_total",
			Help:      "Price oracle failures",
		}, []string{"symbol"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of one scanner tick",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		scanEvaluated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_evaluated_positions",
			Help:      "Positions evaluated in the last scanner tick",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions after the last scanner tick",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.opened, m.closed, m.conflicts, m.settleFailures, m.shortfall, m.priceFailures,
		m.scanDuration, m.scanEvaluated, m.openPositions,
	)
	return m
}

// Handler 暴露 /metrics
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

func (m *Prometheus) PositionOpened(symbol string, side model.Side) {
	m.opened.WithLabelValues(symbol, string(side)).Inc()
}

func (m *Prometheus) PositionClosed(symbol string, reason model.ExitReason) {
	m.closed.WithLabelValues(symbol, string(reason)).Inc()
}

func (m *Prometheus) CloseConflict(symbol string) {
	m.conflicts.WithLabelValues(symbol).Inc()
}

func (m *Prometheus) SettlementFailed(symbol string) {
	m.settleFailures.WithLabelValues(symbol).Inc()
}

func (m *Prometheus) Shortfall(symbol string, amount float64) {
	m.shortfall.WithLabelValues(symbol).Add(amount)
}

func (m *Prometheus) PriceFetchFailed(symbol string) {
	m.priceFailures.WithLabelValues(symbol).Inc()
}

func (m *Prometheus) ObserveScan(seconds float64, evaluated int) {
	m.scanDuration.Observe(seconds)
	m.scanEvaluated.Set(float64(evaluated))
}

func (m *Prometheus) SetOpenPositions(n int) {
	m.openPositions.Set(float64(n))
}

var _ port.Metrics = (*Prometheus)(nil)
