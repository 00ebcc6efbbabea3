// Package monitoring exposes the engine's operational state: a
// Prometheus metrics registry and a JSON health endpoint, served
// together on one HTTP listener.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Loop metrics
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_bot_cycles_total",
			Help: "Completed trading cycles",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mt5_bot_cycle_duration_seconds",
			Help:    "Distribution of trading cycle wall time",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admission funnel metrics
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_bot_signals_total",
			Help: "Signals received from the analysis source",
		},
		[]string{"result"},
	)

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_bot_admissions_total",
			Help: "Admission decisions by outcome",
		},
		[]string{"decision"},
	)

	// Broker interaction metrics
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_bot_orders_total",
			Help: "Order placements by outcome",
		},
		[]string{"result"},
	)

	modificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mt5_bot_modifications_total",
			Help: "Confirmed stop or take-profit modifications",
		},
	)

	brokerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mt5_bot_broker_errors_total",
			Help: "Broker call failures by error kind",
		},
		[]string{"kind"},
	)

	// Exposure metrics
	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mt5_bot_open_positions",
			Help: "Positions currently owned by the lifecycle manager",
		},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mt5_bot_daily_pnl",
			Help: "Realized profit and loss for the current trading day",
		},
	)

	weeklyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mt5_bot_weekly_pnl",
			Help: "Realized profit and loss for the current trading week",
		},
	)

	notifyDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mt5_bot_notify_dropped",
			Help: "Notifications dropped by the dispatcher since start",
		},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(modificationsTotal)
	prometheus.MustRegister(brokerErrorsTotal)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(dailyPnL)
	prometheus.MustRegister(weeklyPnL)
	prometheus.MustRegister(notifyDropped)
}

// MetricsHandler serves the Prometheus exposition endpoint.
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordCycle counts a completed cycle and observes its duration.
func RecordCycle(d time.Duration) {
	cyclesTotal.Inc()
	cycleDuration.Observe(d.Seconds())
}

// RecordSignal counts a signal by result (admitted, rejected, invalid,
// none, error).
func RecordSignal(result string) {
	signalsTotal.WithLabelValues(result).Inc()
}

// RecordAdmission counts an admission decision by outcome.
func RecordAdmission(decision string) {
	admissionsTotal.WithLabelValues(decision).Inc()
}

// RecordOrder counts an order placement by outcome.
func RecordOrder(result string) {
	ordersTotal.WithLabelValues(result).Inc()
}

// RecordModification counts a confirmed position modification.
func RecordModification() {
	modificationsTotal.Inc()
}

// RecordBrokerError counts a broker failure by error kind.
func RecordBrokerError(kind string) {
	brokerErrorsTotal.WithLabelValues(kind).Inc()
}

// SetOpenPositions updates the open-position gauge.
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// SetPnL updates the daily and weekly realized P&L gauges.
func SetPnL(daily, weekly float64) {
	dailyPnL.Set(daily)
	weeklyPnL.Set(weekly)
}

// SetNotifyDropped updates the dropped-notification gauge.
func SetNotifyDropped(n uint64) {
	notifyDropped.Set(float64(n))
}
