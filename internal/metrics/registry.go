// Package metrics exposes engine counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Alert results
const (
	AlertSent       = "sent"
	AlertSuppressed = "suppressed"
	AlertFailed     = "failed"
)

// Backtest results
const (
	BacktestOK      = "ok"
	BacktestAborted = "aborted"
	BacktestError   = "error"
)

// Registry holds all engine metrics
type Registry struct {
	reg *prometheus.Registry

	Evaluations       *prometheus.CounterVec
	RiskDenials       *prometheus.CounterVec
	Alerts            *prometheus.CounterVec
	ExitTransitions   *prometheus.CounterVec
	OpenPositions     prometheus.Gauge
	DailyRealizedLoss prometheus.Gauge
	CycleDuration     prometheus.Histogram
	Backtests         *prometheus.CounterVec
}

// NewRegistry creates the metrics and registers them with a fresh registry.
// Go runtime and process collectors are included.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bist_evaluations_total",
				Help: "Symbol evaluations by final decision label",
			},
			[]string{"decision"},
		),

		RiskDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bist_risk_denials_total",
				Help: "Positions refused by the risk gate by reason",
			},
			[]string{"reason"},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bist_alerts_total",
				Help: "Alert verdicts by result",
			},
			[]string{"result"},
		),

		ExitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bist_exit_transitions_total",
				Help: "Exit state machine transitions by target state",
			},
			[]string{"to"},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bist_open_positions",
				Help: "Currently open simulated positions",
			},
		),

		DailyRealizedLoss: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bist_daily_realized_loss",
				Help: "Gross realized loss of the current Istanbul trading day",
			},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bist_cycle_duration_seconds",
				Help:    "Duration of one evaluation cycle over the watchlist",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		Backtests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bist_backtests_total",
				Help: "Backtest and calibration runs by result",
			},
			[]string{"result"},
		),
	}

	r.reg.MustRegister(
		r.Evaluations,
		r.RiskDenials,
		r.Alerts,
		r.ExitTransitions,
		r.OpenPositions,
		r.DailyRealizedLoss,
		r.CycleDuration,
		r.Backtests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the registry for tests and custom handlers
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordDecision counts one evaluation
func (r *Registry) RecordDecision(label string) {
	r.Evaluations.WithLabelValues(label).Inc()
}

// RecordDenial counts one risk denial
func (r *Registry) RecordDenial(reason string) {
	r.RiskDenials.WithLabelValues(reason).Inc()
}

// RecordAlert counts one alert verdict
func (r *Registry) RecordAlert(result string) {
	r.Alerts.WithLabelValues(result).Inc()
}

// RecordTransition counts one exit transition
func (r *Registry) RecordTransition(to string) {
	r.ExitTransitions.WithLabelValues(to).Inc()
}

// RecordBacktest counts one replay
func (r *Registry) RecordBacktest(result string) {
	r.Backtests.WithLabelValues(result).Inc()
}

// SetRiskState publishes the open position count and daily loss
func (r *Registry) SetRiskState(openPositions int, dailyLoss float64) {
	r.OpenPositions.Set(float64(openPositions))
	r.DailyRealizedLoss.Set(dailyLoss)
}

// CycleTimer tracks execution time of one cycle
type CycleTimer struct {
	metrics *Registry
	start   time.Time
}

// StartCycle begins timing a cycle
func (r *Registry) StartCycle() *CycleTimer {
	return &CycleTimer{metrics: r, start: time.Now()}
}

// Stop records the cycle duration
func (ct *CycleTimer) Stop() time.Duration {
	d := time.Since(ct.start)
	ct.metrics.CycleDuration.Observe(d.Seconds())
	log.Debug().Dur("duration", d).Msg("Evaluation cycle timed")
	return d
}
