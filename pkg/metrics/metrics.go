// Package metrics holds the daemon's own ambient Prometheus metrics (parse
// errors, reconcile cycle duration, plugin lifecycle, promoter actions) —
// distinct from pkg/plugin/prometheus, which exports DRBD resource state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ParseErrorsTotal counts events2 lines that failed to apply to the model.
	ParseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drbd_reactor_parse_errors_total",
		Help: "Total number of events2 lines that could not be applied to the resource model",
	})

	// ReconcileCycleDuration measures how long one raw-event-to-dispatch
	// cycle takes.
	ReconcileCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drbd_reactor_reconcile_cycle_duration_seconds",
		Help:    "Duration of one reconciler event-apply-and-dispatch cycle",
		Buckets: prometheus.DefBuckets,
	})

	// PluginStartsTotal counts plugin goroutines started, by kind.
	PluginStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drbd_reactor_plugin_starts_total",
		Help: "Total number of plugin instances started",
	}, []string{"kind"})

	// PluginStopsTotal counts plugin goroutines that returned, by kind.
	PluginStopsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drbd_reactor_plugin_stops_total",
		Help: "Total number of plugin instances that stopped",
	}, []string{"kind"})

	// PluginPanicsTotal counts recovered plugin panics, by kind.
	PluginPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drbd_reactor_plugin_panics_total",
		Help: "Total number of plugin panics recovered by the plugin manager",
	}, []string{"kind"})

	// PromotionsTotal counts successful resource promotions, by resource.
	PromotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drbd_reactor_promotions_total",
		Help: "Total number of resources promoted to Primary by the promoter plugin",
	}, []string{"resource"})

	// DemotionsTotal counts successful resource demotions, by resource.
	DemotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drbd_reactor_demotions_total",
		Help: "Total number of resources demoted to Secondary by the promoter plugin",
	}, []string{"resource"})

	// EscalationsTotal counts failure-escalation actions taken, by resource
	// and the escalation step applied (e.g. "reboot", "poweroff").
	EscalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drbd_reactor_escalations_total",
		Help: "Total number of failure-escalation actions taken by the promoter plugin",
	}, []string{"resource", "action"})
)

func init() {
	prometheus.MustRegister(
		ParseErrorsTotal,
		ReconcileCycleDuration,
		PluginStartsTotal,
		PluginStopsTotal,
		PluginPanicsTotal,
		PromotionsTotal,
		DemotionsTotal,
		EscalationsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the daemon's own metrics
// endpoint (separate from any per-resource endpoint the prometheus plugin
// exposes).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
