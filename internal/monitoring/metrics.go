package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	budgetBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sourcing",
			Subsystem: "budget",
			Name:      "balance_tokens",
			Help:      "Local estimate of remaining upstream tokens.",
		},
	)
	budgetDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "budget",
			Name:      "decisions_total",
			Help:      "Admission decisions by action and result.",
		},
		[]string{"action", "result"},
	)
	budgetReconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "budget",
			Name:      "reconciles_total",
			Help:      "Authoritative balance refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream API requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "discovery",
			Name:      "jobs_total",
			Help:      "Discovery jobs by terminal status and stop reason.",
		},
		[]string{"status", "stop_reason"},
	)
	jobItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sourcing",
			Subsystem: "discovery",
			Name:      "items_total",
			Help:      "Discovery items by outcome.",
		},
		[]string{"outcome"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sourcing",
			Subsystem: "discovery",
			Name:      "job_duration_seconds",
			Help:      "Discovery job wall-clock duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(
		budgetBalance, budgetDecisions, budgetReconciles,
		upstreamRequests,
		jobsTotal, jobItems, jobDuration,
	)
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBudgetBalance records the guard's current local balance estimate.
func SetBudgetBalance(balance int) {
	budgetBalance.Set(float64(balance))
}

// ObserveDecision counts one admission decision.
func ObserveDecision(action string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	budgetDecisions.WithLabelValues(action, result).Inc()
}

// ObserveReconcile counts one authoritative balance refresh.
func ObserveReconcile(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	budgetReconciles.WithLabelValues(outcome).Inc()
}

// ObserveUpstream counts one upstream request.
func ObserveUpstream(endpoint, outcome string) {
	upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveJob records a finished discovery job.
func ObserveJob(status, stopReason string, d time.Duration) {
	jobsTotal.WithLabelValues(status, stopReason).Inc()
	jobDuration.Observe(d.Seconds())
}

// ObserveItem counts one processed discovery item.
func ObserveItem(outcome string) {
	jobItems.WithLabelValues(outcome).Inc()
}
