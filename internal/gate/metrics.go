package gate

import "github.com/prometheus/client_golang/prometheus"

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatgate",
		Subsystem: "gate",
		Name:      "job_runs_total",
		Help:      "Job runs by job name and result.",
	}, []string{"job", "result"}) // "ok", "error", "skipped"

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatgate",
		Subsystem: "gate",
		Name:      "job_duration_seconds",
		Help:      "Job duration in seconds.",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
	}, []string{"job"})

	usageReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatgate",
		Subsystem: "gate",
		Name:      "usage_reports_total",
		Help:      "Usage reports by outcome.",
	}, []string{"outcome"}) // "evaluated", "synced", "sync_failed", "evaluate_failed"

	paymentsConfirmed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatgate",
		Subsystem: "gate",
		Name:      "payments_confirmed_total",
		Help:      "Payment confirmations by source and result.",
	}, []string{"source", "result"})
)

func init() {
	prometheus.MustRegister(jobRuns, jobDuration, usageReports, paymentsConfirmed)
}
