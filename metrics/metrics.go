// Package metrics holds the Prometheus collectors of the rent engine.
// Collectors register with the default registry on import; the api
// package serves them at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rentengine"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds by method and route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	BillComputationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bill_computations_total",
			Help:      "Bills computed, by resulting reason",
		},
		[]string{"reason"},
	)

	BillTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bill_transitions_total",
			Help:      "Bill workflow actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	TariffResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tariff_resolutions_total",
			Help:      "Tariff resolutions by source and whether the earliest entry was backfilled",
		},
		[]string{"source", "backfilled"},
	)

	ComputeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Duration of engine operations including collaborator reads",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RentRemindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rent_reminders_total",
			Help:      "Rent reminder decisions by outcome",
		},
		[]string{"outcome"},
	)

	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_last_run_timestamp",
			Help:      "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

func ObserveHTTP(method, route string, code int, startedAt time.Time) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(method, route).Observe(time.Since(startedAt).Seconds())
}

func ObserveBill(reason string) {
	BillComputationsTotal.WithLabelValues(reason).Inc()
}

func ObserveTransition(action, outcome string) {
	BillTransitionsTotal.WithLabelValues(action, outcome).Inc()
}

func ObserveResolution(source string, backfilled bool) {
	TariffResolutionsTotal.WithLabelValues(source, strconv.FormatBool(backfilled)).Inc()
}

func ObserveCompute(operation string, startedAt time.Time) {
	ComputeDurationSeconds.WithLabelValues(operation).Observe(time.Since(startedAt).Seconds())
}

func ObserveReminder(outcome string) {
	RentRemindersTotal.WithLabelValues(outcome).Inc()
}

// UpdateJobMetrics records the end of a scheduled job run.
func UpdateJobMetrics(job string, err error) {
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
