// Package metrics declares the Prometheus instruments for polling, correlation and fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll scheduler metrics
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_polls_total",
			Help: "Total number of remote polls by outcome",
		},
		[]string{"mode", "outcome"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logstream_poll_duration_seconds",
			Help:    "Duration of remote poll calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logstream_active_jobs",
			Help: "Number of jobs currently tracked by the poll scheduler",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	// Fan-out metrics
	EmittedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_emitted_records_total",
			Help: "Total number of records delivered to listeners by topic",
		},
		[]string{"topic"},
	)

	EmittedBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_emitted_batches_total",
			Help: "Total number of batches delivered to listeners by topic",
		},
		[]string{"topic"},
	)

	ListenerDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_listener_drops_total",
			Help: "Total number of batches dropped by full channel listeners",
		},
		[]string{"topic"},
	)

	// Correlation metrics
	CorrelationTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logstream_correlation_table_size",
			Help: "Number of half-events waiting for a partner",
		},
	)

	CorrelationAgedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logstream_correlation_aged_out_total",
			Help: "Total number of half-events evicted unmatched",
		},
	)

	CorrelationDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logstream_correlation_discarded_total",
			Help: "Total number of events without a parseable timestamp or session id",
		},
	)

	CorrelationMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logstream_correlation_matches_total",
			Help: "Total number of merged L2/L3 records",
		},
	)

	// Sink metrics
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_sink_errors_total",
			Help: "Total number of sink delivery errors",
		},
		[]string{"sink"},
	)
)
