package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics, labelled with the matched route pattern rather than the raw path
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Run lifecycle metrics

	RunsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bench_runner_runs_submitted_total",
			Help: "Runs accepted for execution",
		},
		[]string{"benchmark"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bench_runner_runs_finished_total",
			Help: "Runs that reached a terminal status",
		},
		[]string{"status"},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bench_runner_runs_active",
			Help: "Benchmark processes currently being supervised",
		},
	)

	LogLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bench_runner_log_lines_total",
			Help: "Output lines captured from benchmark processes",
		},
		[]string{"stream"},
	)

	// Event bus metrics

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bench_runner_event_subscribers",
			Help: "Open live event subscriptions",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bench_runner_events_dropped_total",
			Help: "Droppable events discarded because a subscriber was slow",
		},
		[]string{"kind"},
	)

	SubscriptionsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bench_runner_subscriptions_lost_total",
			Help: "Subscriptions closed because a log or status event could not be delivered",
		},
	)
)
