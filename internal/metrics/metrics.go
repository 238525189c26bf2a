// Package metrics exposes Prometheus counters and histograms for the bash
// runtime, in the same client_golang + promhttp pairing the retrieval
// pack's monitor server uses for its own metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swerex_sessions_created_total",
		Help: "Total number of bash sessions successfully created.",
	})

	SessionsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swerex_sessions_closed_total",
		Help: "Total number of bash sessions closed.",
	})

	CommandsRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swerex_commands_run_total",
		Help: "Total number of commands run in a session, labeled by outcome.",
	}, []string{"outcome"})

	CommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swerex_command_duration_seconds",
		Help:    "Wall-clock duration of run_in_session requests.",
		Buckets: prometheus.DefBuckets,
	})

	ExitCodes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swerex_exit_codes",
		Help:    "Distribution of captured command exit codes.",
		Buckets: []float64{0, 1, 2, 126, 127, 128, 130},
	})
)

func init() {
	prometheus.MustRegister(SessionsCreated, SessionsClosed, CommandsRun, CommandDuration, ExitCodes)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
