// Package metrics provides Prometheus metrics for the instance supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No per-player or per-command labels; only bounded enums.

var (
	// EventsPublishedTotal counts domain events published on the bus, by kind.
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_events_published_total",
		Help: "Total number of domain events published, by kind.",
	}, []string{"kind"})

	// HandlerFailuresTotal counts event handlers that returned an error or panicked.
	HandlerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_event_handler_failures_total",
		Help: "Total number of failed event handler invocations, by kind and cause (error/panic).",
	}, []string{"kind", "cause"})

	// StreamDropsTotal counts events dropped for slow channel subscribers.
	StreamDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs2instance_event_stream_drops_total",
		Help: "Total number of events dropped because a stream subscriber was full.",
	})

	// CommandsTotal counts console commands by result kind ("ok" or an error kind).
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_commands_total",
		Help: "Total number of console commands executed, by result.",
	}, []string{"result"})

	// CommandDuration observes how long a console command round trip took.
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cs2instance_command_duration_seconds",
		Help:    "Console command round trip latency.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// ServerStartsTotal counts start attempts by result.
	ServerStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_server_starts_total",
		Help: "Total number of server start attempts, by result.",
	}, []string{"result"})

	// ServerExitsTotal counts observed process exits, by cause (stopped/crashed).
	ServerExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_server_exits_total",
		Help: "Total number of server process exits, by cause.",
	}, []string{"cause"})

	// UpdateRunsTotal counts update-or-install runs by outcome.
	UpdateRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_update_runs_total",
		Help: "Total number of update-or-install runs, by outcome (done/cancelled/failed).",
	}, []string{"outcome"})

	// SinkDropsTotal counts persistence records dropped because the write queue was full.
	SinkDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_sink_drops_total",
		Help: "Total number of records dropped by the persistence sink, by table.",
	}, []string{"table"})

	// LineDropsTotal counts live log lines dropped for slow subscribers.
	LineDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cs2instance_live_line_drops_total",
		Help: "Total number of live log lines dropped because a subscriber was full, by source.",
	}, []string{"source"})

	// LifecycleState is 1 for the current lifecycle state and 0 for the others.
	LifecycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cs2instance_lifecycle_state",
		Help: "Current lifecycle state of the server (1 = active).",
	}, []string{"state"})

	// PlayersConnected tracks the aggregated player count.
	PlayersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cs2instance_players_connected",
		Help: "Current number of connected players.",
	})
)

// SetLifecycleState flips the state gauge so exactly one state reads 1.
func SetLifecycleState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		LifecycleState.WithLabelValues(s).Set(v)
	}
}
