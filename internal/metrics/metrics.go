// Package metrics exposes the broker's Prometheus instrumentation:
// sessions created/active, tool-call counts, event throughput, and
// replay-buffer evictions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sandboxbroker",
		Name:      "sessions_created_total",
		Help:      "Total number of sessions created.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sandboxbroker",
		Name:      "sessions_active",
		Help:      "Number of sessions currently in a non-terminal state.",
	})

	SessionsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxbroker",
		Name:      "sessions_terminated_total",
		Help:      "Total number of sessions reaching a terminal state, by final state.",
	}, []string{"state"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxbroker",
		Name:      "tool_calls_total",
		Help:      "Total number of tool calls dispatched, by tool name and outcome.",
	}, []string{"tool", "outcome"})

	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxbroker",
		Name:      "events_emitted_total",
		Help:      "Total number of wire events emitted, by event type.",
	}, []string{"type"})

	ReplayBufferEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sandboxbroker",
		Name:      "replay_buffer_evictions_total",
		Help:      "Total number of events evicted from a session's replay buffer.",
	})

	StreamSubscribersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sandboxbroker",
		Name:      "stream_subscriber_drops_total",
		Help:      "Total number of events dropped because a subscriber's queue was full.",
	})
)
