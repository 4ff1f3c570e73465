// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live sessions in the registry.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lingturn",
		Name:      "active_sessions",
		Help:      "Number of live voice sessions.",
	})

	// SessionsRejected counts sessions refused at the capacity gate.
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lingturn",
		Name:      "sessions_rejected_total",
		Help:      "Sessions rejected because max_concurrent_sessions was reached.",
	})

	// Interruptions counts user barge-ins that cancelled an active pipeline.
	Interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lingturn",
		Name:      "interruptions_total",
		Help:      "User interruptions during agent responses.",
	})

	// TurnsDispatched counts finalized turns handed to the pipeline.
	TurnsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lingturn",
		Name:      "turns_dispatched_total",
		Help:      "Finalized user turns dispatched to the pipeline.",
	})

	// TurnsDiscarded counts sub-minimum turns dropped as noise.
	TurnsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lingturn",
		Name:      "turns_discarded_total",
		Help:      "Turns discarded for being shorter than min_turn_duration.",
	})

	// StageLatency observes per-stage pipeline latency.
	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lingturn",
		Name:      "pipeline_stage_seconds",
		Help:      "Latency of pipeline stages.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"stage"})

	// StageFailures counts stage failures by error kind.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingturn",
		Name:      "pipeline_stage_failures_total",
		Help:      "Pipeline stage failures by stage and error kind.",
	}, []string{"stage", "kind"})

	// ChunksEmitted counts response audio chunks delivered downstream.
	ChunksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lingturn",
		Name:      "response_chunks_total",
		Help:      "Response audio chunks emitted to transports.",
	})
)

// ObserveStage records one stage completion.
func ObserveStage(stage string, d time.Duration) {
	StageLatency.WithLabelValues(stage).Observe(d.Seconds())
}
