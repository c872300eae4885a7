// Package metrics holds the prometheus collectors shared by the engine,
// the dispatcher and the ingest transports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fusion"

var (
	// Registry is the private registry every collector below is registered on.
	Registry = prometheus.NewRegistry()

	SignalsRegistered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_registered_total",
		Help:      "Signals accepted into an entity window, by source.",
	}, []string{"source"})

	SignalsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_rejected_total",
		Help:      "Signals rejected by input validation, by reason.",
	}, []string{"reason"})

	AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_fired_total",
		Help:      "Committed fire decisions, by scoring policy.",
	}, []string{"policy"})

	InvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Aborted transitions caused by detected invariant violations.",
	})

	CompositeScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "composite_score",
		Help:      "Composite score observed on every registration.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	ActiveEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_entities",
		Help:      "Entities holding a non-empty window after the last sweep.",
	})

	ActiveCooldowns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_cooldowns",
		Help:      "Entities currently in cooldown.",
	})

	DispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failures_total",
		Help:      "Collaborator failures after a fire, by stage (lookup, notify, persist, followup).",
	}, []string{"stage"})

	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Committed alerts waiting for a dispatch worker.",
	})

	FollowupsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "followups_pending",
		Help:      "Deferred price checks scheduled but not yet run.",
	})

	FollowupsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "followups_completed_total",
		Help:      "Deferred price checks, by field and outcome.",
	}, []string{"field", "outcome"})

	IngestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_messages_total",
		Help:      "Signal messages received by transport and outcome.",
	}, []string{"transport", "outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SignalsRegistered,
		SignalsRejected,
		AlertsFired,
		InvariantViolations,
		CompositeScore,
		ActiveEntities,
		ActiveCooldowns,
		DispatchFailures,
		DispatchQueueDepth,
		FollowupsPending,
		FollowupsCompleted,
		IngestMessages,
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
