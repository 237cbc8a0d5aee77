// Package metrics exposes Prometheus collectors for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksReceived counts ingested webhook deliveries by event type.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_webhooks_received_total",
		Help: "Webhook deliveries accepted at the ingress endpoint",
	}, []string{"event_type"})

	// WebhookDuplicates counts deliveries absorbed by the idempotency key.
	WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_grid_webhook_duplicates_total",
		Help: "Webhook deliveries dropped as duplicate delivery IDs",
	})

	// WebhookDecisions counts deduplicator outcomes per decision kind.
	WebhookDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_webhook_decisions_total",
		Help: "Coalescing decisions produced by the webhook deduplicator",
	}, []string{"decision"})

	// BusPublished counts events accepted onto the bus by type.
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_bus_published_total",
		Help: "Events published to the in-process event bus",
	}, []string{"type"})

	// BusDropped counts events discarded because the queue was full.
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_bus_dropped_total",
		Help: "Events dropped because the event bus queue was full",
	}, []string{"type"})

	// BusDepth tracks the current queue depth of the event bus.
	BusDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_grid_bus_depth",
		Help: "Current number of events waiting in the bus queue",
	})

	// ExecutionsStarted counts agent launches by mode and backend.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_executions_started_total",
		Help: "Agent executions launched",
	}, []string{"mode", "backend"})

	// ExecutionsFinished counts terminal execution outcomes.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_executions_finished_total",
		Help: "Agent executions reaching a terminal status",
	}, []string{"status"})

	// ActiveExecutions tracks pending plus running executions.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_grid_active_executions",
		Help: "Current number of pending and running executions",
	})

	// ClaimsLost counts issue claims lost to a concurrent handler.
	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_grid_claims_lost_total",
		Help: "Issue claims lost to a concurrent claimant",
	})

	// BudgetRejections counts launches skipped by the concurrency budget.
	BudgetRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_grid_budget_rejections_total",
		Help: "Launches skipped because the execution budget was exhausted",
	})

	// ClassifierResults counts classification outcomes by category.
	ClassifierResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_classifier_results_total",
		Help: "Issue classification outcomes",
	}, []string{"category"})

	// CycleRuns counts completed management-loop cycles.
	CycleRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_grid_cycle_runs_total",
		Help: "Management loop cycles completed",
	})

	// CyclePhaseErrors counts phase failures inside the management loop.
	CyclePhaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_cycle_phase_errors_total",
		Help: "Errors raised by individual management loop phases",
	}, []string{"phase"})

	// CycleDuration tracks wall-clock duration of a full cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_grid_cycle_duration_seconds",
		Help:    "Duration of a full management loop cycle",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// TrackerCalls counts outbound issue-tracker API calls by outcome.
	TrackerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_grid_tracker_calls_total",
		Help: "Outbound issue tracker API calls",
	}, []string{"method", "outcome"})
)
