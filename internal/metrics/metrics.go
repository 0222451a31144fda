// Package metrics holds the engine's prometheus collectors. Collectors are
// registered once at import through promauto; packages record into them
// directly rather than carrying a metrics handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Command and event processing.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_events_processed_total",
			Help: "Total number of events processed",
		},
		[]string{"workflow_type"},
	)

	CommandsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_commands_processed_total",
			Help: "Total number of commands processed",
		},
		[]string{"workflow_type", "status"},
	)

	CommandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleuve_command_latency_seconds",
			Help:    "Time taken to process a command (decide + fold + store write)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type"},
	)

	WorkflowErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_workflow_errors_total",
			Help: "Total number of workflow errors",
		},
		[]string{"workflow_type", "error_type"},
	)

	StateLoadTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleuve_state_load_seconds",
			Help:    "Time taken to load or replay workflow state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type"},
	)

	ActiveWorkflows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleuve_active_workflows",
			Help: "Number of active (non-cancelled, non-paused) workflows",
		},
		[]string{"workflow_type"},
	)

	// Actions.
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_actions_executed_total",
			Help: "Total number of actions executed",
		},
		[]string{"workflow_type"},
	)

	FailedActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_failed_actions_total",
			Help: "Total number of actions that permanently failed after all retries",
		},
		[]string{"workflow_type", "error_type"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleuve_action_duration_seconds",
			Help:    "Duration of action execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type"},
	)

	// Delays.
	PendingDelays = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleuve_pending_delays",
			Help: "Number of pending delay schedules",
		},
		[]string{"workflow_type"},
	)

	// Truncation.
	TruncatedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_truncated_events_total",
			Help: "Events deleted below snapshots by the truncator",
		},
		[]string{"workflow_type"},
	)

	// State cache.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_cache_hits_total",
			Help: "State cache hits",
		},
		[]string{"workflow_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_cache_misses_total",
			Help: "State cache misses",
		},
		[]string{"workflow_type"},
	)

	// Outbox publisher.
	OutboxEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_outbox_events_published_total",
			Help: "Events published from the outbox to NATS JetStream",
		},
		[]string{"workflow_type"},
	)

	OutboxPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_outbox_publish_failures_total",
			Help: "Failed outbox publish attempts",
		},
		[]string{"workflow_type", "error_type"},
	)

	OutboxQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleuve_outbox_queue_depth",
			Help: "Number of unpublished events in the outbox",
		},
		[]string{"workflow_type"},
	)

	OutboxPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleuve_outbox_publish_latency_seconds",
			Help:    "Time taken to publish an event to JetStream",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_type"},
	)

	OutboxBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleuve_outbox_batch_size",
			Help:    "Number of events published in a single batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"workflow_type"},
	)

	// Stream readers.
	ReaderEventsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_reader_events_read_total",
			Help: "Events read by stream readers",
		},
		[]string{"workflow_type", "reader_name", "source"},
	)

	ReaderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_reader_fallback_activated_total",
			Help: "Times a hybrid reader fell back to the Postgres log",
		},
		[]string{"workflow_type", "reader_name"},
	)

	JetStreamConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleuve_jetstream_consumer_lag",
			Help: "Lag between the JetStream consumer and the Postgres log",
		},
		[]string{"workflow_type", "consumer_name"},
	)

	JetStreamMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_jetstream_messages_consumed_total",
			Help: "Messages consumed from JetStream",
		},
		[]string{"workflow_type", "consumer_name"},
	)

	JetStreamConsumerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_jetstream_consumer_errors_total",
			Help: "Errors during JetStream consumption",
		},
		[]string{"workflow_type", "consumer_name", "error_type"},
	)

	// Outbox reconciliation.
	ReconciliationStuckEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleuve_reconciliation_stuck_events",
			Help: "Number of events stuck in unpublished state",
		},
		[]string{"workflow_type"},
	)

	ReconciliationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_reconciliation_checks_total",
			Help: "Number of reconciliation checks performed",
		},
		[]string{"workflow_type"},
	)

	// Background task supervision.
	TaskRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleuve_task_restarts_total",
			Help: "Background task restarts after a panic or error",
		},
		[]string{"task"},
	)
)

// RecordCommand records one command application and its latency.
func RecordCommand(workflowType, status string, seconds float64) {
	CommandsProcessed.WithLabelValues(workflowType, status).Inc()
	if seconds > 0 {
		CommandLatency.WithLabelValues(workflowType).Observe(seconds)
	}
}

// RecordAction records one completed action execution.
func RecordAction(workflowType string, seconds float64) {
	ActionsExecuted.WithLabelValues(workflowType).Inc()
	if seconds > 0 {
		ActionDuration.WithLabelValues(workflowType).Observe(seconds)
	}
}

// RecordOutboxBatch records one successfully published outbox batch.
func RecordOutboxBatch(workflowType string, size int, seconds float64) {
	OutboxEventsPublished.WithLabelValues(workflowType).Add(float64(size))
	OutboxBatchSize.WithLabelValues(workflowType).Observe(float64(size))
	if seconds > 0 {
		OutboxPublishLatency.WithLabelValues(workflowType).Observe(seconds)
	}
}
