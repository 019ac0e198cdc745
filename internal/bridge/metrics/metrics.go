// Package metrics provides Prometheus instrumentation for the bridge,
// exposed by httpapi.Server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync/ingest metrics (M3).
var (
	EventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_events_ingested_total",
		Help: "Total number of sync events accepted by the Ingestor, by outcome.",
	}, []string{"outcome"})
)

// Reconciler metrics (M2).
var (
	ReconcileCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_reconcile_cycles_total",
		Help: "Total number of reconcile cycles run, by result.",
	}, []string{"result"})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_reconcile_duration_seconds",
		Help:    "Duration of a single reconcile cycle.",
		Buckets: prometheus.DefBuckets,
	})
)

// Router metrics (C1).
var (
	ActiveSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_task_slots",
		Help: "Number of (room, agent) slots currently processing a task.",
	})

	QueuedTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queued_tasks",
		Help: "Number of tasks currently waiting behind an in-flight slot.",
	})

	DroppedTasksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dropped_tasks_total",
		Help: "Total number of messages dropped because a slot's queue was full.",
	})
)

// Provisioning health (X1 /health/provisioning).
var (
	MappingsMissingRoom = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_mappings_missing_room",
		Help: "Number of active agent mappings that have not yet been provisioned a room.",
	})
)
