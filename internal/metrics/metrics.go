package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	NAMESPACE = "flowguard"
)

var (
	CacheDestinations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "flowcache_destinations",
			Help:      "Destination hosts currently tracked.",
			Namespace: NAMESPACE,
		},
	)
	CacheSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "flowcache_sources",
			Help:      "Source hosts currently tracked across all destinations.",
			Namespace: NAMESPACE,
		},
	)
	CacheFlows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "flowcache_flows",
			Help:      "Flow records currently tracked.",
			Namespace: NAMESPACE,
		},
	)
	CacheInserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flowcache_inserts_total",
			Help:      "Flow records created.",
			Namespace: NAMESPACE,
		},
		[]string{"kind"}, // observed, injected
	)
	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flowcache_evictions_total",
			Help:      "Flow records removed.",
			Namespace: NAMESPACE,
		},
		[]string{"reason"}, // flow_ttl, host_ttl, delete, clear
	)
	CacheCapacityErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flowcache_capacity_errors_total",
			Help:      "Entries refused because a capacity limit was reached.",
			Namespace: NAMESPACE,
		},
		[]string{"level"}, // destination, source, flow
	)
	CacheInconsistencies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "flowcache_inconsistencies_total",
			Help:      "Aggregate counts found to disagree with the entries they summarise.",
			Namespace: NAMESPACE,
		},
	)
	SweepDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name:       "flowcache_sweep_duration_seconds",
			Help:       "Wall time of complete sweep passes.",
			Namespace:  NAMESPACE,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
	)
	SweepSlices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "flowcache_sweep_slices_total",
			Help:      "Sweep slices run on the event loop.",
			Namespace: NAMESPACE,
		},
	)

	LoopTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "eventloop_tasks_total",
			Help:      "Tasks run by the event loop.",
			Namespace: NAMESPACE,
		},
	)
	LoopPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "eventloop_panics_total",
			Help:      "Tasks that panicked and were recovered.",
			Namespace: NAMESPACE,
		},
	)
	LoopTicksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "eventloop_ticks_skipped_total",
			Help:      "Timer ticks dropped because the previous tick had not run yet.",
			Namespace: NAMESPACE,
		},
		[]string{"timer"},
	)

	IngestPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "ingest_packets_total",
			Help:      "Observations received per source.",
			Namespace: NAMESPACE,
		},
		[]string{"source"}, // nats, pcap, replay
	)
	IngestDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "ingest_dropped_total",
			Help:      "Observations dropped before reaching the flow cache.",
			Namespace: NAMESPACE,
		},
		[]string{"reason"}, // queue_full, capacity, malformed, stopped
	)
	IngestBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "ingest_batches_total",
			Help:      "Batches posted to the event loop.",
			Namespace: NAMESPACE,
		},
	)

	TriggerMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "trigger_matches_total",
			Help:      "Rule matches leading to a ban.",
			Namespace: NAMESPACE,
		},
		[]string{"rule"},
	)
	TriggerActiveBans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:      "trigger_active_bans",
			Help:      "Destinations currently banned.",
			Namespace: NAMESPACE,
		},
	)

	ActionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "action_runs_total",
			Help:      "Action executions by outcome.",
			Namespace: NAMESPACE,
		},
		[]string{"action", "kind", "status"}, // status: ok, error
	)
	ActionDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:      "action_dropped_total",
			Help:      "Events dropped because the dispatcher queue was full.",
			Namespace: NAMESPACE,
		},
	)

	SnapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "snapshot_writes_total",
			Help:      "Snapshot exports by writer and outcome.",
			Namespace: NAMESPACE,
		},
		[]string{"writer", "status"},
	)
)

func init() {
	prometheus.MustRegister(CacheDestinations)
	prometheus.MustRegister(CacheSources)
	prometheus.MustRegister(CacheFlows)
	prometheus.MustRegister(CacheInserts)
	prometheus.MustRegister(CacheEvictions)
	prometheus.MustRegister(CacheCapacityErrors)
	prometheus.MustRegister(CacheInconsistencies)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepSlices)

	prometheus.MustRegister(LoopTasks)
	prometheus.MustRegister(LoopPanics)
	prometheus.MustRegister(LoopTicksSkipped)

	prometheus.MustRegister(IngestPackets)
	prometheus.MustRegister(IngestDropped)
	prometheus.MustRegister(IngestBatches)

	prometheus.MustRegister(TriggerMatches)
	prometheus.MustRegister(TriggerActiveBans)

	prometheus.MustRegister(ActionRuns)
	prometheus.MustRegister(ActionDropped)

	prometheus.MustRegister(SnapshotWrites)
}
