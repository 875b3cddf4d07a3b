package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdevd_events_enqueued_total",
		Help: "Total number of uevents placed on the dispatch queue, labelled by action.",
	}, []string{"action"})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdevd_events_processed_total",
		Help: "Total number of uevents fully processed by the engine.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdevd_events_dropped_total",
		Help: "Total number of uevents rejected or discarded because the engine was stopping.",
	})

	RulesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdevd_rules_matched_total",
		Help: "Total number of rule matches, labelled by rule line (0 is the default action).",
	}, []string{"line"})

	NodeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdevd_node_operations_total",
		Help: "Total number of device node operations, labelled by operation and status.",
	}, []string{"op", "status"})

	HooksRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdevd_hooks_run_total",
		Help: "Total number of hook commands run, labelled by runner and status.",
	}, []string{"runner", "status"})

	HookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mdevd_hook_duration_ms",
		Help:    "Hook command wall time in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
	})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mdevd_event_processing_duration_ms",
		Help:    "End-to-end uevent processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdevd_queue_utilization_ratio",
		Help: "Current dispatch queue utilization (0 to 1).",
	})

	RulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mdevd_rules_loaded",
		Help: "Number of rules in the active rule set.",
	})

	RuleReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdevd_rule_reloads_total",
		Help: "Total number of rule reload attempts, labelled by status.",
	}, []string{"status"})

	RuleDiagnostics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mdevd_rule_diagnostics_total",
		Help: "Total number of invalid rule lines skipped under the lenient parse policy.",
	})
)
