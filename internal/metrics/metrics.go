// Package metrics exposes Prometheus collectors for the replication
// scheduler, driver, and trigger synthesizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors this agent registers. It is constructed
// once and threaded through the components that observe it, mirroring the
// teacher's PoolMetrics/prometheus.go pattern of metrics-on-every-call
// rather than a package-global registry.
type Registry struct {
	TicksTotal        *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	ChangesFetched    *prometheus.CounterVec
	ChangesApplied    *prometheus.CounterVec
	ChangesSkipped    *prometheus.CounterVec
	ApplyErrors       *prometheus.CounterVec
	ConflictsTotal    *prometheus.CounterVec
	MisfiresTotal     prometheus.Counter
	TriggersInstalled *prometheus.CounterVec
	TriggerErrors     *prometheus.CounterVec
}

// NewRegistry creates and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "ticks_total",
			Help:      "Completed scheduler ticks, labeled by outcome.",
		}, []string{"outcome"}),

		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbsync",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of a scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		ChangesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "changes_fetched_total",
			Help:      "Change records read from change_log for a target node.",
		}, []string{"pair", "table"}),

		ChangesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "changes_applied_total",
			Help:      "Change records applied to a target database.",
		}, []string{"pair", "table", "operation"}),

		ChangesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "changes_skipped_total",
			Help:      "Change records skipped (loop prevention or conflict resolution).",
		}, []string{"pair", "table", "reason"}),

		ApplyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "apply_errors_total",
			Help:      "Errors applying a change to a target database.",
		}, []string{"pair", "table"}),

		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected, labeled by type and resolution outcome.",
		}, []string{"pair", "table", "conflict_type", "resolution"}),

		MisfiresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "scheduler_misfires_total",
			Help:      "Scheduler ticks that started later than interval+grace after the previous one.",
		}),

		TriggersInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "triggers_installed_total",
			Help:      "Change-capture triggers successfully (re)installed.",
		}, []string{"pair", "side", "table"}),

		TriggerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsync",
			Name:      "trigger_errors_total",
			Help:      "Trigger installation failures.",
		}, []string{"pair", "side", "table"}),
	}

	reg.MustRegister(
		m.TicksTotal, m.TickDuration, m.ChangesFetched, m.ChangesApplied,
		m.ChangesSkipped, m.ApplyErrors, m.ConflictsTotal, m.MisfiresTotal,
		m.TriggersInstalled, m.TriggerErrors,
	)
	return m
}

// NewTestRegistry builds a Registry against a fresh, unregistered prometheus
// registry — handy in tests that don't want to touch the global default
// registry.
func NewTestRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewRegistry(reg), reg
}
