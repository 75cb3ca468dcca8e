// Package observability provides metrics collection for the sync core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector records the sync core's operational counters. A no-op
// implementation is used when metrics are disabled.
type MetricsCollector interface {
	// UpdateApplied counts one in-memory apply, labeled by source kind.
	UpdateApplied(sourceKind string)
	// ConflictResolved counts one resolved conflict, labeled by conflict
	// type and resolver strategy.
	ConflictResolved(conflictType, strategy string)
	// OperationFinished counts one terminal persistence operation, labeled
	// by status (completed, failed, cancelled).
	OperationFinished(status string)
	// RollbackPerformed counts one optimistic-state rollback.
	RollbackPerformed()
	// TrackedOperations sets the number of live persistence operations.
	TrackedOperations(n int)
	// BatchCommitted counts one committed batch.
	BatchCommitted()
}

// PrometheusCollector implements MetricsCollector on a prometheus registry.
type PrometheusCollector struct {
	updatesApplied *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	operations     *prometheus.CounterVec
	rollbacks      prometheus.Counter
	batches        prometheus.Counter
	trackedOps     prometheus.Gauge
}

var _ MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates and registers the collector's metrics on
// the given registerer (pass prometheus.DefaultRegisterer outside tests).
func NewPrometheusCollector(namespace string, reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		updatesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Node updates applied to the in-memory store.",
		}, []string{"source"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts detected and resolved.",
		}, []string{"type", "strategy"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_operations_total",
			Help:      "Persistence operations by terminal status.",
		}, []string{"status"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Optimistic-state rollbacks after failed durable writes.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Batched change sets committed as a single write.",
		}),
		trackedOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_operations",
			Help:      "Live persistence operations currently tracked.",
		}),
	}
	reg.MustRegister(c.updatesApplied, c.conflicts, c.operations, c.rollbacks, c.batches, c.trackedOps)
	return c
}

func (c *PrometheusCollector) UpdateApplied(sourceKind string) {
	c.updatesApplied.WithLabelValues(sourceKind).Inc()
}

func (c *PrometheusCollector) ConflictResolved(conflictType, strategy string) {
	c.conflicts.WithLabelValues(conflictType, strategy).Inc()
}

func (c *PrometheusCollector) OperationFinished(status string) {
	c.operations.WithLabelValues(status).Inc()
}

func (c *PrometheusCollector) RollbackPerformed() {
	c.rollbacks.Inc()
}

func (c *PrometheusCollector) TrackedOperations(n int) {
	c.trackedOps.Set(float64(n))
}

func (c *PrometheusCollector) BatchCommitted() {
	c.batches.Inc()
}

// NoopCollector discards all metrics.
type NoopCollector struct{}

var _ MetricsCollector = NoopCollector{}

func (NoopCollector) UpdateApplied(string)            {}
func (NoopCollector) ConflictResolved(string, string) {}
func (NoopCollector) OperationFinished(string)        {}
func (NoopCollector) RollbackPerformed()              {}
func (NoopCollector) TrackedOperations(int)           {}
func (NoopCollector) BatchCommitted()                 {}
