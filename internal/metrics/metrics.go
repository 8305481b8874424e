// Package metrics registers the Prometheus instruments for the storage
// backend. The registry is injected so tests can use an isolated instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage backend.
type Metrics struct {
	// Index cache reconciliation outcomes, recorded on every status call.
	IdxCacheConsistentTotal   prometheus.Counter
	IdxCacheInconsistentTotal prometheus.Counter

	// Operation outcomes by backend operation name.
	OperationsTotal *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
}

// New creates and registers all metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IdxCacheConsistentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shellvault",
			Subsystem: "store",
			Name:      "idx_cache_consistent_total",
			Help:      "Status calls where the index cache matched the authoritative aggregation",
		}),
		IdxCacheInconsistentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shellvault",
			Subsystem: "store",
			Name:      "idx_cache_inconsistent_total",
			Help:      "Status calls where the index cache diverged from the authoritative aggregation",
		}),
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellvault",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Backend operations by name",
		}, []string{"operation"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellvault",
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Failed backend operations by name",
		}, []string{"operation"}),
	}
}
