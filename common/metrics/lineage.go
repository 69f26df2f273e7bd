package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "lineage"

// Metrics holds the Prometheus collectors for lineage operations
type Metrics struct {
	Registry *prometheus.Registry

	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	unitsCreated  *prometheus.CounterVec
	seqCollisions prometheus.Counter
	compensations *prometheus.CounterVec
	treeNodes     *prometheus.HistogramVec
}

// New creates collectors on a fresh registry together with the Go runtime,
// process and system info collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lineage operations by outcome (ok or error kind).",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Lineage operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		unitsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_created_total",
			Help:      "Units created by origin type.",
		}, []string{"origin"}),
		seqCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_collisions_total",
			Help:      "Generated unit numbers that already existed and were retried.",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensation runs after a failed write step, by result.",
		}, []string{"operation", "result"}),
		treeNodes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tree_nodes",
			Help:      "Nodes returned per lineage query.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.operations,
		m.duration,
		m.unitsCreated,
		m.seqCollisions,
		m.compensations,
		m.treeNodes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newSystemInfoCollector(GetSystemInfo()),
	)

	return m
}

// ObserveOperation records the outcome and latency of one operation
func (m *Metrics) ObserveOperation(operation, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// UnitsCreated counts n new units of the given origin
func (m *Metrics) UnitsCreated(origin string, n int) {
	if m == nil {
		return
	}
	m.unitsCreated.WithLabelValues(origin).Add(float64(n))
}

// SequenceCollision counts one retried unit number
func (m *Metrics) SequenceCollision() {
	if m == nil {
		return
	}
	m.seqCollisions.Inc()
}

// Compensation counts one compensation run; result is "compensated" or "partial"
func (m *Metrics) Compensation(operation, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(operation, result).Inc()
}

// TreeSize records how many nodes a lineage query returned
func (m *Metrics) TreeSize(direction string, nodes int) {
	if m == nil {
		return
	}
	m.treeNodes.WithLabelValues(direction).Observe(float64(nodes))
}
