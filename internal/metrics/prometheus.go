package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Collector backed by client_golang. Metrics are registered
// on first use.
type Prometheus struct {
	reg       *prometheus.Registry
	namespace string
	once      sync.Once

	assignments       *prometheus.CounterVec
	annotatorWrites   *prometheus.CounterVec
	assignmentLatency prometheus.Histogram
	storeSwitches     *prometheus.CounterVec
	openConnections   prometheus.Gauge
	imports           *prometheus.CounterVec
	importedConvs     prometheus.Counter
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector with its own registry. namespace
// defaults to "annotd".
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "annotd"
	}
	return &Prometheus{reg: prometheus.NewRegistry(), namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assign",
			Name:      "calls_total",
			Help:      "Assignment calls by mode and result.",
		}, []string{"mode", "result"})
		p.annotatorWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assign",
			Name:      "annotator_writes_total",
			Help:      "Per-annotator assignment writes by result.",
		}, []string{"result"})
		p.assignmentLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "assign",
			Name:      "duration_seconds",
			Help:      "Duration of assignment calls in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		})
		p.storeSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "switches_total",
			Help:      "Active store switches by scope (global, user) and result.",
		}, []string{"scope", "result"})
		p.openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "open_connections",
			Help:      "Backing store handles currently open.",
		})
		p.imports = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "import",
			Name:      "jobs_total",
			Help:      "Import jobs by result.",
		}, []string{"result"})
		p.importedConvs = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "import",
			Name:      "conversations_total",
			Help:      "Conversations written by import jobs.",
		})

		p.reg.MustRegister(
			p.assignments,
			p.annotatorWrites,
			p.assignmentLatency,
			p.storeSwitches,
			p.openConnections,
			p.imports,
			p.importedConvs,
		)
	})
}

func (p *Prometheus) RecordAssignment(mode, result string) {
	p.ensureRegistered()
	p.assignments.WithLabelValues(mode, result).Inc()
}

func (p *Prometheus) RecordAnnotatorWrite(result string) {
	p.ensureRegistered()
	p.annotatorWrites.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveAssignmentLatency(seconds float64) {
	p.ensureRegistered()
	p.assignmentLatency.Observe(seconds)
}

func (p *Prometheus) RecordStoreSwitch(scope, result string) {
	p.ensureRegistered()
	p.storeSwitches.WithLabelValues(scope, result).Inc()
}

func (p *Prometheus) SetOpenConnections(n int) {
	p.ensureRegistered()
	p.openConnections.Set(float64(n))
}

func (p *Prometheus) RecordImport(result string, conversations int) {
	p.ensureRegistered()
	p.imports.WithLabelValues(result).Inc()
	if conversations > 0 {
		p.importedConvs.Add(float64(conversations))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	p.ensureRegistered()
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
