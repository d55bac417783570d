package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes engine counters on a dedicated registry so tests can create
// isolated instances without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	instructionsCreated  prometheus.Counter
	instructionsSettled  prometheus.Counter
	instructionsFailed   prometheus.Counter
	instructionsRejected *prometheus.CounterVec
	cyclesCompleted      prometheus.Counter
	cyclesFailed         prometheus.Counter
	queueDepth           prometheus.Gauge
	cycleDuration        prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instructionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_instructions_created_total",
			Help: "Instructions accepted into the pending queue.",
		}),
		instructionsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_instructions_settled_total",
			Help: "Instructions settled through the ledger gateway.",
		}),
		instructionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_instructions_failed_total",
			Help: "Instructions failed during cycle execution.",
		}),
		instructionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_instructions_rejected_total",
			Help: "Instructions rejected at intake, by reason.",
		}, []string{"reason"}),
		cyclesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_cycles_completed_total",
			Help: "Settlement cycles that finished processing.",
		}),
		cyclesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_cycles_failed_total",
			Help: "Settlement cycles aborted before processing any instruction.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_pending_queue_depth",
			Help: "Instructions currently waiting for the next cycle.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_cycle_duration_seconds",
			Help:    "Wall-clock duration of settlement cycles.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.instructionsCreated,
		m.instructionsSettled,
		m.instructionsFailed,
		m.instructionsRejected,
		m.cyclesCompleted,
		m.cyclesFailed,
		m.queueDepth,
		m.cycleDuration,
	)

	return m
}

func (m *Metrics) InstructionCreated() { m.instructionsCreated.Inc() }
func (m *Metrics) InstructionSettled() { m.instructionsSettled.Inc() }
func (m *Metrics) InstructionFailed() { m.instructionsFailed.Inc() }
func (m *Metrics) InstructionRejected(reason string) {
	m.instructionsRejected.WithLabelValues(reason).Inc()
}
func (m *Metrics) CycleCompleted(duration time.Duration) {
	m.cyclesCompleted.Inc()
	m.cycleDuration.Observe(duration.Seconds())
}
func (m *Metrics) CycleFailed() { m.cyclesFailed.Inc() }
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
