// Package telemetry provides in-process counters and gauges with labels,
// exported via Prometheus. Unlike a package-level singleton, Telemetry is an
// explicit object constructed once and threaded through every component
// that needs it, so a test double can be swapped in.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botcore"

// Telemetry is the engine's metrics surface. All methods are safe for
// concurrent use.
type Telemetry struct {
	registry *prometheus.Registry

	turnsPersisted     *prometheus.CounterVec
	factsExtracted     *prometheus.CounterVec
	throttleDecisions  *prometheus.CounterVec
	generationLatency  *prometheus.HistogramVec
	generationErrors   *prometheus.CounterVec
	embeddingErrors    *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	resourcePressure   prometheus.Gauge
	factQueueDropped   prometheus.Counter
	noticesSent        *prometheus.CounterVec
	cpuPercent         prometheus.Gauge
	memoryPercent      prometheus.Gauge
}

// New constructs a Telemetry bound to a fresh registry.
func New() *Telemetry {
	registry := prometheus.NewRegistry()

	t := &Telemetry{
		registry: registry,
		turnsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_persisted_total",
			Help: "Total persisted turns by role.",
		}, []string{"role"}),
		factsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "facts_extracted_total",
			Help: "Total fact candidates extracted by source.",
		}, []string{"source"}),
		throttleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "throttle_decisions_total",
			Help: "Total throttle gate decisions.",
		}, []string{"decision"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generation_latency_seconds",
			Help:    "Generation Client call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
		generationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "generation_errors_total",
			Help: "Total generation errors by kind.",
		}, []string{"kind"}),
		embeddingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "embedding_errors_total",
			Help: "Total embedding call failures.",
		}, []string{"kind"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed 1=open 2=half_open.",
		}, []string{"name"}),
		resourcePressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "resource_pressure_level",
			Help: "Resource optimizer level: 0=normal 1=optimized 2=emergency.",
		}),
		factQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fact_queue_dropped_total",
			Help: "Fact extraction tasks dropped because the worker queue was full.",
		}),
		noticesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notices_sent_total",
			Help: "Canonical fallback notices actually emitted, by reason.",
		}, []string{"reason"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cpu_usage_percent",
			Help: "Last sampled host CPU percent.",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_usage_percent",
			Help: "Last sampled host memory percent.",
		}),
	}

	registry.MustRegister(
		t.turnsPersisted, t.factsExtracted, t.throttleDecisions,
		t.generationLatency, t.generationErrors, t.embeddingErrors,
		t.circuitState, t.resourcePressure, t.factQueueDropped,
		t.noticesSent, t.cpuPercent, t.memoryPercent,
	)

	return t
}

func (t *Telemetry) IncTurnPersisted(role string)      { t.turnsPersisted.WithLabelValues(role).Inc() }
func (t *Telemetry) IncFactsExtracted(source string, n int) {
	t.factsExtracted.WithLabelValues(source).Add(float64(n))
}
func (t *Telemetry) IncThrottleDecision(decision string) {
	t.throttleDecisions.WithLabelValues(decision).Inc()
}
func (t *Telemetry) ObserveGenerationLatency(outcome string, seconds float64) {
	t.generationLatency.WithLabelValues(outcome).Observe(seconds)
}
func (t *Telemetry) IncGenerationError(kind string) { t.generationErrors.WithLabelValues(kind).Inc() }
func (t *Telemetry) IncEmbeddingError(kind string)  { t.embeddingErrors.WithLabelValues(kind).Inc() }
func (t *Telemetry) SetCircuitState(name string, state int) {
	t.circuitState.WithLabelValues(name).Set(float64(state))
}
func (t *Telemetry) SetResourcePressure(level int) { t.resourcePressure.Set(float64(level)) }
func (t *Telemetry) IncFactQueueDropped()          { t.factQueueDropped.Inc() }
func (t *Telemetry) IncNoticeSent(reason string)   { t.noticesSent.WithLabelValues(reason).Inc() }
func (t *Telemetry) SetCPUPercent(v float64)       { t.cpuPercent.Set(v) }
func (t *Telemetry) SetMemoryPercent(v float64)    { t.memoryPercent.Set(v) }

// Handler returns the HTTP handler serving this Telemetry's metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for tests that want to
// register additional collectors.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }
