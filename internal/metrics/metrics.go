package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CounterStoreOp identifies the counter-store method being instrumented.
type CounterStoreOp string

const (
	// CounterStoreOpBuild records pipeline build calls.
	CounterStoreOpBuild CounterStoreOp = "build"
	// CounterStoreOpExecute records pipeline execute calls.
	CounterStoreOpExecute CounterStoreOp = "execute"
)

// CounterStoreOutcome captures the result of a counter-store round trip.
type CounterStoreOutcome string

const (
	// CounterStoreOutcomeOK indicates the pipeline executed and decoded cleanly.
	CounterStoreOutcomeOK CounterStoreOutcome = "ok"
	// CounterStoreOutcomeConnectError indicates the store could not be reached (fail-open).
	CounterStoreOutcomeConnectError CounterStoreOutcome = "connect_error"
	// CounterStoreOutcomeDecodeError indicates one or more per-query results failed to decode.
	CounterStoreOutcomeDecodeError CounterStoreOutcome = "decode_error"
)

// Recorder publishes Prometheus metrics for pipeline activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	decisions     *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	counterStore  *prometheus.CounterVec
	counterLatenc *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentry",
		Subsystem: "pipeline",
		Name:      "decisions_total",
		Help:      "Total requests evaluated by the pipeline, by outcome and dominant initiator.",
	}, []string{"policy", "outcome", "initiator", "block_mode"})

	stageLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentry",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Latency distribution for a pipeline stage (init/query/finish) or a whole run (analyze).",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"stage"})

	counterStore := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentry",
		Subsystem: "counterstore",
		Name:      "operations_total",
		Help:      "Counter-store pipeline operations, by op and outcome.",
	}, []string{"op", "outcome"})

	counterLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sentry",
		Subsystem: "counterstore",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for counter-store round trips.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"op", "outcome"})

	reg.MustRegister(decisions, stageLatency, counterStore, counterLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:      reg,
		handler:       handler,
		decisions:     decisions,
		stageLatency:  stageLatency,
		counterStore:  counterStore,
		counterLatenc: counterLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveDecision records the outcome of a completed pipeline evaluation.
func (r *Recorder) ObserveDecision(policy, outcome, initiator string, blockMode bool) {
	if r == nil {
		return
	}
	blockLabel := "false"
	if blockMode {
		blockLabel = "true"
	}
	r.decisions.WithLabelValues(normalizeLabel(policy), normalizeLabel(outcome), normalizeLabel(initiator), blockLabel).Inc()
}

// ObserveStage records the latency of one pipeline stage (init/query/finish)
// or of a whole pipeline run, which the analyze handler labels "analyze".
func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageLatency.WithLabelValues(normalizeLabel(stage)).Observe(duration.Seconds())
}

// ObserveCounterStore records a counter-store pipeline operation.
func (r *Recorder) ObserveCounterStore(op CounterStoreOp, outcome CounterStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(op)
	if opLabel == "" {
		opLabel = string(CounterStoreOpExecute)
	}
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(CounterStoreOutcomeOK)
	}
	r.counterStore.WithLabelValues(opLabel, outcomeLabel).Inc()
	r.counterLatenc.WithLabelValues(opLabel, outcomeLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
