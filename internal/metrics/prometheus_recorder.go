package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry      *prom.Registry
	runDuration   prom.Histogram
	stepDuration  *prom.HistogramVec
	runOutcomes   *prom.CounterVec
	eventsTotal   *prom.CounterVec
	triggerMatch  *prom.CounterVec
	queueLength   prom.Gauge
	activeRuns    prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}

	pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "docflow",
		Name:      "run_duration_seconds",
		Help:      "Total duration of workflow runs",
		Buckets:   prom.DefBuckets,
	})
	pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "docflow",
		Name:      "step_duration_seconds",
		Help:      "Duration of individual steps",
		Buckets:   prom.DefBuckets,
	}, []string{"step"})
	pr.runOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "docflow",
		Name:      "run_outcomes_total",
		Help:      "Run outcomes by terminal status",
	}, []string{"outcome"})
	pr.eventsTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "docflow",
		Name:      "events_received_total",
		Help:      "Repository events received by type",
	}, []string{"event"})
	pr.triggerMatch = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "docflow",
		Name:      "trigger_evaluations_total",
		Help:      "Trigger evaluations by workflow and result",
	}, []string{"workflow", "matched"})
	pr.queueLength = prom.NewGauge(prom.GaugeOpts{
		Namespace: "docflow",
		Name:      "queue_length",
		Help:      "Current number of queued runs",
	})
	pr.activeRuns = prom.NewGauge(prom.GaugeOpts{
		Namespace: "docflow",
		Name:      "active_runs",
		Help:      "Number of runs currently executing",
	})

	reg.MustRegister(pr.runDuration, pr.stepDuration, pr.runOutcomes,
		pr.eventsTotal, pr.triggerMatch, pr.queueLength, pr.activeRuns)
	return pr
}

// Handler returns the HTTP handler serving the registry.
func (pr *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(pr.registry, promhttp.HandlerOpts{})
}

func (pr *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	pr.runDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	pr.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncRunOutcome(outcome string) {
	pr.runOutcomes.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) IncEventReceived(eventType string) {
	pr.eventsTotal.WithLabelValues(eventType).Inc()
}

func (pr *PrometheusRecorder) IncTriggerMatch(workflow string, matched bool) {
	m := "false"
	if matched {
		m = "true"
	}
	pr.triggerMatch.WithLabelValues(workflow, m).Inc()
}

func (pr *PrometheusRecorder) SetQueueLength(n int) {
	pr.queueLength.Set(float64(n))
}

func (pr *PrometheusRecorder) SetActiveRuns(n int) {
	pr.activeRuns.Set(float64(n))
}
