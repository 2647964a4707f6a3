package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pkgbuildd"

// builderStatuses lists every value SetBuilderStatus may receive.
var builderStatuses = []string{"IDLE", "BUILDING", "WAITING", "ABORTING"}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stateDuration *prom.HistogramVec
	stateResults  *prom.CounterVec
	buildDuration *prom.HistogramVec
	buildOutcome  *prom.CounterVec
	escalations   prom.Counter
	status        *prom.GaugeVec
	events        *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stateDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent in each build state",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"state"}),
		stateResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "state_results_total",
			Help:      "State helper results by outcome",
		}, []string{"state", "result"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   []float64{30, 60, 300, 900, 1800, 3600, 2 * 3600, 6 * 3600},
		}, []string{"build_type"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		escalations: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "abort_escalations_total",
			Help:      "Aborts where processes survived the reap timeout",
		}),
		status: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "builder_status",
			Help:      "Current builder status (1 for the active status)",
		}, []string{"status"}),
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Build events delivered to sinks",
		}, []string{"sink", "result"}),
	}
	reg.MustRegister(pr.stateDuration, pr.stateResults, pr.buildDuration, pr.buildOutcome,
		pr.escalations, pr.status, pr.events)
	return pr
}

func (p *PrometheusRecorder) ObserveStateDuration(state string, d time.Duration) {
	p.stateDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStateResult(state string, result ResultLabel) {
	p.stateResults.WithLabelValues(state, string(result)).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(buildType string, d time.Duration) {
	p.buildDuration.WithLabelValues(buildType).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncAbortEscalation() {
	p.escalations.Inc()
}

func (p *PrometheusRecorder) SetBuilderStatus(status string) {
	for _, s := range builderStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		p.status.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusRecorder) IncEventPublished(sink string, success bool) {
	res := "failed"
	if success {
		res = "success"
	}
	p.events.WithLabelValues(sink, res).Inc()
}

// HTTPHandler serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
