package platform

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

////////////////////////////////////////////////////////////////////////////////
// Pipeline telemetry (/metrics)
////////////////////////////////////////////////////////////////////////////////

const metricsNamespace = "gitops_pipeline"

// pipelineMetrics owns its registry so tests and multiple servers in one
// process do not collide. All methods are nil-safe.
type pipelineMetrics struct {
	registry      *prometheus.Registry
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	gateFailures  *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

func newPipelineMetrics() *pipelineMetrics {
	m := &pipelineMetrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run request to finalization.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage action duration by stage and outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage", "outcome"}),
		gateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gate_failures_total",
			Help:      "Stage failures caused by a tool verdict (quality gate or severity gate).",
		}, []string{"stage", "tool"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "API requests by method and status class.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stageDuration,
		m.gateFailures,
		m.webhooks,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *pipelineMetrics) handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *pipelineMetrics) observeRun(run PipelineRun) {
	if m == nil || !run.terminal() {
		return
	}
	m.runsTotal.WithLabelValues(run.Status).Inc()
	if !run.Requested.IsZero() && !run.Finished.IsZero() {
		m.runDuration.WithLabelValues(run.Status).Observe(run.Finished.Sub(run.Requested).Seconds())
	}
}

func (m *pipelineMetrics) observeStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// observeGateFailure counts only tool verdicts; infrastructure errors are not
// gate failures.
func (m *pipelineMetrics) observeGateFailure(stage string, err error) {
	if m == nil || !isGateFailure(err) {
		return
	}
	m.gateFailures.WithLabelValues(stage, gateTool(stage)).Inc()
}

func gateTool(stage string) string {
	switch stage {
	case stageStaticAnalysis:
		return "sonarqube"
	case stageSecurityScan, stageBuildPush:
		return "trivy"
	default:
		return stage
	}
}

func (m *pipelineMetrics) observeWebhook(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

func (m *pipelineMetrics) observeHTTP(method string, code int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case code >= httpServerErrThreshold:
		class = "5xx"
	case code >= httpClientErrThreshold:
		class = "4xx"
	case code >= 300:
		class = "3xx"
	}
	m.httpRequests.WithLabelValues(method, class).Inc()
}
