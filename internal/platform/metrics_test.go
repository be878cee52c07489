//nolint:testpackage // Metrics collectors are unexported.
package platform

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObserveRunOnlyCountsTerminal(t *testing.T) {
	t.Parallel()

	m := newPipelineMetrics()
	start := time.Now().Add(-time.Minute)
	m.observeRun(PipelineRun{Status: runStatusRunning})
	m.observeRun(PipelineRun{Status: runStatusDone, Requested: start, Finished: start.Add(45 * time.Second)})
	m.observeRun(PipelineRun{Status: runStatusError})

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues(runStatusDone)); got != 1 {
		t.Fatalf("done runs = %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues(runStatusError)); got != 1 {
		t.Fatalf("error runs = %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues(runStatusRunning)); got != 0 {
		t.Fatalf("running runs must not be counted, got %v", got)
	}
}

func TestMetrics_GateFailuresIgnoreInfraErrors(t *testing.T) {
	t.Parallel()

	m := newPipelineMetrics()
	m.observeGateFailure(stageStaticAnalysis, fmt.Errorf("sonar: %w", ErrQualityGateFailed))
	m.observeGateFailure(stageSecurityScan, fmt.Errorf("trivy fs: %w", ErrScanGateFailed))
	m.observeGateFailure(stageSecurityScan, errors.New("trivy: executable file not found"))

	if got := testutil.ToFloat64(m.gateFailures.WithLabelValues(stageStaticAnalysis, "sonarqube")); got != 1 {
		t.Fatalf("sonar gate failures = %v", got)
	}
	if got := testutil.ToFloat64(m.gateFailures.WithLabelValues(stageSecurityScan, "trivy")); got != 1 {
		t.Fatalf("trivy gate failures = %v", got)
	}
}

func TestMetrics_HTTPStatusClasses(t *testing.T) {
	t.Parallel()

	m := newPipelineMetrics()
	for _, code := range []int{200, 201, 302, 404, 409, 503} {
		m.observeHTTP(http.MethodGet, code)
	}
	for class, want := range map[string]float64{"2xx": 2, "3xx": 1, "4xx": 2, "5xx": 1} {
		if got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, class)); got != want {
			t.Fatalf("%s = %v, want %v", class, got, want)
		}
	}
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := newPipelineMetrics()
	m.observeWebhook(webhookResultAccepted)
	m.observeStage(stageCheckout, true, 2*time.Second)

	srv := httptest.NewServer(m.handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`gitops_pipeline_webhook_deliveries_total{result="accepted"} 1`,
		`gitops_pipeline_stage_duration_seconds_count{outcome="success",stage="checkout"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *pipelineMetrics
	m.observeRun(PipelineRun{Status: runStatusDone})
	m.observeStage(stageCheckout, false, time.Second)
	m.observeGateFailure(stageSecurityScan, ErrScanGateFailed)
	m.observeWebhook(webhookResultIgnored)
	m.observeHTTP(http.MethodPost, 500)

	rec := httptest.NewRecorder()
	m.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("nil metrics handler should 404, got %d", rec.Code)
	}
}
