package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// HTTP API
////////////////////////////////////////////////////////////////////////////////

type API struct {
	cfg       Config
	js        jetstream.JetStream
	store     *Store
	creds     *CredentialStore
	artifacts ArtifactStore
	waiters   *waiterHub
	events    *runEventHub
	metrics   *pipelineMetrics
	verifier  *Verifier
	webhooks  *webhookDeduper

	eventsHeartbeat time.Duration
}

func (a *API) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.Handle("GET /metrics", a.metrics.handler())

	// Applications
	mux.HandleFunc("GET /api/apps", a.handleListApps)
	mux.HandleFunc("POST /api/apps", a.handleCreateApp)
	mux.HandleFunc("GET /api/apps/{id}", a.handleGetApp)
	mux.HandleFunc("PUT /api/apps/{id}", a.handleUpdateApp)
	mux.HandleFunc("DELETE /api/apps/{id}", a.handleDeleteApp)
	mux.HandleFunc("GET /api/apps/{id}/argo-application", a.handleAppArgoApplication)

	// Runs
	mux.HandleFunc("POST /api/apps/{id}/runs", a.handleTriggerRun)
	mux.HandleFunc("GET /api/apps/{id}/runs", a.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", a.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", a.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/artifacts", a.handleListRunArtifacts)
	mux.HandleFunc("GET /api/runs/{id}/artifacts/{path...}", a.handleReadRunArtifact)

	// CI trigger
	mux.HandleFunc("POST /api/webhooks/github", a.handleGitHubWebhook)

	// Credential contract
	mux.HandleFunc("GET /api/credentials", a.handleListCredentials)
	mux.HandleFunc("PUT /api/credentials/{name}", a.handlePutCredential)
	mux.HandleFunc("DELETE /api/credentials/{name}", a.handleDeleteCredential)

	// Acceptance
	mux.HandleFunc("GET /api/verify", a.handleVerify)
	mux.HandleFunc("GET /api/bootstrap/plan", a.handleBootstrapPlan)

	return a.withRequestLogging(mux)
}

type statusRecorder struct {
	http.ResponseWriter

	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

// Flush keeps SSE working through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *API) withRequestLogging(next http.Handler) http.Handler {
	apiLog := appLoggerForProcess().Source("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{
			ResponseWriter: w,
			status:         0,
		}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		a.metrics.observeHTTP(r.Method, rec.status)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		dur := time.Since(started).Round(time.Millisecond)
		msg := fmt.Sprintf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, dur)
		switch {
		case rec.status >= httpServerErrThreshold:
			apiLog.Errorf("%s", msg)
		case rec.status >= httpClientErrThreshold:
			apiLog.Warnf("%s", msg)
		default:
			apiLog.Infof("%s", msg)
		}
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if a.verifier == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "verifier unavailable")
		return
	}
	verifier := *a.verifier
	apps, err := a.store.ListApps(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list applications")
		return
	}
	if len(verifier.apps) == 0 {
		for _, app := range apps {
			verifier.apps = append(verifier.apps, app.Spec.ArgoApp)
		}
	}
	report := verifier.Verify(r.Context())
	code := http.StatusOK
	if !report.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (a *API) handleBootstrapPlan(w http.ResponseWriter, r *http.Request) {
	steps := BootstrapPlan(a.cfg)
	if a.creds != nil {
		if accountID, err := a.creds.GetCredential(r.Context(), credAccountID); err == nil {
			steps = withAccountID(steps, accountID)
		}
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(formatBootstrapPlan(steps) + "\n"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func pathID(r *http.Request, name string) (string, bool) {
	id := strings.TrimSpace(r.PathValue(name))
	if id == "" || strings.ContainsAny(id, "/\\.") {
		return "", false
	}
	return id, true
}

// writeStoreError maps store sentinels onto status codes.
func writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, ErrApplicationNotFound), errors.Is(err, ErrRunNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrApplicationExists):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, what+": timeout")
	default:
		writeJSONError(w, http.StatusInternalServerError, "failed to "+what)
	}
}
