//nolint:testpackage // API fixture wires unexported store, hubs and handlers.
package platform

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const testWebhookSecret = "hook-secret"

type apiFixture struct {
	api     *API
	natsURL string
	srv     *httptest.Server
	client  *Client
	close   func()
}

func (f *apiFixture) Close() {
	f.srv.Close()
	f.close()
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	ns, natsURL, nsDir, nsDirTmp, err := startEmbeddedNATS(natsStoreDirResolution{storeDir: "", isEphemeral: true})
	if err != nil {
		t.Skipf("embedded nats unavailable: %v", err)
	}
	shutdown := func() {
		ns.Shutdown()
		ns.WaitForShutdown()
		if nsDirTmp {
			_ = os.RemoveAll(nsDir)
		}
	}

	nc, err := nats.Connect(natsURL, nats.Name("api-test"))
	if err != nil {
		shutdown()
		t.Skipf("nats connect unavailable: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		_ = nc.Drain()
		shutdown()
		t.Skipf("jetstream setup unavailable: %v", err)
	}
	ctx := context.Background()
	if err := ensureWorkerDeliveryStream(ctx, js); err != nil {
		_ = nc.Drain()
		shutdown()
		t.Skipf("work stream setup unavailable: %v", err)
	}
	store, err := newStore(ctx, js)
	if err != nil {
		_ = nc.Drain()
		shutdown()
		t.Fatalf("newStore: %v", err)
	}
	events := newRunEventHub(runEventsHistoryLimit, runEventsRetention)
	store.setRunEvents(events)

	cfg := Config{ArtifactsRoot: t.TempDir(), ArgoNamespace: "argocd", AWSRegion: "us-east-1"}
	api := &API{
		cfg:             cfg,
		js:              js,
		store:           store,
		creds:           newCredentialStore(store),
		artifacts:       NewFSArtifacts(cfg.ArtifactsRoot),
		waiters:         newWaiterHub(),
		events:          events,
		metrics:         newPipelineMetrics(),
		verifier:        NewVerifier(nil, nil, nil, nil),
		webhooks:        newWebhookDeduper(webhookDedupWindow),
		eventsHeartbeat: 50 * time.Millisecond,
	}
	srv := httptest.NewServer(api.routes())
	return &apiFixture{
		api:     api,
		natsURL: natsURL,
		srv:     srv,
		client:  NewClient(srv.URL),
		close: func() {
			_ = nc.Drain()
			shutdown()
		},
	}
}

func (f *apiFixture) registerShop(t *testing.T) Application {
	t.Helper()
	app, err := f.client.RegisterApp(context.Background(), defaultThreeTierSpec(
		"shop",
		"https://github.com/acme/shop.git",
		"https://github.com/acme/shop-manifests.git",
	))
	if err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	return app
}

func (f *apiFixture) do(t *testing.T, method, path string, body []byte, header http.Header) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

////// Applications //////

func TestAPI_ApplicationLifecycle(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	defer f.Close()
	ctx := context.Background()

	app := f.registerShop(t)
	if app.ID != "shop" || app.Status.Phase != appPhaseIdle || app.Spec.ArgoApp != "shop" {
		t.Fatalf("unexpected application: %+v", app)
	}
	var apiErr *APIError
	if _, err := f.client.RegisterApp(ctx, app.Spec); !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("duplicate register should conflict, got %v", err)
	}

	apps, err := f.client.ListApps(ctx)
	if err != nil || len(apps) != 1 {
		t.Fatalf("ListApps: %v %+v", err, apps)
	}

	status, body := f.do(t, http.MethodGet, "/api/apps/shop/argo-application", nil, nil)
	if status != http.StatusOK || !strings.Contains(string(body), "repoURL: https://github.com/acme/shop-manifests.git") {
		t.Fatalf("argo application render: %d %s", status, body)
	}

	status, _ = f.do(t, http.MethodPost, "/api/apps", []byte(`{"name":"bad","unknown":1}`), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown fields should be rejected, got %d", status)
	}

	status, _ = f.do(t, http.MethodDelete, "/api/apps/shop", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete app: %d", status)
	}
	status, _ = f.do(t, http.MethodGet, "/api/apps/shop", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("deleted app should be gone, got %d", status)
	}
}

////// Runs //////

func TestAPI_ManualRunIsQueuedAndStreamed(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	defer f.Close()
	ctx := context.Background()
	f.registerShop(t)

	var apiErr *APIError
	if _, err := f.client.TriggerRun(ctx, "shop", "not-hex", false); !errors.As(err, &apiErr) ||
		apiErr.Status != http.StatusBadRequest {
		t.Fatalf("non-hex commit should be rejected, got %v", err)
	}

	run, err := f.client.TriggerRun(ctx, "shop", "abc1234", false)
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if run.Status != runStatusQueued || run.Trigger.Source != triggerManual || run.Trigger.Actor != "cli" {
		t.Fatalf("unexpected run: %+v", run)
	}
	stored, err := f.client.GetRun(ctx, run.ID)
	if err != nil || stored.ID != run.ID {
		t.Fatalf("GetRun: %v %+v", err, stored)
	}
	app, err := f.api.store.GetApp(ctx, "shop")
	if err != nil || app.Status.Phase != appPhaseRunning || app.Status.LastRunID != run.ID {
		t.Fatalf("app should be running the new run: %v %+v", err, app.Status)
	}

	status, _ := f.do(t, http.MethodDelete, "/api/apps/shop", nil, nil)
	if status != http.StatusConflict {
		t.Fatalf("deleting a busy app should conflict, got %d", status)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, f.srv.URL+"/api/runs/"+run.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)
	var first, data string
	for scanner.Scan() {
		line := scanner.Text()
		if first == "" && strings.HasPrefix(line, "event: ") {
			first = strings.TrimPrefix(line, "event: ")
		}
		if first != "" && strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if first != runEventSnapshot && first != runEventStatus {
		t.Fatalf("first event should describe the run, got %q", first)
	}
	if !strings.Contains(data, run.ID) {
		t.Fatalf("event payload should name the run: %s", data)
	}
}

////// Credentials //////

func TestAPI_CredentialContract(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	defer f.Close()
	ctx := context.Background()

	report, err := f.client.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if report.Complete || len(report.Missing) != len(RequiredCredentials()) {
		t.Fatalf("fresh store should be missing everything: %+v", report)
	}

	if err := f.client.PutCredential(ctx, "Account_ID", "123456789012"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if err := f.client.PutCredential(ctx, "ECR_REPO1", " shop-frontend\n"); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if repo, err := f.api.creds.GetCredential(ctx, "ECR_REPO1"); err != nil || repo != "shop-frontend" {
		t.Fatalf("stored repository should be trimmed, got %q %v", repo, err)
	}
	var apiErr *APIError
	if err := f.client.PutCredential(ctx, "Account_ID", "12"); !errors.As(err, &apiErr) ||
		apiErr.Status != http.StatusBadRequest {
		t.Fatalf("malformed account id should be rejected, got %v", err)
	}
	if err := f.client.PutCredential(ctx, "docker-hub", "x"); !errors.As(err, &apiErr) ||
		apiErr.Status != http.StatusNotFound {
		t.Fatalf("unknown credential should be 404, got %v", err)
	}

	report, err = f.client.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	for _, info := range report.Credentials {
		if info.Name == "Account_ID" && (!info.Present || strings.Contains(info.Preview, "1234567")) {
			t.Fatalf("account id should be present and masked: %+v", info)
		}
	}

	status, body := f.do(t, http.MethodGet, "/api/bootstrap/plan?format=text", nil, nil)
	if status != http.StatusOK || !strings.Contains(string(body), "123456789012") ||
		strings.Contains(string(body), accountIDPlaceholder) {
		t.Fatalf("bootstrap plan should carry the stored account id: %d\n%s", status, body)
	}

	status, _ = f.do(t, http.MethodDelete, "/api/credentials/Account_ID", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete credential: %d", status)
	}
}

func TestAPI_VerifyWithoutClusterIsUnavailable(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	defer f.Close()

	report, err := f.client.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK || len(report.Checks) != 3 {
		t.Fatalf("verify without a cluster should fail every check: %+v", report)
	}
}

////// Webhooks //////

func pushPayload(t *testing.T, commit, message string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":   "refs/heads/main",
		"after": commit,
		"head_commit": map[string]any{
			"id":      commit,
			"message": message,
			"author":  map[string]any{"name": "dev"},
		},
		"repository": map[string]any{
			"full_name": "acme/shop",
			"clone_url": "https://github.com/acme/shop.git",
		},
		"pusher": map[string]any{"name": "dev"},
	})
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	return body
}

func webhookHeaders(body []byte, delivery string) http.Header {
	h := http.Header{}
	h.Set(githubEventHeader, "push")
	h.Set(githubDeliveryHeader, delivery)
	h.Set(githubSignatureHeader, signGitHubPayload(testWebhookSecret, body))
	return h
}

func TestAPI_WebhookTriggersOncePerCommit(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	defer f.Close()
	ctx := context.Background()
	f.registerShop(t)

	commit := "0123456789abcdef0123456789abcdef01234567"
	body := pushPayload(t, commit, "feat: checkout page")

	status, _ := f.do(t, http.MethodPost, "/api/webhooks/github", body, webhookHeaders(body, "d-1"))
	if status != http.StatusServiceUnavailable {
		t.Fatalf("webhook without GITHUB-APP should be unavailable, got %d", status)
	}
	if err := f.client.PutCredential(ctx, "GITHUB-APP", "42:"+testWebhookSecret); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	bad := webhookHeaders(body, "d-1")
	bad.Set(githubSignatureHeader, signGitHubPayload("wrong", body))
	if status, _ := f.do(t, http.MethodPost, "/api/webhooks/github", body, bad); status != http.StatusUnauthorized {
		t.Fatalf("bad signature should be 401, got %d", status)
	}

	status, raw := f.do(t, http.MethodPost, "/api/webhooks/github", body, webhookHeaders(body, "d-1"))
	if status != http.StatusAccepted {
		t.Fatalf("webhook: %d %s", status, raw)
	}
	var resp struct {
		Accepted bool               `json:"accepted"`
		Apps     []webhookAppResult `json:"apps"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	if !resp.Accepted || len(resp.Apps) != 1 || resp.Apps[0].RunID == "" {
		t.Fatalf("push should start one run: %s", raw)
	}
	run, err := f.client.GetRun(ctx, resp.Apps[0].RunID)
	if err != nil || run.Trigger.Source != triggerWebhook || run.Trigger.Commit != commit {
		t.Fatalf("webhook run: %v %+v", err, run)
	}

	status, raw = f.do(t, http.MethodPost, "/api/webhooks/github", body, webhookHeaders(body, "d-2"))
	if status != http.StatusAccepted || !strings.Contains(string(raw), webhookResultDuplicate) {
		t.Fatalf("redelivery should be a duplicate: %d %s", status, raw)
	}

	skip := pushPayload(t, "fedcba9876543210fedcba9876543210fedcba98", manifestCommitMessage("abc1234"))
	status, raw = f.do(t, http.MethodPost, "/api/webhooks/github", skip, webhookHeaders(skip, "d-3"))
	if status != http.StatusAccepted || !strings.Contains(string(raw), "ignored") {
		t.Fatalf("pipeline commits should be ignored: %d %s", status, raw)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	defer f.Close()

	if status, _ := f.do(t, http.MethodGet, "/healthz", nil, nil); status != http.StatusOK {
		t.Fatalf("healthz: %d", status)
	}
	if status, _ := f.do(t, http.MethodGet, "/api/runs/missing", nil, nil); status != http.StatusNotFound {
		t.Fatalf("missing run: %d", status)
	}
	status, body := f.do(t, http.MethodGet, "/metrics", nil, nil)
	if status != http.StatusOK || !strings.Contains(string(body), "gitops_pipeline_http_requests_total") {
		t.Fatalf("metrics: %d\n%s", status, body)
	}
}
