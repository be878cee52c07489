package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Source webhook: push -> pipeline run
////////////////////////////////////////////////////////////////////////////////

const (
	githubEventHeader     = "X-GitHub-Event"
	githubDeliveryHeader  = "X-GitHub-Delivery"
	githubSignatureHeader = "X-Hub-Signature-256"
	githubSignaturePrefix = "sha256="

	webhookDedupWindow = 30 * time.Minute

	webhookResultAccepted  = "accepted"
	webhookResultIgnored   = "ignored"
	webhookResultDuplicate = "duplicate"
	webhookResultRejected  = "rejected"
)

var errWebhookSignature = errors.New("webhook signature mismatch")

type gitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
		SSHURL   string `json:"ssh_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (e gitHubPushEvent) commit() string {
	if e.HeadCommit != nil && e.HeadCommit.ID != "" {
		return e.HeadCommit.ID
	}
	return e.After
}

func (e gitHubPushEvent) message() string {
	if e.HeadCommit == nil {
		return ""
	}
	return e.HeadCommit.Message
}

func (e gitHubPushEvent) actor() string {
	return defaultString(e.Sender.Login, e.Pusher.Name)
}

// verifyGitHubSignature checks X-Hub-Signature-256 against the raw body.
func verifyGitHubSignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, githubSignaturePrefix) {
		return errWebhookSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, githubSignaturePrefix))
	if err != nil {
		return errWebhookSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errWebhookSignature
	}
	return nil
}

func signGitHubPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return githubSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func normalizeBranchValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "refs/heads/")
	v = strings.TrimPrefix(v, "heads/")
	return v
}

// normalizeRepoURL reduces https, ssh and scp-style remotes to host/owner/name.
func normalizeRepoURL(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "git@") && !strings.Contains(raw, "://") {
		raw = "ssh://" + strings.Replace(strings.TrimPrefix(raw, "git@"), ":", "/", 1)
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		raw = u.Hostname() + u.Path
	}
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "/"), ".git")
	return raw
}

func (e gitHubPushEvent) matchesRepo(repo string) bool {
	want := normalizeRepoURL(repo)
	if want == "" {
		return false
	}
	for _, candidate := range []string{e.Repository.CloneURL, e.Repository.HTMLURL, e.Repository.SSHURL} {
		if candidate != "" && normalizeRepoURL(candidate) == want {
			return true
		}
	}
	return e.Repository.FullName != "" && strings.HasSuffix(want, "/"+strings.ToLower(e.Repository.FullName))
}

// isPipelineCommit reports commits that must not start a run: explicit
// [skip ci] markers and the pipeline's own manifest commits.
func isPipelineCommit(message string) bool {
	return strings.Contains(message, skipCIMarker) || strings.HasPrefix(strings.TrimSpace(message), botCommitPrefix)
}

// webhookDeduper remembers recently triggered app/commit pairs and delivery
// ids so redelivered pushes do not start a second run.
type webhookDeduper struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newWebhookDeduper(window time.Duration) *webhookDeduper {
	if window <= 0 {
		window = webhookDedupWindow
	}
	return &webhookDeduper{mu: sync.Mutex{}, window: window, seen: map[string]time.Time{}, now: time.Now}
}

// claim returns false when key was claimed within the window.
func (d *webhookDeduper) claim(key string) bool {
	if d == nil || key == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.window {
		return false
	}
	d.seen[key] = now
	return true
}

func (d *webhookDeduper) release(key string) {
	if d == nil || key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

type webhookAppResult struct {
	App    string `json:"app"`
	RunID  string `json:"run_id,omitempty"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		a.metrics.observeWebhook(webhookResultRejected)
		writeJSONError(w, http.StatusRequestEntityTooLarge, "failed to read body")
		return
	}
	if status, msg := a.authenticateWebhook(r.Context(), r, body); status != http.StatusOK {
		a.metrics.observeWebhook(webhookResultRejected)
		writeJSONError(w, status, msg)
		return
	}

	event := strings.TrimSpace(r.Header.Get(githubEventHeader))
	switch event {
	case "ping":
		a.metrics.observeWebhook(webhookResultIgnored)
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "reason": "pong"})
		return
	case "push":
	default:
		a.metrics.observeWebhook(webhookResultIgnored)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted": false,
			"reason":   "ignored: only push events trigger ci",
		})
		return
	}

	var push gitHubPushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		a.metrics.observeWebhook(webhookResultRejected)
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if reason := pushIgnoreReason(push); reason != "" {
		a.metrics.observeWebhook(webhookResultIgnored)
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false, "reason": reason})
		return
	}

	apps, err := a.webhookTargets(r.Context(), r.URL.Query().Get("app"), push)
	if err != nil {
		writeStoreError(w, err, "resolve applications")
		return
	}
	if len(apps) == 0 {
		a.metrics.observeWebhook(webhookResultIgnored)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted": false,
			"reason":   "ignored: no application tracks this repository and branch",
		})
		return
	}

	results := make([]webhookAppResult, 0, len(apps))
	accepted := false
	for _, app := range apps {
		res := a.triggerFromPush(r.Context(), app, push, r.Header.Get(githubDeliveryHeader))
		a.metrics.observeWebhook(res.Result)
		if res.Result == webhookResultAccepted {
			accepted = true
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"commit":   push.commit(),
		"apps":     results,
	})
}

// authenticateWebhook requires a valid signature whenever the GITHUB-APP
// credential carries a webhook secret.
func (a *API) authenticateWebhook(ctx context.Context, r *http.Request, body []byte) (int, string) {
	if a.creds == nil {
		return http.StatusServiceUnavailable, "credential store unavailable"
	}
	raw, err := a.creds.GetCredential(ctx, credGitHubApp)
	if err != nil {
		if errors.Is(err, ErrCredentialMissing) {
			return http.StatusServiceUnavailable, "credential " + credGitHubApp + " is not configured"
		}
		return http.StatusInternalServerError, "failed to read webhook secret"
	}
	app, err := parseGitHubAppCredentials(raw)
	if err != nil {
		return http.StatusServiceUnavailable, err.Error()
	}
	if err := verifyGitHubSignature(app.WebhookSecret, body, r.Header.Get(githubSignatureHeader)); err != nil {
		return http.StatusUnauthorized, err.Error()
	}
	return http.StatusOK, ""
}

func pushIgnoreReason(push gitHubPushEvent) string {
	switch {
	case push.Deleted:
		return "ignored: branch deletion"
	case !strings.HasPrefix(push.Ref, "refs/heads/"):
		return "ignored: not a branch push"
	case strings.Trim(push.commit(), "0") == "":
		return "ignored: no head commit"
	case isPipelineCommit(push.message()):
		return "ignored: commit is marked " + skipCIMarker
	default:
		return ""
	}
}

func (a *API) webhookTargets(ctx context.Context, appID string, push gitHubPushEvent) ([]Application, error) {
	branch := normalizeBranchValue(push.Ref)
	appID = strings.TrimSpace(appID)
	if appID != "" {
		app, err := a.store.GetApp(ctx, appID)
		if err != nil {
			return nil, err
		}
		if app.Spec.Branch != branch {
			return nil, nil
		}
		return []Application{app}, nil
	}
	apps, err := a.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	var out []Application
	for _, app := range apps {
		if app.Spec.Branch == branch && push.matchesRepo(app.Spec.SourceRepo) {
			out = append(out, app)
		}
	}
	return out, nil
}

func (a *API) triggerFromPush(
	ctx context.Context,
	app Application,
	push gitHubPushEvent,
	deliveryID string,
) webhookAppResult {
	res := webhookAppResult{App: app.ID, RunID: "", Result: webhookResultAccepted, Reason: ""}
	commit := push.commit()
	commitKey := app.ID + "@" + commit
	if !a.webhooks.claim(commitKey) {
		res.Result = webhookResultDuplicate
		res.Reason = "commit already triggered a run"
		return res
	}
	deliveryKey := ""
	if deliveryID = strings.TrimSpace(deliveryID); deliveryID != "" {
		deliveryKey = app.ID + "#" + deliveryID
		if !a.webhooks.claim(deliveryKey) {
			a.webhooks.release(commitKey)
			res.Result = webhookResultDuplicate
			res.Reason = "delivery already processed"
			return res
		}
	}

	trigger := RunTrigger{
		Source:  triggerWebhook,
		Commit:  commit,
		Ref:     push.Ref,
		Message: firstLine(push.message()),
		Actor:   push.actor(),
	}
	run, err := a.triggerRun(ctx, app.ID, trigger, false)
	if err != nil {
		a.webhooks.release(commitKey)
		a.webhooks.release(deliveryKey)
		res.Result = webhookResultRejected
		res.Reason = err.Error()
		return res
	}
	res.RunID = run.ID
	return res
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
