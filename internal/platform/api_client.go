package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// API client (CLI -> running service)
////////////////////////////////////////////////////////////////////////////////

// Client talks to a running `gitops-pipeline serve`.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 0}}
}

type CredentialReport struct {
	Credentials []CredentialInfo `json:"credentials"`
	Missing     []string         `json:"missing"`
	Complete    bool             `json:"complete"`
}

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	status, raw, err := c.roundTrip(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status >= httpClientErrThreshold {
		return newAPIError(status, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func newAPIError(status int, raw []byte) *APIError {
	var apiErr struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	return &APIError{Status: status, Message: msg}
}

func (c *Client) ListApps(ctx context.Context) ([]Application, error) {
	var apps []Application
	err := c.do(ctx, http.MethodGet, "/api/apps", nil, &apps)
	return apps, err
}

func (c *Client) RegisterApp(ctx context.Context, spec ApplicationSpec) (Application, error) {
	var app Application
	err := c.do(ctx, http.MethodPost, "/api/apps", spec, &app)
	return app, err
}

// TriggerRun starts a manual run. With wait it returns the finalized run.
func (c *Client) TriggerRun(ctx context.Context, appID, commit string, wait bool) (PipelineRun, error) {
	var run PipelineRun
	path := "/api/apps/" + url.PathEscape(appID) + "/runs"
	req := triggerRunRequest{Commit: commit, Message: "", Actor: "cli", Wait: wait}
	err := c.do(ctx, http.MethodPost, path, req, &run)
	return run, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (PipelineRun, error) {
	var run PipelineRun
	err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &run)
	return run, err
}

func (c *Client) ListCredentials(ctx context.Context) (CredentialReport, error) {
	var report CredentialReport
	err := c.do(ctx, http.MethodGet, "/api/credentials", nil, &report)
	return report, err
}

func (c *Client) PutCredential(ctx context.Context, name, value string) error {
	return c.do(ctx, http.MethodPut, "/api/credentials/"+url.PathEscape(name), putCredentialRequest{Value: value}, nil)
}

// Verify returns the report even when checks fail (the service answers 503).
func (c *Client) Verify(ctx context.Context) (VerifyReport, error) {
	status, raw, err := c.roundTrip(ctx, http.MethodGet, "/api/verify", nil)
	if err != nil {
		return VerifyReport{}, err
	}
	var report VerifyReport
	if status == http.StatusOK || status == http.StatusServiceUnavailable {
		if jsonErr := json.Unmarshal(raw, &report); jsonErr == nil && len(report.Checks) > 0 {
			return report, nil
		}
	}
	if status >= httpClientErrThreshold {
		return VerifyReport{}, newAPIError(status, raw)
	}
	return report, json.Unmarshal(raw, &report)
}
