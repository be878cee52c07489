package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Static analysis: sonar-scanner + quality gate
////////////////////////////////////////////////////////////////////////////////

var ErrQualityGateFailed = errors.New("quality gate failed")

const (
	sonarGateOK    = "OK"
	sonarGateWarn  = "WARN"
	sonarGateError = "ERROR"
	sonarGateNone  = "NONE"
)

type sonarCondition struct {
	Status         string `json:"status"`
	MetricKey      string `json:"metricKey"`
	Comparator     string `json:"comparator"`
	ErrorThreshold string `json:"errorThreshold"`
	ActualValue    string `json:"actualValue"`
}

type sonarProjectStatus struct {
	Status     string           `json:"status"`
	Conditions []sonarCondition `json:"conditions"`
}

type sonarGateResponse struct {
	ProjectStatus sonarProjectStatus `json:"projectStatus"`
}

func (s sonarProjectStatus) failedConditions() []string {
	var out []string
	for _, c := range s.Conditions {
		if c.Status != sonarGateError {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s %s (actual %s)", c.MetricKey, c.Comparator, c.ErrorThreshold, c.ActualValue))
	}
	return out
}

type sonarScanner struct {
	bin     string
	hostURL string
	tools   toolRunner
	client  *http.Client
}

func newSonarScanner(cfg Config, tools toolRunner, client *http.Client) sonarScanner {
	if client == nil {
		client = &http.Client{Timeout: sonarGateRequestTimeout}
	}
	return sonarScanner{
		bin:     defaultString(cfg.SonarScannerBin, defaultSonarScannerBin),
		hostURL: cfg.SonarURL,
		tools:   tools,
		client:  client,
	}
}

func (s sonarScanner) scanInvocation(dir, projectKey, token string) toolInvocation {
	args := []string{
		"-Dsonar.projectKey=" + projectKey,
		"-Dsonar.sources=.",
		"-Dsonar.qualitygate.wait=true",
	}
	env := []string{"SONAR_TOKEN=" + token}
	if s.hostURL != "" {
		env = append(env, "SONAR_HOST_URL="+s.hostURL)
	}
	return toolInvocation{Name: s.bin, Args: args, Dir: dir, Env: env}
}

// analyze runs the scanner and then reads the quality gate. A non-zero scanner
// exit or a gate in ERROR fails with ErrQualityGateFailed.
func (s sonarScanner) analyze(
	ctx context.Context,
	dir, projectKey, token string,
) (toolOutcome, *sonarProjectStatus, error) {
	outcome, err := s.tools.Run(ctx, s.scanInvocation(dir, projectKey, token))
	if err != nil {
		return outcome, nil, err
	}
	if outcome.failed() {
		return outcome, nil, fmt.Errorf(
			"%w: %s exited %d: %s",
			ErrQualityGateFailed,
			s.bin,
			outcome.ExitCode,
			outcome.summary(),
		)
	}
	if s.hostURL == "" {
		return outcome, nil, nil
	}
	status, err := s.qualityGate(ctx, projectKey, token)
	if err != nil {
		return outcome, nil, err
	}
	if status.Status == sonarGateError {
		return outcome, &status, fmt.Errorf(
			"%w: %s",
			ErrQualityGateFailed,
			strings.Join(status.failedConditions(), "; "),
		)
	}
	return outcome, &status, nil
}

func (s sonarScanner) qualityGate(ctx context.Context, projectKey, token string) (sonarProjectStatus, error) {
	endpoint := s.hostURL + "/api/qualitygates/project_status?projectKey=" + url.QueryEscape(projectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return sonarProjectStatus{}, err
	}
	req.SetBasicAuth(token, "")
	resp, err := s.client.Do(req)
	if err != nil {
		return sonarProjectStatus{}, fmt.Errorf("query quality gate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sonarProjectStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return sonarProjectStatus{}, fmt.Errorf(
			"query quality gate: status %d: %s",
			resp.StatusCode,
			tailBytes(body, toolOutputTailBytes),
		)
	}
	var decoded sonarGateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return sonarProjectStatus{}, fmt.Errorf("decode quality gate: %w", err)
	}
	if decoded.ProjectStatus.Status == "" {
		decoded.ProjectStatus.Status = sonarGateNone
	}
	return decoded.ProjectStatus, nil
}
