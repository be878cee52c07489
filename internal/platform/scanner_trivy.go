package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Dependency + image scanning: trivy
////////////////////////////////////////////////////////////////////////////////

var ErrScanGateFailed = errors.New("vulnerabilities at or above severity gate")

// trivyGateExitCode is what trivy returns when findings match --severity.
const trivyGateExitCode = 1

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion,omitempty"`
	Severity         string `json:"Severity"`
	Title            string `json:"Title,omitempty"`
}

type trivyResult struct {
	Target          string               `json:"Target"`
	Class           string               `json:"Class,omitempty"`
	Type            string               `json:"Type,omitempty"`
	Vulnerabilities []trivyVulnerability `json:"Vulnerabilities"`
}

type trivyReport struct {
	ArtifactName string        `json:"ArtifactName"`
	ArtifactType string        `json:"ArtifactType"`
	Results      []trivyResult `json:"Results"`
}

func parseTrivyReport(b []byte) (trivyReport, error) {
	var report trivyReport
	if len(strings.TrimSpace(string(b))) == 0 {
		return report, errors.New("empty trivy report")
	}
	if err := json.Unmarshal(b, &report); err != nil {
		return trivyReport{}, fmt.Errorf("decode trivy report: %w", err)
	}
	return report, nil
}

func (r trivyReport) severityCounts() map[string]int {
	counts := map[string]int{}
	for _, res := range r.Results {
		for _, v := range res.Vulnerabilities {
			counts[strings.ToUpper(v.Severity)]++
		}
	}
	return counts
}

// gateFindings returns vulnerabilities whose severity is in severities.
func (r trivyReport) gateFindings(severities []string) []trivyVulnerability {
	var out []trivyVulnerability
	for _, res := range r.Results {
		for _, v := range res.Vulnerabilities {
			if slices.Contains(severities, strings.ToUpper(v.Severity)) {
				out = append(out, v)
			}
		}
	}
	return out
}

func formatSeverityCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "no vulnerabilities"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return severityRank(keys[i]) > severityRank(keys[j]) })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func severityRank(sev string) int {
	switch sev {
	case "CRITICAL":
		return 4
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	case "LOW":
		return 1
	default:
		return 0
	}
}

type trivyScanner struct {
	bin        string
	severities []string
	tools      toolRunner
}

func newTrivyScanner(cfg Config, tools toolRunner) trivyScanner {
	severities := cfg.severityList()
	if len(severities) == 0 {
		severities = strings.Split(defaultSeverityGate, ",")
	}
	return trivyScanner{
		bin:        defaultString(cfg.TrivyBin, defaultTrivyBin),
		severities: severities,
		tools:      tools,
	}
}

func (s trivyScanner) commonArgs() []string {
	return []string{
		"--format", "json",
		"--severity", strings.Join(s.severities, ","),
		"--exit-code", fmt.Sprint(trivyGateExitCode),
		"--no-progress",
	}
}

func (s trivyScanner) filesystemInvocation(dir string) toolInvocation {
	args := append([]string{"fs", "--scanners", "vuln"}, s.commonArgs()...)
	args = append(args, ".")
	return toolInvocation{Name: s.bin, Args: args, Dir: dir, Env: nil}
}

func (s trivyScanner) imageInvocation(tarPath string) toolInvocation {
	args := append([]string{"image", "--input", tarPath}, s.commonArgs()...)
	return toolInvocation{Name: s.bin, Args: args, Dir: "", Env: nil}
}

type trivyScanResult struct {
	outcome toolOutcome
	report  trivyReport
	counts  map[string]int
}

func (s trivyScanner) scanFilesystem(ctx context.Context, dir string) (trivyScanResult, error) {
	return s.run(ctx, s.filesystemInvocation(dir), "dependencies")
}

func (s trivyScanner) scanImage(ctx context.Context, tarPath, ref string) (trivyScanResult, error) {
	return s.run(ctx, s.imageInvocation(tarPath), ref)
}

// run treats trivy's exit status as the verdict; the report only feeds the
// summary.
func (s trivyScanner) run(ctx context.Context, inv toolInvocation, target string) (trivyScanResult, error) {
	outcome, err := s.tools.Run(ctx, inv)
	res := trivyScanResult{outcome: outcome, report: trivyReport{}, counts: map[string]int{}}
	if err != nil {
		return res, err
	}
	report, parseErr := parseTrivyReport(outcome.Stdout)
	if parseErr == nil {
		res.report = report
		res.counts = report.severityCounts()
	}
	switch {
	case outcome.ExitCode == trivyGateExitCode:
		findings := report.gateFindings(s.severities)
		return res, fmt.Errorf(
			"%w (%s) in %s: %d findings, %s",
			ErrScanGateFailed,
			strings.Join(s.severities, ","),
			target,
			len(findings),
			formatSeverityCounts(res.counts),
		)
	case outcome.failed():
		return res, fmt.Errorf("%s exited %d: %s", s.bin, outcome.ExitCode, outcome.summary())
	case parseErr != nil:
		return res, parseErr
	}
	return res, nil
}
