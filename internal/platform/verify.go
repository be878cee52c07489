package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

////////////////////////////////////////////////////////////////////////////////
// Acceptance smoke checks: nodes, GitOps applications, credentials
////////////////////////////////////////////////////////////////////////////////

const (
	checkNodes       = "nodes"
	checkArgoApps    = "argocd-applications"
	checkCredentials = "credentials"
)

type CheckResult struct {
	Name    string         `json:"name"`
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type VerifyReport struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Verifier runs the smoke checks. Nil clients fail their check rather than
// being skipped.
type Verifier struct {
	kube  kubernetes.Interface
	argo  *argoClient
	creds credentialSource
	apps  []string
}

func NewVerifier(kube kubernetes.Interface, argo *argoClient, creds credentialSource, apps []string) *Verifier {
	return &Verifier{kube: kube, argo: argo, creds: creds, apps: apps}
}

// Verify runs every check concurrently; the report is OK only when all pass.
func (v *Verifier) Verify(ctx context.Context) VerifyReport {
	checks := []func(context.Context) CheckResult{v.checkNodes, v.checkApplications, v.checkCredentials}
	results := make([]CheckResult, len(checks))
	var group errgroup.Group
	for i, check := range checks {
		group.Go(func() error {
			results[i] = check(ctx)
			return nil
		})
	}
	_ = group.Wait()

	report := VerifyReport{OK: true, Checks: results, CheckedAt: time.Now().UTC()}
	for _, r := range results {
		if !r.OK {
			report.OK = false
		}
	}
	return report
}

func (v *Verifier) checkNodes(ctx context.Context) CheckResult {
	res := CheckResult{Name: checkNodes, OK: false, Message: "", Details: nil}
	if v.kube == nil {
		res.Message = "no cluster configured (kubeconfig)"
		return res
	}
	nodes, err := v.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		res.Message = fmt.Sprintf("list nodes: %v", err)
		return res
	}
	if len(nodes.Items) == 0 {
		res.Message = "cluster reports no nodes"
		return res
	}
	ready := 0
	names := make([]string, 0, len(nodes.Items))
	for _, node := range nodes.Items {
		names = append(names, node.Name)
		if nodeReady(node) {
			ready++
		}
	}
	sort.Strings(names)
	res.OK = true
	res.Message = fmt.Sprintf("%d node(s), %d Ready", len(nodes.Items), ready)
	res.Details = map[string]any{"nodes": names, "ready": ready}
	return res
}

func nodeReady(node corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func (v *Verifier) checkApplications(ctx context.Context) CheckResult {
	res := CheckResult{Name: checkArgoApps, OK: false, Message: "", Details: nil}
	if v.argo == nil {
		res.Message = "no cluster configured (kubeconfig)"
		return res
	}
	if len(v.apps) == 0 {
		res.Message = "no applications registered"
		return res
	}
	statuses := map[string]SyncStatus{}
	var failing []string
	for _, name := range v.apps {
		status, err := v.argo.ApplicationSyncStatus(ctx, name)
		if err != nil {
			failing = append(failing, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		statuses[name] = status
		if !status.syncedAndHealthy() {
			failing = append(failing, fmt.Sprintf(
				"%s: sync=%s health=%s",
				name,
				defaultString(status.SyncStatus, "unknown"),
				defaultString(status.HealthStatus, "unknown"),
			))
		}
	}
	res.Details = map[string]any{"applications": statuses}
	if len(failing) > 0 {
		res.Message = strings.Join(failing, "; ")
		return res
	}
	res.OK = true
	res.Message = fmt.Sprintf("%d application(s) Synced and Healthy", len(v.apps))
	return res
}

func (v *Verifier) checkCredentials(ctx context.Context) CheckResult {
	res := CheckResult{Name: checkCredentials, OK: false, Message: "", Details: nil}
	if v.creds == nil {
		res.Message = "no credential source"
		return res
	}
	missing, err := missingCredentials(ctx, v.creds, RequiredCredentials())
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if len(missing) > 0 {
		res.Message = "missing: " + strings.Join(missing, ", ")
		res.Details = map[string]any{"missing": missing}
		return res
	}
	res.OK = true
	res.Message = fmt.Sprintf("all %d credentials present", len(RequiredCredentials()))
	return res
}
