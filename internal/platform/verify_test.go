//nolint:testpackage // Verifier and Argo client internals are unexported.
package platform

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"
)

func testArgoApplication(name, syncStatus, health, revision string) *unstructured.Unstructured {
	app := buildArgoApplication(ApplicationSpec{
		ArgoApp:         name,
		ManifestsRepo:   "https://github.com/acme/manifests.git",
		ManifestsBranch: "main",
		ManifestsPath:   "overlays/prod",
		Namespace:       name,
	}, defaultArgoNamespace)
	app.Object["status"] = map[string]any{
		"sync":   map[string]any{"status": syncStatus, "revision": revision},
		"health": map[string]any{"status": health},
	}
	return app
}

func newTestArgoClient(objs ...runtime.Object) (*argoClient, *dynamicfake.FakeDynamicClient) {
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(),
		map[schema.GroupVersionResource]string{argoApplicationGVR(): "ApplicationList"},
		objs...,
	)
	client := newArgoClient(dyn, "")
	client.interval = 10 * time.Millisecond
	return client, dyn
}

func testNode(name string, ready bool) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
		},
	}
}

func fullCredentials() staticCredentials {
	creds := staticCredentials{}
	for _, name := range RequiredCredentials() {
		creds[name] = "value-for-" + name
	}
	return creds
}

////// Argo CD Application //////

func TestRenderArgoApplication(t *testing.T) {
	t.Parallel()

	out, err := RenderArgoApplication(ApplicationSpec{
		Name:            "shop",
		ArgoApp:         "shop",
		ManifestsRepo:   "https://github.com/acme/manifests.git",
		ManifestsBranch: "main",
		ManifestsPath:   "overlays/prod",
		Namespace:       "shop",
	}, "")
	if err != nil {
		t.Fatalf("RenderArgoApplication: %v", err)
	}
	text := string(out)
	for _, want := range []string{
		"kind: Application",
		"namespace: argocd",
		"repoURL: https://github.com/acme/manifests.git",
		"path: overlays/prod",
		"selfHeal: true",
		"CreateNamespace=true",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("rendered application missing %q:\n%s", want, text)
		}
	}
}

func TestArgoClient_SyncStatusAndNotFound(t *testing.T) {
	t.Parallel()

	client, _ := newTestArgoClient(testArgoApplication("shop", "Synced", "Healthy", "abc1234def"))
	status, err := client.ApplicationSyncStatus(context.Background(), "shop")
	if err != nil {
		t.Fatalf("ApplicationSyncStatus: %v", err)
	}
	if !status.syncedAndHealthy() || status.Revision != "abc1234def" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if _, err := client.ApplicationSyncStatus(context.Background(), "missing"); !errors.Is(err, ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
}

func TestArgoClient_RequestRefreshAnnotates(t *testing.T) {
	t.Parallel()

	client, dyn := newTestArgoClient(testArgoApplication("shop", "OutOfSync", "Healthy", ""))
	if err := client.RequestRefresh(context.Background(), "shop"); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	app, err := dyn.Resource(argoApplicationGVR()).Namespace(defaultArgoNamespace).
		Get(context.Background(), "shop", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if app.GetAnnotations()[argoRefreshAnnotation] != "normal" {
		t.Fatalf("refresh annotation not set: %v", app.GetAnnotations())
	}
}

func TestArgoClient_WaitSyncedHealthy(t *testing.T) {
	t.Parallel()

	client, _ := newTestArgoClient(testArgoApplication("shop", "Synced", "Healthy", "abc1234def"))
	status, err := client.WaitSyncedHealthy(context.Background(), "shop", "abc1234", time.Second)
	if err != nil {
		t.Fatalf("WaitSyncedHealthy: %v", err)
	}
	if status.Revision != "abc1234def" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestArgoClient_WaitTimesOutOnStaleRevision(t *testing.T) {
	t.Parallel()

	client, _ := newTestArgoClient(testArgoApplication("shop", "Synced", "Healthy", "0000000aaa"))
	status, err := client.WaitSyncedHealthy(context.Background(), "shop", "abc1234", 50*time.Millisecond)
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("expected ErrSyncTimeout, got %v", err)
	}
	if status.Revision != "0000000aaa" || !strings.Contains(err.Error(), "revision=0000000") {
		t.Fatalf("timeout should report the last observation: %+v %v", status, err)
	}
}

func TestArgoClient_WaitFailsFastWhenDegraded(t *testing.T) {
	t.Parallel()

	client, _ := newTestArgoClient(testArgoApplication("shop", "Synced", "Degraded", "abc1234def"))
	_, err := client.WaitSyncedHealthy(context.Background(), "shop", "abc1234", time.Second)
	if err == nil || errors.Is(err, ErrSyncTimeout) || !strings.Contains(err.Error(), "Degraded") {
		t.Fatalf("expected degraded failure, got %v", err)
	}
}

func TestRevisionMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		observed, want string
		match          bool
	}{
		{"abc1234def", "", true},
		{"abc1234def", "abc1234", true},
		{"abc1234", "abc1234def", true},
		{"", "abc1234", false},
		{"fff0000", "abc1234", false},
	}
	for _, tc := range cases {
		if got := revisionMatches(tc.observed, tc.want); got != tc.match {
			t.Fatalf("revisionMatches(%q, %q) = %v", tc.observed, tc.want, got)
		}
	}
}

////// Smoke checks //////

func findCheck(t *testing.T, report VerifyReport, name string) CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from report: %+v", name, report)
	return CheckResult{}
}

func TestVerifier_AllChecksPass(t *testing.T) {
	t.Parallel()

	kube := kubefake.NewClientset(testNode("node-a", true), testNode("node-b", false))
	argo, _ := newTestArgoClient(testArgoApplication("shop", "Synced", "Healthy", "abc"))
	report := NewVerifier(kube, argo, fullCredentials(), []string{"shop"}).Verify(context.Background())
	if !report.OK {
		t.Fatalf("expected passing report, got %+v", report)
	}
	nodes := findCheck(t, report, checkNodes)
	if nodes.Message != "2 node(s), 1 Ready" {
		t.Fatalf("unexpected nodes message: %q", nodes.Message)
	}
}

func TestVerifier_FailingChecks(t *testing.T) {
	t.Parallel()

	kube := kubefake.NewClientset()
	argo, _ := newTestArgoClient(testArgoApplication("shop", "OutOfSync", "Progressing", ""))
	creds := fullCredentials()
	delete(creds, credGitHubPAT)
	report := NewVerifier(kube, argo, creds, []string{"shop", "ghost"}).Verify(context.Background())
	if report.OK {
		t.Fatal("report should fail")
	}
	if c := findCheck(t, report, checkNodes); c.OK || c.Message != "cluster reports no nodes" {
		t.Fatalf("unexpected nodes check: %+v", c)
	}
	apps := findCheck(t, report, checkArgoApps)
	if apps.OK || !strings.Contains(apps.Message, "shop: sync=OutOfSync health=Progressing") ||
		!strings.Contains(apps.Message, "ghost:") {
		t.Fatalf("unexpected applications check: %+v", apps)
	}
	if c := findCheck(t, report, checkCredentials); c.OK || c.Message != "missing: "+credGitHubPAT {
		t.Fatalf("unexpected credentials check: %+v", c)
	}
}

func TestVerifier_NoClusterFailsInsteadOfSkipping(t *testing.T) {
	t.Parallel()

	report := NewVerifier(nil, nil, nil, nil).Verify(context.Background())
	if report.OK || len(report.Checks) != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, c := range report.Checks {
		if c.OK || c.Message == "" {
			t.Fatalf("check %s should fail with a reason: %+v", c.Name, c)
		}
	}
}
