package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/yaml"
)

////////////////////////////////////////////////////////////////////////////////
// GitOps controller contract: Argo CD Application
////////////////////////////////////////////////////////////////////////////////

var ErrSyncTimeout = errors.New("timeout waiting for application to be synced and healthy")

const (
	argoSyncStatusSynced    = "Synced"
	argoHealthStatusHealthy = "Healthy"
	argoHealthDegraded      = "Degraded"

	argoDestinationServer = "https://kubernetes.default.svc"
	argoProject           = "default"
	argoRefreshAnnotation = "argocd.argoproj.io/refresh"
)

func argoApplicationGVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{
		Group:    "argoproj.io",
		Version:  "v1alpha1",
		Resource: "applications",
	}
}

func buildArgoApplication(spec ApplicationSpec, argoNamespace string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "argoproj.io/v1alpha1",
		"kind":       "Application",
		"metadata": map[string]any{
			"name":      spec.ArgoApp,
			"namespace": argoNamespace,
		},
		"spec": map[string]any{
			"project": argoProject,
			"source": map[string]any{
				"repoURL":        spec.ManifestsRepo,
				"targetRevision": spec.ManifestsBranch,
				"path":           spec.ManifestsPath,
			},
			"destination": map[string]any{
				"server":    argoDestinationServer,
				"namespace": spec.Namespace,
			},
			"syncPolicy": map[string]any{
				"automated":   map[string]any{"prune": true, "selfHeal": true},
				"syncOptions": []any{"CreateNamespace=true"},
			},
		},
	}}
}

// RenderArgoApplication returns the Application manifest that points the
// controller at the app's manifests repository.
func RenderArgoApplication(spec ApplicationSpec, argoNamespace string) ([]byte, error) {
	spec = normalizeApplicationSpec(spec)
	if argoNamespace == "" {
		argoNamespace = defaultArgoNamespace
	}
	out, err := yaml.Marshal(buildArgoApplication(spec, argoNamespace).Object)
	if err != nil {
		return nil, fmt.Errorf("render argo application: %w", err)
	}
	return out, nil
}

type argoClient struct {
	dynamic   dynamic.Interface
	namespace string
	interval  time.Duration
}

func newArgoClient(dyn dynamic.Interface, namespace string) *argoClient {
	if namespace == "" {
		namespace = defaultArgoNamespace
	}
	return &argoClient{dynamic: dyn, namespace: namespace, interval: syncPollInterval}
}

func (c *argoClient) applications() dynamic.ResourceInterface {
	return c.dynamic.Resource(argoApplicationGVR()).Namespace(c.namespace)
}

// ApplicationSyncStatus reads sync, health and the synced revision.
func (c *argoClient) ApplicationSyncStatus(ctx context.Context, name string) (SyncStatus, error) {
	app, err := c.applications().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return SyncStatus{}, fmt.Errorf("%w: argo application %s/%s", ErrApplicationNotFound, c.namespace, name)
		}
		return SyncStatus{}, fmt.Errorf("get argo application %s: %w", name, err)
	}
	return syncStatusFromApplication(name, app), nil
}

func syncStatusFromApplication(name string, app *unstructured.Unstructured) SyncStatus {
	syncStatus, _, _ := unstructured.NestedString(app.Object, "status", "sync", "status")
	health, _, _ := unstructured.NestedString(app.Object, "status", "health", "status")
	revision, _, _ := unstructured.NestedString(app.Object, "status", "sync", "revision")
	return SyncStatus{
		Application:  name,
		SyncStatus:   syncStatus,
		HealthStatus: health,
		Revision:     revision,
		CheckedAt:    time.Now().UTC(),
	}
}

// RequestRefresh asks the controller to re-read the repository now instead of
// waiting for its polling interval.
func (c *argoClient) RequestRefresh(ctx context.Context, name string) error {
	apps := c.applications()
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		app, err := apps.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get argo application %s: %w", name, err)
		}
		annotations := app.GetAnnotations()
		if annotations == nil {
			annotations = map[string]string{}
		}
		annotations[argoRefreshAnnotation] = "normal"
		app.SetAnnotations(annotations)
		if _, err := apps.Update(ctx, app, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("request argo refresh: %w", err)
		}
		return nil
	})
}

// WaitSyncedHealthy polls until the application is Synced and Healthy (and
// at revision, when given). It returns the last observed status.
func (c *argoClient) WaitSyncedHealthy(
	ctx context.Context,
	name, revision string,
	timeout time.Duration,
) (SyncStatus, error) {
	var last SyncStatus
	err := wait.PollUntilContextTimeout(ctx, c.interval, timeout, true, func(pollCtx context.Context) (bool, error) {
		status, err := c.ApplicationSyncStatus(pollCtx, name)
		if err != nil {
			if errors.Is(err, ErrApplicationNotFound) {
				return false, err
			}
			// Transient API errors keep polling.
			return false, nil
		}
		last = status
		if status.HealthStatus == argoHealthDegraded && revisionMatches(status.Revision, revision) {
			return false, fmt.Errorf("argo application %s is %s at %s", name, argoHealthDegraded, shortCommit(status.Revision))
		}
		return status.syncedAndHealthy() && revisionMatches(status.Revision, revision), nil
	})
	if err == nil {
		return last, nil
	}
	if wait.Interrupted(err) {
		return last, fmt.Errorf(
			"%w: %s (sync=%s health=%s revision=%s)",
			ErrSyncTimeout,
			name,
			defaultString(last.SyncStatus, "unknown"),
			defaultString(last.HealthStatus, "unknown"),
			defaultString(shortCommit(last.Revision), "none"),
		)
	}
	return last, err
}

func revisionMatches(observed, want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return true
	}
	return strings.HasPrefix(observed, want) || (observed != "" && strings.HasPrefix(want, observed))
}
