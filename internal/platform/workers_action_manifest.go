package platform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

func manifestCommitMessage(tag string) string {
	return fmt.Sprintf("%s to %s %s", botCommitPrefix, tag, skipCIMarker)
}

// manifestUpdateStageAction points the manifests repository at the images the
// build-push stage produced, commits, pushes, and (when configured) waits for
// the GitOps controller to report Synced + Healthy at that commit.
func manifestUpdateStageAction(ctx context.Context, deps workerDeps, msg RunStageMsg) (StageResultMsg, error) {
	res := newStageResultMsg("")
	spec := normalizeApplicationSpec(msg.Spec)
	updates, err := imageUpdatesFromRefs(spec, msg.Images)
	if err != nil {
		return res, err
	}
	token, err := optionalCredential(ctx, deps.creds, credGitHubPAT)
	if err != nil {
		return res, err
	}
	auth := gitAuthForURL(spec.ManifestsRepo, token)

	repoDir := filepath.Join(deps.artifacts.RunDir(msg.AppID, msg.RunID), manifestsDirName)
	prepare := func(ctx context.Context) (manifestCommit, error) {
		return prepareManifestCommit(ctx, spec, updates, auth, repoDir)
	}
	push := func(ctx context.Context) error {
		return gitPushBranch(ctx, repoDir, spec.ManifestsBranch, auth)
	}
	mc, attempts, err := commitManifestsWithRetry(ctx, msg.RunID, prepare, push)
	if err != nil {
		return res, err
	}
	edit, committed, commitSHA := mc.edit, mc.committed, mc.sha
	if edit.rendered != nil {
		rel, writeErr := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/rendered-manifests.yaml", edit.rendered)
		if writeErr != nil {
			return res, writeErr
		}
		res.Artifacts = append(res.Artifacts, rel)
	}

	tag := updates[0].NewTag
	res.ManifestCommit = commitSHA

	reportRel, err := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/manifest-update.json", mustJSON(map[string]any{
		"repository":   redactRepoURL(spec.ManifestsRepo),
		"branch":       spec.ManifestsBranch,
		"path":         spec.ManifestsPath,
		"mode":         edit.mode,
		"images":       updates,
		"committed":    committed,
		"commit":       commitSHA,
		"attempts":     attempts,
		"workloads":    edit.workloads,
		"unreferenced": edit.unreferenced,
	}))
	if err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, reportRel)

	verb := "committed"
	if !committed {
		verb = "already at"
	}
	res.Message = fmt.Sprintf("manifests %s %s (%s)", verb, tag, shortCommit(commitSHA))

	if !deps.cfg.WaitForSync || deps.argo == nil {
		return res, nil
	}
	sync, err := waitForGitOpsSync(ctx, deps, spec.ArgoApp, commitSHA)
	res.Sync = &sync
	if err != nil {
		return res, err
	}
	res.Message += fmt.Sprintf("; %s %s/%s", spec.ArgoApp, sync.SyncStatus, sync.HealthStatus)
	return res, nil
}

type manifestCommit struct {
	edit      manifestEdit
	committed bool
	sha       string
}

// prepareManifestCommit clones the manifests branch fresh into repoDir,
// applies the image updates and commits them. sha is HEAD when nothing
// changed.
func prepareManifestCommit(
	ctx context.Context,
	spec ApplicationSpec,
	updates []imageUpdate,
	auth transport.AuthMethod,
	repoDir string,
) (manifestCommit, error) {
	mc := manifestCommit{
		edit:      manifestEdit{mode: "", workloads: 0, rendered: nil, unreferenced: nil},
		committed: false,
		sha:       "",
	}
	if _, err := gitCloneAt(ctx, spec.ManifestsRepo, spec.ManifestsBranch, "", repoDir, auth); err != nil {
		return mc, err
	}
	overlayDir, err := securejoin.SecureJoin(repoDir, spec.ManifestsPath)
	if err != nil {
		return mc, fmt.Errorf("manifests path: %w", err)
	}
	mc.edit, err = applyImageUpdates(overlayDir, updates)
	if err != nil {
		return mc, err
	}
	mc.committed, mc.sha, err = gitCommitIfChanged(ctx, repoDir, manifestCommitMessage(updates[0].NewTag))
	if err != nil {
		return mc, err
	}
	if !mc.committed {
		_, mc.sha, _, err = gitHeadDetails(ctx, repoDir)
	}
	return mc, err
}

// commitManifestsWithRetry runs prepare then push. When another run moved the
// branch first the push is rejected, and the whole edit is redone once on top
// of the new tip. It returns the attempts used.
func commitManifestsWithRetry(
	ctx context.Context,
	runID string,
	prepare func(context.Context) (manifestCommit, error),
	push func(context.Context) error,
) (manifestCommit, int, error) {
	for attempt := 1; ; attempt++ {
		mc, err := prepare(ctx)
		if err != nil || !mc.committed {
			return mc, attempt, err
		}
		err = push(ctx)
		if err == nil {
			return mc, attempt, nil
		}
		if attempt >= manifestPushAttempts || !isPushRejected(err) {
			return mc, attempt, err
		}
		appLoggerForProcess().Source(stageManifestUpdate).
			Warnf("manifest push rejected run=%s attempt=%d, rebasing on new tip: %v", runID, attempt, err)
	}
}

func isPushRejected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gogit.ErrNonFastForwardUpdate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first")
}

type manifestEdit struct {
	mode         string
	workloads    int
	rendered     []byte
	unreferenced []string
}

// applyImageUpdates edits the kustomization when the overlay has one, and
// rewrites plain workload manifests otherwise.
func applyImageUpdates(dir string, updates []imageUpdate) (manifestEdit, error) {
	edit := manifestEdit{mode: "", workloads: 0, rendered: nil, unreferenced: nil}
	kustomization, err := findKustomizationFile(dir)
	switch {
	case errors.Is(err, errNoKustomization):
		edit.mode = "workloads"
		n, setErr := setWorkloadImages(dir, updates)
		if setErr != nil {
			return edit, setErr
		}
		if n == 0 {
			return edit, fmt.Errorf("no workload in %s references %s", filepath.Base(dir), updateNames(updates))
		}
		edit.workloads = n
		return edit, nil
	case err != nil:
		return edit, err
	}

	edit.mode = "kustomize"
	if _, err := setKustomizationImages(kustomization, updates); err != nil {
		return edit, err
	}
	rendered, err := renderKustomization(dir)
	if err != nil {
		return edit, err
	}
	edit.rendered = rendered
	refs, err := renderedImages(rendered)
	if err != nil {
		return edit, err
	}
	edit.workloads = len(refs)
	for _, u := range updates {
		found := false
		for _, ref := range refs {
			if ref == u.reference() {
				found = true
				break
			}
		}
		if !found {
			edit.unreferenced = append(edit.unreferenced, u.Name)
		}
	}
	return edit, nil
}

func updateNames(updates []imageUpdate) string {
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		names = append(names, u.Name)
	}
	return strings.Join(names, ", ")
}

func waitForGitOpsSync(ctx context.Context, deps workerDeps, app, revision string) (SyncStatus, error) {
	if err := deps.argo.RequestRefresh(ctx, app); err != nil {
		return SyncStatus{Application: app}, err
	}
	timeout := deps.cfg.SyncTimeout
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	return deps.argo.WaitSyncedHealthy(ctx, app, revision, timeout)
}
