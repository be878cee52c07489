package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// checkoutStageAction clones the source repository at the triggering commit
// (or the branch head) into the run workspace.
func checkoutStageAction(ctx context.Context, deps workerDeps, msg RunStageMsg) (StageResultMsg, error) {
	res := newStageResultMsg("")
	spec := normalizeApplicationSpec(msg.Spec)
	runDir, err := deps.artifacts.EnsureRunDir(msg.AppID, msg.RunID)
	if err != nil {
		return res, err
	}
	token, err := optionalCredential(ctx, deps.creds, credGitHubPAT)
	if err != nil {
		return res, err
	}

	dir := filepath.Join(runDir, workspaceDirName)
	head, err := gitCloneAt(ctx, spec.SourceRepo, spec.Branch, msg.Trigger.Commit, dir, gitAuthForURL(spec.SourceRepo, token))
	if err != nil {
		return res, err
	}
	branch, _, subject, err := gitHeadDetails(ctx, dir)
	if err != nil {
		return res, err
	}

	rel, err := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/checkout.json", mustJSON(map[string]any{
		"run_id":      msg.RunID,
		"repository":  redactRepoURL(spec.SourceRepo),
		"branch":      spec.Branch,
		"head_ref":    branch,
		"requested":   msg.Trigger.Commit,
		"commit":      head,
		"subject":     subject,
		"trigger":     msg.Trigger.Source,
		"checked_out": time.Now().UTC().Format(time.RFC3339),
	}))
	if err != nil {
		return res, err
	}

	res.Commit = head
	res.Artifacts = []string{rel}
	res.Message = fmt.Sprintf("checked out %s@%s at %s", redactRepoURL(spec.SourceRepo), spec.Branch, shortCommit(head))
	return res, nil
}
