package platform

import (
	"context"
	"fmt"
	"path/filepath"
)

// securityScanStageAction runs a Trivy filesystem scan over the dependency
// manifests in the workspace.
func securityScanStageAction(ctx context.Context, deps workerDeps, msg RunStageMsg) (StageResultMsg, error) {
	res := newStageResultMsg("")
	dir := filepath.Join(deps.artifacts.RunDir(msg.AppID, msg.RunID), workspaceDirName)

	scanner := newTrivyScanner(deps.cfg, deps.tools)
	scan, scanErr := scanner.scanFilesystem(ctx, dir)
	if len(scan.outcome.Stdout) > 0 {
		rel, err := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/trivy-fs.json", scan.outcome.Stdout)
		if err != nil {
			return res, err
		}
		res.Artifacts = append(res.Artifacts, rel)
	}
	if scanErr != nil {
		return res, scanErr
	}
	res.Message = fmt.Sprintf(
		"dependency scan passed gate %s (%s)",
		defaultString(deps.cfg.SeverityGate, defaultSeverityGate),
		formatSeverityCounts(scan.counts),
	)
	return res, nil
}
