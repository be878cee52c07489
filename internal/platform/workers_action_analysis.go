package platform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// staticAnalysisStageAction runs the SonarQube scanner on the workspace and
// fails on the scanner's own verdict or a quality gate in ERROR.
func staticAnalysisStageAction(ctx context.Context, deps workerDeps, msg RunStageMsg) (StageResultMsg, error) {
	res := newStageResultMsg("")
	spec := normalizeApplicationSpec(msg.Spec)
	token, err := deps.creds.GetCredential(ctx, credSonarToken)
	if err != nil {
		return res, err
	}
	dir := filepath.Join(deps.artifacts.RunDir(msg.AppID, msg.RunID), workspaceDirName)

	scanner := newSonarScanner(deps.cfg, deps.tools, deps.httpClient)
	outcome, gate, scanErr := scanner.analyze(ctx, dir, spec.SonarProjectKey, token)

	written := newStageOutcome()
	logRel, err := deps.artifacts.WriteFile(
		msg.AppID,
		msg.RunID,
		"reports/sonar-scanner.log",
		append(append([]byte(nil), outcome.Stdout...), outcome.Stderr...),
	)
	if err != nil {
		return res, err
	}
	written.artifacts = append(written.artifacts, logRel)
	if gate != nil {
		gateRel, writeErr := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/sonar-quality-gate.json", mustJSON(gate))
		if writeErr != nil {
			return res, writeErr
		}
		written.artifacts = append(written.artifacts, gateRel)
	}
	res.Artifacts = written.artifacts

	if scanErr != nil {
		return res, scanErr
	}
	switch {
	case gate == nil:
		res.Message = fmt.Sprintf("sonar analysis of %s passed (scanner exit 0)", spec.SonarProjectKey)
	default:
		res.Message = fmt.Sprintf("sonar quality gate %s for %s", gate.Status, spec.SonarProjectKey)
	}
	return res, nil
}

func isGateFailure(err error) bool {
	return errors.Is(err, ErrQualityGateFailed) || errors.Is(err, ErrScanGateFailed)
}
