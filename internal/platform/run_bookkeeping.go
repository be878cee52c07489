package platform

import (
	"context"
	"errors"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Run bookkeeping helpers
////////////////////////////////////////////////////////////////////////////////

var errStaleRun = errors.New("stale run")

func markStageStart(
	ctx context.Context,
	store *Store,
	runID, stage, tool string,
	startedAt time.Time,
	msg string,
) error {
	var prevStatus string
	started := false
	run, err := store.updateRun(ctx, runID, func(run *PipelineRun) error {
		prevStatus = run.Status
		started = false
		for i := len(run.Stages) - 1; i >= 0; i-- {
			if run.Stages[i].Stage == stage && run.Stages[i].EndedAt.IsZero() {
				return nil
			}
		}
		if run.Status == runStatusQueued {
			run.Status = runStatusRunning
		}
		run.Stages = append(run.Stages, RunStage{
			Stage:     stage,
			Tool:      tool,
			StartedAt: startedAt,
			EndedAt:   time.Time{},
			Message:   msg,
			Error:     "",
			Skipped:   false,
			Artifacts: nil,
		})
		started = true
		return nil
	})
	if err != nil {
		return err
	}
	if prevStatus != run.Status {
		emitRunStatus(store.events, run, "run started")
	}
	if started {
		emitStageStarted(store.events, run, stage, msg)
	}
	return nil
}

// markStageEnd closes the open stage entry. A failed stage marks the run as
// failed right away; the finalizer settles the terminal record.
func markStageEnd(
	ctx context.Context,
	store *Store,
	runID, stage string,
	endedAt time.Time,
	res StageResultMsg,
) (RunStage, error) {
	var ended RunStage
	var prevStatus, prevError string
	run, err := store.updateRun(ctx, runID, func(run *PipelineRun) error {
		prevStatus, prevError = run.Status, run.Error
		ended = RunStage{}
		for i := len(run.Stages) - 1; i >= 0; i-- {
			if run.Stages[i].Stage != stage || !run.Stages[i].EndedAt.IsZero() {
				continue
			}
			run.Stages[i].EndedAt = endedAt
			if res.Message != "" {
				run.Stages[i].Message = res.Message
			}
			run.Stages[i].Error = res.Err
			run.Stages[i].Artifacts = res.Artifacts
			ended = run.Stages[i]
			break
		}
		applyStageOutputs(run, res)
		if res.Err != "" && run.Status != runStatusError {
			run.Status = runStatusError
			run.Error = res.Err
		}
		return nil
	})
	if err != nil {
		return RunStage{}, err
	}
	if prevStatus != run.Status || prevError != run.Error {
		emitRunStatus(store.events, run, "run status updated")
	}
	if ended.Stage != "" {
		emitStageEnded(store.events, run, ended)
	}
	return ended, nil
}

// markStageSkipped records a stage that never ran because an earlier stage
// failed.
func markStageSkipped(ctx context.Context, store *Store, runID, stage, upstreamErr string) error {
	added := false
	run, err := store.updateRun(ctx, runID, func(run *PipelineRun) error {
		added = false
		for _, st := range run.Stages {
			if st.Stage == stage {
				return nil
			}
		}
		now := time.Now().UTC()
		run.Stages = append(run.Stages, RunStage{
			Stage:     stage,
			Tool:      "",
			StartedAt: now,
			EndedAt:   now,
			Message:   "skipped due to upstream error",
			Error:     "",
			Skipped:   true,
			Artifacts: nil,
		})
		added = true
		if run.Status != runStatusError {
			run.Status = runStatusError
			run.Error = upstreamErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	if added {
		emitStageEnded(store.events, run, run.Stages[len(run.Stages)-1])
	}
	return nil
}

func applyStageOutputs(run *PipelineRun, res StageResultMsg) {
	if res.Commit != "" {
		run.Commit = res.Commit
	}
	if len(res.Images) > 0 {
		if run.Images == nil {
			run.Images = map[string]string{}
		}
		for tier, ref := range res.Images {
			run.Images[tier] = ref
		}
	}
	if res.ManifestCommit != "" {
		run.ManifestCommit = res.ManifestCommit
	}
}

// finalizeRun writes the terminal run status and the application's status.
// It is idempotent: redelivered final messages do not re-emit events.
func finalizeRun(
	ctx context.Context,
	store *Store,
	res StageResultMsg,
	sync *SyncStatus,
) (PipelineRun, bool, error) {
	alreadyTerminal := false
	run, err := store.updateRun(ctx, res.RunID, func(run *PipelineRun) error {
		if run.terminal() && !run.Finished.IsZero() {
			alreadyTerminal = true
			return nil
		}
		applyStageOutputs(run, res)
		if sync != nil {
			run.Sync = sync
		}
		if res.Err != "" {
			run.Status = runStatusError
			if run.Error == "" {
				run.Error = res.Err
			}
		} else {
			run.Status = runStatusDone
			run.Error = ""
		}
		run.Finished = time.Now().UTC()
		return nil
	})
	if err != nil {
		return PipelineRun{}, false, err
	}
	if alreadyTerminal {
		return run, false, nil
	}
	emitRunStatus(store.events, run, "run status updated")
	emitRunTerminal(store.events, run)
	finalizeAppStatusBestEffort(ctx, store, run)
	return run, true, nil
}

func finalizeAppStatusBestEffort(ctx context.Context, store *Store, run PipelineRun) {
	_, _ = store.updateApp(ctx, run.AppID, func(app *Application) error {
		if app.Status.LastRunID != "" && app.Status.LastRunID != run.ID {
			// A newer run owns the status.
			return errStaleRun
		}
		switch run.Status {
		case runStatusError:
			app.Status.Phase = appPhaseFailed
			app.Status.Message = run.Error
		case runStatusDone:
			app.Status.Phase = appPhaseIdle
			app.Status.Message = "images " + shortCommit(run.Commit) + " committed to manifests"
			if run.Sync != nil && run.Sync.syncedAndHealthy() {
				app.Status.Phase = appPhaseHealthy
				app.Status.Message = "synced and healthy at " + shortCommit(run.Sync.Revision)
			}
		}
		app.Status.LastRunID = run.ID
		if run.Commit != "" {
			app.Status.LastCommit = run.Commit
		}
		app.Status.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func markAppRunning(ctx context.Context, store *Store, run PipelineRun) error {
	_, err := store.updateApp(ctx, run.AppID, func(app *Application) error {
		app.Status.Phase = appPhaseRunning
		app.Status.LastRunID = run.ID
		app.Status.Message = "pipeline run " + shortID(run.ID) + " queued"
		app.Status.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}
