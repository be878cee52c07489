package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type triggerRunRequest struct {
	Commit  string `json:"commit,omitempty"`
	Message string `json:"message,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Wait    bool   `json:"wait,omitempty"`
}

// triggerRun persists a queued run and publishes it onto the stage chain. When
// wait is set it blocks until the finalizer delivers the terminal record.
func (a *API) triggerRun(
	ctx context.Context,
	appID string,
	trigger RunTrigger,
	wait bool,
) (PipelineRun, error) {
	apiLog := appLoggerForProcess().Source("api")
	app, err := a.store.GetApp(ctx, appID)
	if err != nil {
		return PipelineRun{}, err
	}

	run := PipelineRun{
		ID:             newID(),
		AppID:          app.ID,
		Trigger:        trigger,
		Requested:      time.Now().UTC(),
		Finished:       time.Time{},
		Status:         runStatusQueued,
		Error:          "",
		Commit:         "",
		Images:         nil,
		ManifestCommit: "",
		Sync:           nil,
		Stages:         []RunStage{},
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return PipelineRun{}, fmt.Errorf("persist run: %w", err)
	}
	emitRunStatus(a.events, run, "run accepted and queued")
	if err := markAppRunning(ctx, a.store, run); err != nil {
		apiLog.Warnf("mark app running app=%s: %v", app.ID, err)
	}
	apiLog.Infof("queued run=%s app=%s trigger=%s commit=%s", run.ID, app.ID, trigger.Source, shortCommit(trigger.Commit))

	var done <-chan PipelineRun
	if wait {
		ch, release := a.waiters.register(run.ID)
		defer release()
		done = ch
	}

	finalizeCtx := context.WithoutCancel(ctx)
	if err := publishRunStart(ctx, a.js, newRunStartMsg(run, app.Spec)); err != nil {
		failed := newStageResultMsg("")
		failed.RunID = run.ID
		failed.AppID = run.AppID
		failed.Err = "publish run: " + err.Error()
		_, _, _ = finalizeRun(finalizeCtx, a.store, failed, nil)
		apiLog.Errorf("publish failed run=%s app=%s: %v", run.ID, app.ID, err)
		return PipelineRun{}, fmt.Errorf("publish run: %w", err)
	}
	if !wait {
		return run, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, runWaitTimeout)
	defer cancel()
	select {
	case <-waitCtx.Done():
		// The run keeps going; the caller gets the latest snapshot.
		latest, getErr := a.store.GetRun(finalizeCtx, run.ID)
		if getErr != nil {
			return run, waitCtx.Err()
		}
		return latest, waitCtx.Err()
	case final := <-done:
		return final, nil
	}
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad application id")
		return
	}
	req := triggerRunRequest{Commit: "", Message: "", Actor: "", Wait: false}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if waitParam := r.URL.Query().Get("wait"); waitParam != "" {
		req.Wait, _ = strconv.ParseBool(waitParam)
	}
	req.Commit = strings.TrimSpace(req.Commit)
	if req.Commit != "" && !isCommitish(req.Commit) {
		writeJSONError(w, http.StatusBadRequest, "commit must be a hex object id")
		return
	}

	trigger := RunTrigger{
		Source:  triggerManual,
		Commit:  req.Commit,
		Ref:     "",
		Message: strings.TrimSpace(req.Message),
		Actor:   strings.TrimSpace(req.Actor),
	}
	run, err := a.triggerRun(r.Context(), appID, trigger, req.Wait)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && run.ID != "" {
			writeJSON(w, http.StatusAccepted, run)
			return
		}
		writeStoreError(w, err, "trigger run")
		return
	}
	code := http.StatusAccepted
	if req.Wait {
		code = http.StatusOK
	}
	writeJSON(w, code, run)
}

func isCommitish(v string) bool {
	if len(v) < 7 || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad application id")
		return
	}
	if _, err := a.store.GetApp(r.Context(), appID); err != nil {
		writeStoreError(w, err, "read application")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := a.store.ListAppRuns(r.Context(), appID, limit)
	if err != nil {
		writeStoreError(w, err, "list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad run id")
		return
	}
	run, err := a.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "read run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad run id")
		return
	}
	run, err := a.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "read run")
		return
	}
	files, err := a.artifacts.ListFiles(run.AppID, run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (a *API) handleReadRunArtifact(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad run id")
		return
	}
	relPath := strings.TrimPrefix(r.PathValue("path"), "/")
	run, err := a.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "read run")
		return
	}
	data, err := a.artifacts.ReadFile(run.AppID, run.ID, relPath)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			writeJSONError(w, http.StatusNotFound, "not found")
		case errors.Is(err, errInvalidRelPath):
			writeJSONError(w, http.StatusBadRequest, "invalid artifact path")
		default:
			writeJSONError(w, http.StatusInternalServerError, "failed to read artifact")
		}
		return
	}

	name := filepath.Base(relPath)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if strings.HasSuffix(name, ".json") {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}
