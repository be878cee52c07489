package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Applications are keyed by their name so webhook deliveries and CLI calls
// can address them without a lookup.
func newApplication(spec ApplicationSpec) Application {
	now := time.Now().UTC()
	return Application{
		ID:        spec.Name,
		CreatedAt: now,
		UpdatedAt: now,
		Spec:      spec,
		Status: ApplicationStatus{
			Phase:      appPhaseIdle,
			UpdatedAt:  now,
			LastRunID:  "",
			LastCommit: "",
			Message:    "registered",
		},
	}
}

func decodeApplicationSpec(w http.ResponseWriter, r *http.Request) (ApplicationSpec, error) {
	var spec ApplicationSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return ApplicationSpec{}, err
	}
	spec = normalizeApplicationSpec(spec)
	if err := validateApplicationSpec(spec); err != nil {
		return ApplicationSpec{}, err
	}
	return spec, nil
}

func (a *API) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.store.ListApps(r.Context())
	if err != nil {
		writeStoreError(w, err, "list applications")
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (a *API) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	spec, err := decodeApplicationSpec(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	app := newApplication(spec)
	if err := a.store.CreateApp(r.Context(), app); err != nil {
		writeStoreError(w, err, "persist application")
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) handleGetApp(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad application id")
		return
	}
	app, err := a.store.GetApp(r.Context(), appID)
	if err != nil {
		writeStoreError(w, err, "read application")
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleUpdateApp(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad application id")
		return
	}
	spec, err := decodeApplicationSpec(w, r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if spec.Name != appID {
		writeJSONError(w, http.StatusBadRequest, "name cannot be changed")
		return
	}
	app, err := a.store.updateApp(r.Context(), appID, func(app *Application) error {
		app.Spec = spec
		return nil
	})
	if err != nil {
		writeStoreError(w, err, "update application")
		return
	}
	writeJSON(w, http.StatusOK, app)
}

var errAppBusy = errors.New("application has a run in progress")

func (a *API) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad application id")
		return
	}
	if err := a.deleteApplication(r.Context(), appID); err != nil {
		if errors.Is(err, errAppBusy) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeStoreError(w, err, "delete application")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": appID})
}

func (a *API) deleteApplication(ctx context.Context, appID string) error {
	app, err := a.store.GetApp(ctx, appID)
	if err != nil {
		return err
	}
	if app.Status.Phase == appPhaseRunning {
		return errAppBusy
	}
	if err := a.store.DeleteApp(ctx, appID); err != nil {
		return err
	}
	if a.artifacts != nil {
		if err := a.artifacts.RemoveApp(appID); err != nil {
			appLoggerForProcess().Source("api").Warnf("remove artifacts app=%s: %v", appID, err)
		}
	}
	return nil
}

func (a *API) handleAppArgoApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad application id")
		return
	}
	app, err := a.store.GetApp(r.Context(), appID)
	if err != nil {
		writeStoreError(w, err, "read application")
		return
	}
	body, err := RenderArgoApplication(app.Spec, defaultString(a.cfg.ArgoNamespace, defaultArgoNamespace))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(body)
}
