package platform

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type putCredentialRequest struct {
	Value string `json:"value"`
}

func (a *API) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if a.creds == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
		return
	}
	infos, err := a.creds.ListCredentials(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}
	missing := []string{}
	for _, info := range infos {
		if !info.Present {
			missing = append(missing, info.Name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": infos,
		"missing":     missing,
		"complete":    len(missing) == 0,
	})
}

func (a *API) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	if a.creds == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	var req putCredentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredentialValueBytes*2)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.creds.PutCredential(r.Context(), name, req.Value); err != nil {
		switch {
		case errors.Is(err, ErrCredentialUnknown):
			writeJSONError(w, http.StatusNotFound, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, CredentialInfo{
		Name:    name,
		Purpose: credentialPurpose(name),
		Present: true,
		Preview: maskCredential(req.Value),
	})
}

func (a *API) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if a.creds == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "credential store unavailable")
		return
	}
	name := strings.TrimSpace(r.PathValue("name"))
	if !isKnownCredential(name) {
		writeJSONError(w, http.StatusNotFound, "unknown credential "+name)
		return
	}
	if err := a.creds.DeleteCredential(r.Context(), name); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to delete credential")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "name": name})
}
