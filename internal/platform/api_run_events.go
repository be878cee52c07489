package platform

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (a *API) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(r, "id")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "bad run id")
		return
	}
	run, flusher, ok := a.prepareRunEventStream(w, r, runID)
	if !ok {
		return
	}
	writeRunEventHeaders(w)

	lastEventID := readLastEventID(r)
	replay, live, needsSnapshot, unsubscribe := a.events.subscribe(runID, lastEventID)
	defer unsubscribe()

	lastPayload := newRunSnapshot(run)
	lastPayload.Sequence = a.events.latestSequence(runID)
	lastPayload.EventID = strconv.FormatInt(lastPayload.Sequence, 10)

	if !writeInitialRunEvents(w, flusher, needsSnapshot, replay, &lastPayload) {
		return
	}
	// Terminal runs have nothing left to stream once the snapshot is out.
	if run.terminal() && !run.Finished.IsZero() && len(replay) == 0 {
		return
	}
	a.streamLiveRunEvents(r, w, flusher, live, lastPayload)
}

func (a *API) prepareRunEventStream(
	w http.ResponseWriter,
	r *http.Request,
	runID string,
) (PipelineRun, http.Flusher, bool) {
	if a.store == nil || a.events == nil {
		writeJSONError(w, http.StatusInternalServerError, "run events unavailable")
		return PipelineRun{}, nil, false
	}
	run, err := a.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "read run")
		return PipelineRun{}, nil, false
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return PipelineRun{}, nil, false
	}
	return run, flusher, true
}

func writeRunEventHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func readLastEventID(r *http.Request) string {
	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}
	return lastEventID
}

func writeInitialRunEvents(
	w http.ResponseWriter,
	flusher http.Flusher,
	needsSnapshot bool,
	replay []runEventRecord,
	lastPayload *runEventPayload,
) bool {
	if needsSnapshot {
		snapshot := *lastPayload
		snapshot.EventID = "snapshot"
		if writeErr := writeSSEEvent(w, flusher, runEventSnapshot, snapshot, false); writeErr != nil {
			return false
		}
	}
	for _, record := range replay {
		*lastPayload = record.Payload
		if writeErr := writeSSEEvent(w, flusher, record.Name, record.Payload, true); writeErr != nil {
			return false
		}
	}
	return true
}

func (a *API) streamLiveRunEvents(
	r *http.Request,
	w http.ResponseWriter,
	flusher http.Flusher,
	live <-chan runEventRecord,
	lastPayload runEventPayload,
) {
	heartbeatSeq := lastPayload.Sequence
	ticker := time.NewTicker(a.effectiveEventsHeartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case record, streamOpen := <-live:
			if !streamOpen {
				return
			}
			lastPayload = record.Payload
			if writeErr := writeSSEEvent(w, flusher, record.Name, record.Payload, true); writeErr != nil {
				return
			}
			if record.Name == runEventCompleted || record.Name == runEventFailed {
				return
			}
		case <-ticker.C:
			heartbeatSeq++
			heartbeat := newRunHeartbeatPayload(lastPayload, heartbeatSeq)
			if writeErr := writeSSEEvent(w, flusher, runEventHeartbeat, heartbeat, false); writeErr != nil {
				return
			}
		}
	}
}

func (a *API) effectiveEventsHeartbeat() time.Duration {
	if a != nil && a.eventsHeartbeat > 0 {
		return a.eventsHeartbeat
	}
	return runEventsHeartbeat
}

func writeSSEEvent(
	w http.ResponseWriter,
	flusher http.Flusher,
	eventName string,
	payload runEventPayload,
	includeProtocolID bool,
) error {
	payload.At = payload.At.UTC()
	if payload.At.IsZero() {
		payload.At = time.Now().UTC()
	}
	if payload.EventID == "" {
		payload.EventID = strconv.FormatInt(payload.Sequence, 10)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var b strings.Builder
	if includeProtocolID {
		b.WriteString("id: " + sanitizeSSEField(payload.EventID) + "\n")
	}
	b.WriteString("event: " + sanitizeSSEField(eventName) + "\n")
	b.WriteString("data: ")
	b.Write(body)
	b.WriteString("\n\n")
	// #nosec G705 -- SSE fields are sanitized and the data line is JSON.
	if _, err := w.Write([]byte(b.String())); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func sanitizeSSEField(raw string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ")
	return replacer.Replace(strings.TrimSpace(raw))
}
