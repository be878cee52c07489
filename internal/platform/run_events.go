package platform

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	runEventSnapshot  = "run.snapshot"
	runEventStatus    = "run.status"
	runEventStarted   = "stage.started"
	runEventEnded     = "stage.ended"
	runEventArtifacts = "stage.artifacts"
	runEventCompleted = "run.completed"
	runEventFailed    = "run.failed"
	runEventHeartbeat = "run.heartbeat"

	runMessageFailed = "pipeline failed"
	runMessageDone   = "pipeline completed"

	runEventSubscriberBuffer = 32
	runProgressMin           = 1
	runProgressMax           = 100
)

type runEventPayload struct {
	EventID         string    `json:"event_id"`
	Sequence        int64     `json:"sequence"`
	RunID           string    `json:"run_id"`
	AppID           string    `json:"app_id"`
	Status          string    `json:"status"`
	At              time.Time `json:"at"`
	Stage           string    `json:"stage,omitempty"`
	StageIndex      int       `json:"stage_index,omitempty"`
	TotalStages     int       `json:"total_stages"`
	ProgressPercent int       `json:"progress_percent,omitempty"`
	DurationMS      int64     `json:"duration_ms,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	Artifacts       []string  `json:"artifacts,omitempty"`
	Hint            string    `json:"hint,omitempty"`
}

type runEventRecord struct {
	Name    string
	Payload runEventPayload
}

type runEventStream struct {
	records      []runEventRecord
	subscribers  map[uint64]chan runEventRecord
	nextSequence int64
	terminalAt   time.Time
}

// runEventHub keeps a bounded per-run event history so SSE clients can resume
// with Last-Event-ID.
type runEventHub struct {
	mu           sync.Mutex
	historyLimit int
	terminalTTL  time.Duration
	nextSubID    uint64
	streams      map[string]*runEventStream
}

func newRunEventHub(historyLimit int, terminalTTL time.Duration) *runEventHub {
	if historyLimit <= 0 {
		historyLimit = runEventsHistoryLimit
	}
	if terminalTTL <= 0 {
		terminalTTL = runEventsRetention
	}
	return &runEventHub{
		mu:           sync.Mutex{},
		historyLimit: historyLimit,
		terminalTTL:  terminalTTL,
		nextSubID:    0,
		streams:      map[string]*runEventStream{},
	}
}

func (h *runEventHub) publish(eventName string, payload runEventPayload) {
	if h == nil || strings.TrimSpace(payload.RunID) == "" {
		return
	}

	now := time.Now().UTC()
	if payload.At.IsZero() {
		payload.At = now
	}

	h.mu.Lock()
	h.cleanupLocked(now)
	stream := h.streamForLocked(payload.RunID)
	stream.nextSequence++
	payload.Sequence = stream.nextSequence
	payload.EventID = strconv.FormatInt(stream.nextSequence, 10)

	record := runEventRecord{Name: eventName, Payload: payload}
	stream.records = append(stream.records, record)
	if len(stream.records) > h.historyLimit {
		stream.records = append([]runEventRecord(nil), stream.records[len(stream.records)-h.historyLimit:]...)
	}
	if eventName == runEventCompleted || eventName == runEventFailed {
		stream.terminalAt = now
	}

	subs := make([]chan runEventRecord, 0, len(stream.subscribers))
	for _, sub := range stream.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- record:
		default:
		}
	}
}

func (h *runEventHub) subscribe(
	runID string,
	lastEventID string,
) ([]runEventRecord, <-chan runEventRecord, bool, func()) {
	if h == nil {
		return nil, nil, true, func() {}
	}

	runID = strings.TrimSpace(runID)
	now := time.Now().UTC()

	h.mu.Lock()
	h.cleanupLocked(now)
	stream := h.streamForLocked(runID)

	ch := make(chan runEventRecord, runEventSubscriberBuffer)
	h.nextSubID++
	subID := h.nextSubID
	stream.subscribers[subID] = ch

	replay, needsSnapshot := computeRunEventReplay(stream.records, lastEventID)
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		streamState, ok := h.streams[runID]
		if !ok {
			return
		}
		sub, ok := streamState.subscribers[subID]
		if !ok {
			return
		}
		delete(streamState.subscribers, subID)
		close(sub)
	}

	return replay, ch, needsSnapshot, unsubscribe
}

func (h *runEventHub) latestSequence(runID string) int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[strings.TrimSpace(runID)]
	if !ok {
		return 0
	}
	return stream.nextSequence
}

func (h *runEventHub) streamForLocked(runID string) *runEventStream {
	stream, ok := h.streams[runID]
	if ok {
		return stream
	}
	stream = &runEventStream{
		records:      []runEventRecord{},
		subscribers:  map[uint64]chan runEventRecord{},
		nextSequence: 0,
		terminalAt:   time.Time{},
	}
	h.streams[runID] = stream
	return stream
}

func (h *runEventHub) cleanupLocked(now time.Time) {
	for runID, stream := range h.streams {
		if stream.terminalAt.IsZero() || len(stream.subscribers) > 0 {
			continue
		}
		if now.Sub(stream.terminalAt) < h.terminalTTL {
			continue
		}
		delete(h.streams, runID)
	}
}

func runEventRange(records []runEventRecord) (int64, int64) {
	if len(records) == 0 {
		return 0, 0
	}
	return records[0].Payload.Sequence, records[len(records)-1].Payload.Sequence
}

// computeRunEventReplay returns the records after lastEventID, or asks for a
// snapshot when the id is missing or outside the retained window.
func computeRunEventReplay(records []runEventRecord, lastEventID string) ([]runEventRecord, bool) {
	lastEventID = strings.TrimSpace(lastEventID)
	if lastEventID == "" {
		return nil, true
	}
	lastSeq, ok := parseRunEventSequence(lastEventID)
	if !ok {
		return nil, true
	}
	oldest, newest := runEventRange(records)
	if oldest == 0 && newest == 0 {
		return nil, true
	}
	if lastSeq < oldest-1 || lastSeq > newest {
		return nil, true
	}
	replay := make([]runEventRecord, 0, len(records))
	for _, record := range records {
		if record.Payload.Sequence > lastSeq {
			replay = append(replay, record)
		}
	}
	return replay, false
}

func parseRunEventSequence(raw string) (int64, bool) {
	seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func newRunEventBase(run PipelineRun) runEventPayload {
	return runEventPayload{
		EventID:         "",
		Sequence:        0,
		RunID:           run.ID,
		AppID:           run.AppID,
		Status:          strings.TrimSpace(run.Status),
		At:              time.Now().UTC(),
		Stage:           "",
		StageIndex:      0,
		TotalStages:     len(pipelineStages()),
		ProgressPercent: runProgressPercent(run),
		DurationMS:      0,
		Message:         "",
		Error:           "",
		Artifacts:       nil,
		Hint:            "",
	}
}

func newRunSnapshot(run PipelineRun) runEventPayload {
	payload := newRunEventBase(run)
	payload.At = runSnapshotTime(run)

	if len(run.Stages) > 0 {
		latest := run.Stages[len(run.Stages)-1]
		payload.Stage = latest.Stage
		payload.StageIndex = stageIndex(latest.Stage)
		payload.Message = strings.TrimSpace(latest.Message)
		payload.Error = strings.TrimSpace(latest.Error)
		payload.Artifacts = boundedRunEventArtifacts(latest.Artifacts)
		payload.DurationMS = stageDurationMS(latest.StartedAt, latest.EndedAt)
	}
	if payload.Error == "" {
		payload.Error = strings.TrimSpace(run.Error)
	}
	if payload.Error != "" {
		payload.Hint = runFailureHint(payload.Error)
	}
	if payload.Message == "" {
		switch payload.Status {
		case runStatusQueued:
			payload.Message = "run accepted and queued"
		case runStatusRunning:
			payload.Message = "run in progress"
		case runStatusDone:
			payload.Message = runMessageDone
		case runStatusError:
			payload.Message = runMessageFailed
		}
	}
	return payload
}

func runSnapshotTime(run PipelineRun) time.Time {
	if !run.Finished.IsZero() {
		return run.Finished.UTC()
	}
	if len(run.Stages) > 0 {
		latest := run.Stages[len(run.Stages)-1]
		if !latest.EndedAt.IsZero() {
			return latest.EndedAt.UTC()
		}
		if !latest.StartedAt.IsZero() {
			return latest.StartedAt.UTC()
		}
	}
	if !run.Requested.IsZero() {
		return run.Requested.UTC()
	}
	return time.Now().UTC()
}

func emitRunStatus(h *runEventHub, run PipelineRun, msg string) {
	if h == nil {
		return
	}
	payload := newRunEventBase(run)
	payload.Message = strings.TrimSpace(msg)
	h.publish(runEventStatus, payload)
}

func emitStageStarted(h *runEventHub, run PipelineRun, stage string, msg string) {
	if h == nil {
		return
	}
	payload := newRunEventBase(run)
	payload.Stage = stage
	payload.StageIndex = stageIndex(stage)
	payload.Message = strings.TrimSpace(msg)
	h.publish(runEventStarted, payload)
}

func emitStageEnded(h *runEventHub, run PipelineRun, st RunStage) {
	if h == nil {
		return
	}
	payload := newRunEventBase(run)
	payload.Stage = st.Stage
	payload.StageIndex = stageIndex(st.Stage)
	payload.Message = strings.TrimSpace(st.Message)
	payload.Error = strings.TrimSpace(st.Error)
	if payload.Error != "" {
		payload.Hint = runFailureHint(payload.Error)
	}
	payload.Artifacts = boundedRunEventArtifacts(st.Artifacts)
	payload.DurationMS = stageDurationMS(st.StartedAt, st.EndedAt)
	h.publish(runEventEnded, payload)

	if len(payload.Artifacts) == 0 {
		return
	}
	artifactPayload := payload
	if artifactPayload.Message == "" {
		artifactPayload.Message = "stage produced artifacts"
	}
	h.publish(runEventArtifacts, artifactPayload)
}

func emitRunTerminal(h *runEventHub, run PipelineRun) {
	if h == nil {
		return
	}
	payload := newRunEventBase(run)
	payload.Error = strings.TrimSpace(run.Error)
	switch payload.Status {
	case runStatusError:
		payload.Hint = runFailureHint(payload.Error)
		payload.Message = runMessageFailed
		h.publish(runEventFailed, payload)
	case runStatusDone:
		payload.Message = runMessageDone
		h.publish(runEventCompleted, payload)
	}
}

func newRunHeartbeatPayload(base runEventPayload, sequence int64) runEventPayload {
	payload := base
	if sequence < 0 {
		sequence = 0
	}
	payload.EventID = strconv.FormatInt(sequence, 10)
	payload.Sequence = sequence
	payload.At = time.Now().UTC()
	payload.Message = "stream heartbeat"
	payload.Stage = ""
	payload.StageIndex = 0
	payload.DurationMS = 0
	payload.Artifacts = nil
	return payload
}

func boundedRunEventArtifacts(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	if len(in) <= runEventArtifactsLimit {
		return append([]string(nil), in...)
	}
	return append([]string(nil), in[:runEventArtifactsLimit]...)
}

func stageIndex(stage string) int {
	for i, name := range pipelineStages() {
		if name == stage {
			return i + 1
		}
	}
	return 0
}

func stageDurationMS(start, end time.Time) int64 {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

func runProgressPercent(run PipelineRun) int {
	if run.Status == runStatusDone {
		return runProgressMax
	}
	total := len(pipelineStages())
	done := 0
	for _, st := range run.Stages {
		if !st.EndedAt.IsZero() && strings.TrimSpace(st.Error) == "" {
			done++
		}
	}
	pct := done * runProgressMax / total
	if (run.Status == runStatusRunning || run.Status == runStatusError) && pct < runProgressMin {
		return runProgressMin
	}
	return min(pct, runProgressMax)
}

func runFailureHint(errMsg string) string {
	msg := strings.ToLower(strings.TrimSpace(errMsg))
	switch {
	case msg == "":
		return "Retry the run after refreshing application state."
	case strings.Contains(msg, "credential missing"):
		return "Create the missing credential with `gitops-pipeline creds set` and retry."
	case strings.Contains(msg, "quality gate"):
		return "Fix the issues reported by static analysis, then push again."
	case strings.Contains(msg, "vulnerabilit"):
		return "Upgrade the flagged dependencies or base image, then push again."
	case strings.Contains(msg, "skipped due to upstream error"):
		return "An earlier stage failed; inspect the first failed stage."
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "The stage timed out. Retry and inspect stage details."
	case strings.Contains(msg, "not found"):
		return "Refresh application data. The target application or run may no longer exist."
	default:
		return "Inspect artifacts and stage details, then retry when inputs are corrected."
	}
}
