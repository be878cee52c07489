//nolint:testpackage // Event hub and replay helpers are unexported.
package platform

import (
	"strings"
	"testing"
	"time"
)

func TestRunEvents_PublishAssignsSequences(t *testing.T) {
	t.Parallel()

	h := newRunEventHub(10, time.Minute)
	run := PipelineRun{ID: "run-1", AppID: "shop", Status: runStatusRunning}
	emitRunStatus(h, run, "queued")
	emitStageStarted(h, run, stageCheckout, "cloning")

	if got := h.latestSequence("run-1"); got != 2 {
		t.Fatalf("latestSequence = %d, want 2", got)
	}
	replay, _, needsSnapshot, unsubscribe := h.subscribe("run-1", "1")
	defer unsubscribe()
	if needsSnapshot {
		t.Fatal("in-window Last-Event-ID should replay")
	}
	if len(replay) != 1 || replay[0].Name != runEventStarted || replay[0].Payload.StageIndex != 1 {
		t.Fatalf("unexpected replay: %+v", replay)
	}
}

func TestRunEvents_SubscriberReceivesLiveEvents(t *testing.T) {
	t.Parallel()

	h := newRunEventHub(10, time.Minute)
	_, ch, needsSnapshot, unsubscribe := h.subscribe("run-1", "")
	defer unsubscribe()
	if !needsSnapshot {
		t.Fatal("fresh subscriber needs a snapshot")
	}

	emitRunTerminal(h, PipelineRun{ID: "run-1", Status: runStatusError, Error: "trivy: vulnerabilities found"})

	select {
	case record := <-ch:
		if record.Name != runEventFailed {
			t.Fatalf("unexpected event %s", record.Name)
		}
		if record.Payload.Hint == "" {
			t.Fatal("failed event should carry a hint")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRunEvents_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	h := newRunEventHub(3, time.Minute)
	run := PipelineRun{ID: "run-1", Status: runStatusRunning}
	for range 6 {
		emitRunStatus(h, run, "tick")
	}
	replay, _, needsSnapshot, unsubscribe := h.subscribe("run-1", "1")
	defer unsubscribe()
	if !needsSnapshot || replay != nil {
		t.Fatalf("evicted Last-Event-ID should request snapshot, got %v %v", replay, needsSnapshot)
	}
	replay, _, needsSnapshot, unsubscribe2 := h.subscribe("run-1", "3")
	defer unsubscribe2()
	if needsSnapshot || len(replay) != 3 {
		t.Fatalf("expected replay of retained records, got %d snapshot=%v", len(replay), needsSnapshot)
	}
}

func TestRunEvents_ComputeReplayEdges(t *testing.T) {
	t.Parallel()

	records := []runEventRecord{
		{Name: runEventStatus, Payload: runEventPayload{Sequence: 4}},
		{Name: runEventStatus, Payload: runEventPayload{Sequence: 5}},
	}
	for _, id := range []string{"", "abc", "-1", "9", "1"} {
		if _, snap := computeRunEventReplay(records, id); !snap {
			t.Fatalf("id %q should require snapshot", id)
		}
	}
	replay, snap := computeRunEventReplay(records, "5")
	if snap || len(replay) != 0 {
		t.Fatalf("up-to-date client gets empty replay, got %v %v", replay, snap)
	}
}

func TestRunEvents_StageEndedPublishesArtifacts(t *testing.T) {
	t.Parallel()

	h := newRunEventHub(10, time.Minute)
	start := time.Now().Add(-2 * time.Second)
	emitStageEnded(h, PipelineRun{ID: "run-1", Status: runStatusRunning}, RunStage{
		Stage:     stageSecurityScan,
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
		Artifacts: []string{"security-scan/trivy-fs.json"},
	})
	replay, _, _, unsubscribe := h.subscribe("run-1", "0")
	defer unsubscribe()
	if len(replay) != 2 || replay[0].Name != runEventEnded || replay[1].Name != runEventArtifacts {
		t.Fatalf("unexpected events: %+v", replay)
	}
	if replay[0].Payload.DurationMS != 1500 {
		t.Fatalf("unexpected duration %d", replay[0].Payload.DurationMS)
	}
}

func TestRunEvents_ProgressAndSnapshot(t *testing.T) {
	t.Parallel()

	now := time.Now()
	run := PipelineRun{
		ID:     "run-1",
		Status: runStatusRunning,
		Stages: []RunStage{
			{Stage: stageCheckout, StartedAt: now, EndedAt: now.Add(time.Second)},
			{Stage: stageStaticAnalysis, StartedAt: now.Add(time.Second)},
		},
	}
	if got := runProgressPercent(run); got != 20 {
		t.Fatalf("progress = %d, want 20", got)
	}
	if got := runProgressPercent(PipelineRun{Status: runStatusDone}); got != 100 {
		t.Fatalf("done progress = %d", got)
	}
	if got := runProgressPercent(PipelineRun{Status: runStatusRunning}); got != runProgressMin {
		t.Fatalf("running progress floor = %d", got)
	}

	snap := newRunSnapshot(run)
	if snap.Stage != stageStaticAnalysis || snap.StageIndex != 2 || snap.Message != "run in progress" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRunEvents_FailureHints(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"credential missing: sonar-token":  "gitops-pipeline creds set",
		"sonar quality gate ERROR":         "static analysis",
		"trivy: vulnerabilities found":     "dependencies",
		"skipped due to upstream error: x": "earlier stage",
		"context deadline exceeded":        "timed out",
	}
	for msg, want := range cases {
		if got := runFailureHint(msg); !strings.Contains(strings.ToLower(got), want) {
			t.Fatalf("hint for %q = %q, want substring %q", msg, got, want)
		}
	}
}
