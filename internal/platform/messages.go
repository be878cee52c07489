package platform

import "time"

////////////////////////////////////////////////////////////////////////////////
// Stage chain messages
////////////////////////////////////////////////////////////////////////////////

// RunStageMsg is what a stage worker consumes. StageResultMsg carries the same
// JSON fields plus the worker outcome, so a result published on one subject
// decodes as the input of the next stage.
type RunStageMsg struct {
	RunID          string            `json:"run_id"`
	AppID          string            `json:"app_id"`
	Spec           ApplicationSpec   `json:"spec"`
	Trigger        RunTrigger        `json:"trigger"`
	Commit         string            `json:"commit,omitempty"`
	Images         map[string]string `json:"images,omitempty"`
	ManifestCommit string            `json:"manifest_commit,omitempty"`
	Err            string            `json:"err,omitempty"`
	At             time.Time         `json:"at"`
}

type StageResultMsg struct {
	RunID          string            `json:"run_id"`
	AppID          string            `json:"app_id"`
	Spec           ApplicationSpec   `json:"spec"`
	Trigger        RunTrigger        `json:"trigger"`
	Commit         string            `json:"commit,omitempty"`
	Images         map[string]string `json:"images,omitempty"`
	ManifestCommit string            `json:"manifest_commit,omitempty"`
	Worker         string            `json:"worker"`
	Stage          string            `json:"stage"`
	Message        string            `json:"message,omitempty"`
	Err            string            `json:"err,omitempty"`
	Artifacts      []string          `json:"artifacts,omitempty"`
	Sync           *SyncStatus       `json:"sync,omitempty"`
	At             time.Time         `json:"at"`
}

type WorkerPoisonMsg struct {
	Worker    string    `json:"worker"`
	SubjectIn string    `json:"subject_in"`
	RunID     string    `json:"run_id"`
	Attempt   uint64    `json:"attempt"`
	Reason    string    `json:"reason"`
	Payload   []byte    `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

func newStageResultMsg(message string) StageResultMsg {
	return StageResultMsg{
		RunID:          "",
		AppID:          "",
		Spec:           ApplicationSpec{},
		Trigger:        RunTrigger{},
		Commit:         "",
		Images:         nil,
		ManifestCommit: "",
		Worker:         "",
		Stage:          "",
		Message:        message,
		Err:            "",
		Artifacts:      nil,
		Sync:           nil,
		At:             time.Time{},
	}
}

func newRunStartMsg(run PipelineRun, spec ApplicationSpec) RunStageMsg {
	return RunStageMsg{
		RunID:          run.ID,
		AppID:          run.AppID,
		Spec:           spec,
		Trigger:        run.Trigger,
		Commit:         run.Trigger.Commit,
		Images:         nil,
		ManifestCommit: "",
		Err:            "",
		At:             run.Requested,
	}
}
