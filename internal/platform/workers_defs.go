package platform

import (
	"context"
	"errors"
	"net/http"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Workers (checkout -> static analysis -> scan -> build/push -> manifest)
////////////////////////////////////////////////////////////////////////////////

type Worker interface {
	Start(ctx context.Context) error
}

// workerDeps is what a stage action may touch. store is set per worker
// connection in runWorkerLoop.
type workerDeps struct {
	cfg        Config
	store      *Store
	events     *runEventHub
	artifacts  ArtifactStore
	creds      credentialSource
	tools      toolRunner
	builder    imageBuilderBackend
	argo       *argoClient
	metrics    *pipelineMetrics
	httpClient *http.Client
}

type stageFn func(ctx context.Context, deps workerDeps, msg RunStageMsg) (StageResultMsg, error)

type stageDef struct {
	stage        string
	tool         string
	subjectIn    string
	subjectOut   string
	startMessage string
	timeout      time.Duration
	fn           stageFn
}

// pipelineStageDefs wires the fixed stage order onto the subject chain.
func pipelineStageDefs(cfg Config) []stageDef {
	return []stageDef{
		{
			stage:        stageCheckout,
			tool:         "git",
			subjectIn:    subjectRunStart,
			subjectOut:   subjectCheckoutDone,
			startMessage: "clone source repository",
			timeout:      gitOpTimeout,
			fn:           checkoutStageAction,
		},
		{
			stage:        stageStaticAnalysis,
			tool:         defaultString(cfg.SonarScannerBin, defaultSonarScannerBin),
			subjectIn:    subjectCheckoutDone,
			subjectOut:   subjectAnalysisDone,
			startMessage: "static analysis and quality gate",
			timeout:      scanOpTimeout,
			fn:           staticAnalysisStageAction,
		},
		{
			stage:        stageSecurityScan,
			tool:         defaultString(cfg.TrivyBin, defaultTrivyBin),
			subjectIn:    subjectAnalysisDone,
			subjectOut:   subjectScanDone,
			startMessage: "dependency vulnerability scan",
			timeout:      scanOpTimeout,
			fn:           securityScanStageAction,
		},
		{
			stage:        stageBuildPush,
			tool:         "image-builder",
			subjectIn:    subjectScanDone,
			subjectOut:   subjectBuildDone,
			startMessage: "build, scan and push tier images",
			timeout:      buildOpTimeout + scanOpTimeout,
			fn:           buildPushStageAction,
		},
		{
			stage:        stageManifestUpdate,
			tool:         "kustomize",
			subjectIn:    subjectBuildDone,
			subjectOut:   subjectManifestDone,
			startMessage: "update image tags in manifests repository",
			timeout:      2*gitOpTimeout + cfg.SyncTimeout,
			fn:           manifestUpdateStageAction,
		},
	}
}

type StageWorker struct {
	def     stageDef
	natsURL string
	deps    workerDeps
}

func NewStageWorker(def stageDef, natsURL string, deps workerDeps) *StageWorker {
	return &StageWorker{def: def, natsURL: natsURL, deps: deps}
}

func (w *StageWorker) Start(ctx context.Context) error {
	return startWorker(ctx, w.def, w.natsURL, w.deps)
}

// stageOutcome is what the per-stage helpers return before it is folded into
// the result message.
type stageOutcome struct {
	message   string
	artifacts []string
}

func newStageOutcome() stageOutcome {
	return stageOutcome{message: "", artifacts: nil}
}

// optionalCredential returns "" for a missing credential so local and file
// remotes work without a token.
func optionalCredential(ctx context.Context, creds credentialSource, name string) (string, error) {
	value, err := creds.GetCredential(ctx, name)
	if err == nil {
		return value, nil
	}
	if errors.Is(err, ErrCredentialMissing) {
		return "", nil
	}
	return "", err
}
