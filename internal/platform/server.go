package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"k8s.io/client-go/kubernetes"
)

////////////////////////////////////////////////////////////////////////////////
// Entrypoint: embedded broker + stage workers + HTTP API
////////////////////////////////////////////////////////////////////////////////

// Serve runs the pipeline service until ctx is cancelled.
func Serve(ctx context.Context, cfg Config) error {
	mainLog := appLoggerForProcess().Source("main")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ns, natsURL, jsDir, jsDirIsTemp, err := startEmbeddedNATS(cfg.NATSStore)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
		if jsDirIsTemp {
			_ = os.RemoveAll(jsDir)
		}
	}()

	nc, err := nats.Connect(natsURL, nats.Name("api"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer func() {
		if derr := nc.Drain(); derr != nil {
			mainLog.Warnf("nats drain error: %v", derr)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	if err := ensureWorkerDeliveryStream(ctx, js); err != nil {
		return fmt.Errorf("work stream: %w", err)
	}
	store, err := newStore(ctx, js)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	events := newRunEventHub(runEventsHistoryLimit, runEventsRetention)
	store.setRunEvents(events)

	creds := newCredentialStore(store)
	imported, err := creds.ImportCredentialsFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("import credentials: %w", err)
	}
	if len(imported) > 0 {
		mainLog.Infof("imported credentials from environment: %v", imported)
	}
	if missing, checkErr := creds.CheckRequired(ctx); checkErr == nil && len(missing) > 0 {
		mainLog.Warnf("credential contract incomplete, missing: %v", missing)
	}

	artifacts := NewFSArtifacts(cfg.ArtifactsRoot)
	if mkdirErr := os.MkdirAll(cfg.ArtifactsRoot, dirModePrivateRead); mkdirErr != nil {
		return fmt.Errorf("mkdir artifacts root: %w", mkdirErr)
	}

	kube, argo := connectCluster(cfg, mainLog)

	builderMode := resolveEffectiveImageBuilderMode(ctx, cfg.ImageBuilderMode)
	if builderMode.policyError != "" {
		return errors.New(builderMode.policyError)
	}
	if builderMode.requestedWarning != "" {
		mainLog.Warnf("image builder: %s", builderMode.requestedWarning)
	}
	if builderMode.fallbackReason != "" {
		mainLog.Warnf("image builder fallback to %s: %s", builderMode.effectiveMode, builderMode.fallbackReason)
	}

	metrics := newPipelineMetrics()
	deps := workerDeps{
		cfg:        cfg,
		store:      nil,
		events:     events,
		artifacts:  artifacts,
		creds:      creds,
		tools:      execToolRunner{},
		builder:    imageBuilderFor(builderMode.effectiveMode),
		argo:       argo,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: sonarGateRequestTimeout},
	}
	for _, def := range pipelineStageDefs(cfg) {
		worker := NewStageWorker(def, natsURL, deps)
		if startErr := worker.Start(ctx); startErr != nil {
			return fmt.Errorf("start %s worker: %w", def.stage, startErr)
		}
	}

	waiters := newWaiterHub()
	finalizer := &runFinalizer{
		natsURL:       natsURL,
		events:        events,
		waiters:       waiters,
		metrics:       metrics,
		artifacts:     artifacts,
		keepWorkspace: cfg.KeepWorkspace,
	}
	if err := finalizer.Start(ctx); err != nil {
		return fmt.Errorf("start finalizer: %w", err)
	}

	api := &API{
		cfg:             cfg,
		js:              js,
		store:           store,
		creds:           creds,
		artifacts:       artifacts,
		waiters:         waiters,
		events:          events,
		metrics:         metrics,
		verifier:        NewVerifier(kube, argo, creds, nil),
		webhooks:        newWebhookDeduper(webhookDedupWindow),
		eventsHeartbeat: runEventsHeartbeat,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.routes(),
		ReadHeaderTimeout: defaultReadHeaderWait,
	}

	mainLog.Infof("NATS: %s (store %s)", natsURL, jsDir)
	mainLog.Infof("API: http://%s", cfg.HTTPAddr)
	mainLog.Infof("Artifacts root: %s", cfg.ArtifactsRoot)
	mainLog.Infof("Image builder: %s", builderMode.effectiveMode)

	serveErr := make(chan error, 1)
	go func() {
		listenErr := srv.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErr <- listenErr
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	mainLog.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownWait)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Warnf("http shutdown: %v", err)
	}
	cancel()
	// Give consumers a moment to stop before the broker goes away.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// connectCluster is best effort: without a kubeconfig the service still runs
// CI stages, and verify reports the missing cluster.
func connectCluster(cfg Config, log sourceLogger) (kubernetes.Interface, *argoClient) {
	clients, err := newKubeClients(cfg.Kubeconfig)
	if err != nil {
		log.Warnf("kubernetes unavailable (%v); sync wait and smoke checks are disabled", err)
		return nil, nil
	}
	return clients.typed, newArgoClient(clients.dynamic, defaultString(cfg.ArgoNamespace, defaultArgoNamespace))
}
