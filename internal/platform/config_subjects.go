package platform

////////////////////////////////////////////////////////////////////////////////
// Subjects (checkout -> analysis -> scan -> build/push -> manifest) + KV buckets
////////////////////////////////////////////////////////////////////////////////

const (
	subjectWildcard = "pipeline.>"

	// API publishes new runs here.
	subjectRunStart = "pipeline.run.start"

	// Stage chain.
	subjectCheckoutDone = "pipeline.run.checkout.done"
	subjectAnalysisDone = "pipeline.run.analysis.done"
	subjectScanDone     = "pipeline.run.scan.done"
	subjectBuildDone    = "pipeline.run.build.done"
	subjectManifestDone = "pipeline.run.manifest.done"

	// Messages that exhausted redelivery.
	subjectWorkerPoison = "pipeline.worker.poison"

	workStreamName     = "PIPELINE_WORK"
	finalizerConsumer  = "run-finalizer"
	kvBucketApps       = "pipeline_apps"
	kvBucketRuns       = "pipeline_runs"
	kvBucketCreds      = "pipeline_credentials"
	kvAppKeyPrefix     = "app/"
	kvRunKeyPrefix     = "run/"
	kvAppRunsKeyPrefix = "app-runs/"
	kvCredKeyPrefix    = "cred/"
)
