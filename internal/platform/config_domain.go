package platform

////////////////////////////////////////////////////////////////////////////////
// Domain contracts/defaults
////////////////////////////////////////////////////////////////////////////////

// Credential identifiers expected in the credential store. The names are a
// literal contract shared with the CI credential store; do not rename.
const (
	credAWS        = "aws-creds"
	credSonarToken = "sonar-token"
	credAccountID  = "Account_ID"
	credECRRepo1   = "ECR_REPO1"
	credECRRepo2   = "ECR_REPO2"
	credGitHubApp  = "GITHUB-APP"
	credGitHubPAT  = "github"
)

// Grafana dashboard ids imported for the metrics stack.
const (
	dashboardKubernetesCluster = 6417
	dashboardKubernetesViews   = 17375
)

const (
	branchMain = "main"

	tierFrontend = "frontend"
	tierBackend  = "backend"
	tierDatabase = "database"

	stageCheckout       = "checkout"
	stageStaticAnalysis = "static-analysis"
	stageSecurityScan   = "security-scan"
	stageBuildPush      = "build-push"
	stageManifestUpdate = "manifest-update"

	runStatusQueued  = "queued"
	runStatusRunning = "running"
	runStatusDone    = "done"
	runStatusError   = "error"

	appPhaseIdle    = "Idle"
	appPhaseRunning = "Running"
	appPhaseHealthy = "Healthy"
	appPhaseFailed  = "Failed"

	triggerManual  = "manual"
	triggerWebhook = "webhook"

	skipCIMarker     = "[skip ci]"
	botCommitPrefix  = "ci: update image tags"
	maxTierNameLen   = 32
	maxAppNameLength = 63
)

func pipelineStages() []string {
	return []string{
		stageCheckout,
		stageStaticAnalysis,
		stageSecurityScan,
		stageBuildPush,
		stageManifestUpdate,
	}
}
