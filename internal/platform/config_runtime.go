package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Runtime defaults and tunables
////////////////////////////////////////////////////////////////////////////////

type imageBuilderMode string

const (
	defaultHTTPAddr = "127.0.0.1:8080"

	legacyArtifactsRoot    = "./data/artifacts"
	artifactsAppFolderName = "gitops-pipeline"

	defaultNATSStoreDir       = "./data/nats"
	natsStoreDirModeTemp      = "temp"
	natsStoreDirModeEphemeral = "ephemeral"

	imageBuilderModeArtifact imageBuilderMode = "artifact"
	imageBuilderModeBuildKit imageBuilderMode = "buildkit"

	defaultAWSRegion        = "us-east-1"
	defaultArgoNamespace    = "argocd"
	defaultSonarScannerBin  = "sonar-scanner"
	defaultTrivyBin         = "trivy"
	defaultAWSCLIBin        = "aws"
	defaultSeverityGate     = "CRITICAL,HIGH"
	defaultGrafanaURL       = "http://127.0.0.1:3000"
	defaultGrafanaSource    = "Prometheus"
	defaultGrafanaComURL    = "https://grafana.com"
	defaultClusterName      = "three-tier-cluster"
	defaultNodeType         = "t2.medium"
	defaultNodeCount        = 2
	defaultHelmTimeout      = 10 * time.Minute
	defaultSyncTimeout      = 5 * time.Minute
	syncPollInterval        = 5 * time.Second
	buildOpTimeout          = 10 * time.Minute
	scanOpTimeout           = 15 * time.Minute
	buildKitProbeTimeout    = 500 * time.Millisecond
	sonarGateRequestTimeout = 15 * time.Second

	defaultKVAppHistory     = 10
	defaultKVRunHistory     = 20
	defaultKVCredHistory    = 5
	defaultStartupWait      = 10 * time.Second
	defaultReadHeaderWait   = 5 * time.Second
	defaultShutdownWait     = 10 * time.Second
	runWaitTimeout          = 30 * time.Minute
	gitOpTimeout            = 2 * time.Minute
	gitReadTimeout          = 10 * time.Second
	runEventsRetention      = 30 * time.Minute
	runEventsHeartbeat      = 10 * time.Second
	kvUpdateAttempts        = 8
	manifestPushAttempts    = 2
	appRunsIndexCap         = 200
	appRunsDefaultLimit     = 20
	toolOutputTailBytes     = 4096
	shortIDLength           = 12
	httpServerErrThreshold  = 500
	httpClientErrThreshold  = 400
	runEventsHistoryLimit   = 256
	runEventArtifactsLimit  = 8
	maxWebhookBodyBytes     = 5 << 20
	maxCredentialValueBytes = 8192

	workerDeliveryAckWait        = 30 * time.Second
	workerDeliveryMaxDeliver     = 5
	workerDeliveryStreamMaxAge   = 24 * time.Hour
	workerDeliveryStreamMaxMsgs  = int64(20000)
	workerDeliveryStreamMaxBytes = int64(64 * 1024 * 1024)
	workerDeliveryDuplicates     = 2 * time.Minute

	fileModePrivate    os.FileMode = 0o600
	dirModePrivateRead os.FileMode = 0o750
)

func workerDeliveryRetryBackoff() []time.Duration {
	return []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
	}
}

// Config is the resolved process configuration. LoadConfig builds it from the
// config file, PIPELINE_* environment variables and compiled defaults.
type Config struct {
	HTTPAddr         string
	NATSStore        natsStoreDirResolution
	ArtifactsRoot    string
	ImageBuilderMode string
	KeepWorkspace    bool

	AWSRegion       string
	RegistryPush    bool
	RegistryUser    string
	RegistryPass    string
	AWSCLIBin       string
	SonarURL        string
	SonarScannerBin string
	TrivyBin        string
	SeverityGate    string

	Kubeconfig    string
	ArgoNamespace string
	WaitForSync   bool
	SyncTimeout   time.Duration

	ClusterName string
	NodeType    string
	NodeCount   int
	HelmTimeout time.Duration

	GrafanaURL        string
	GrafanaAPIKey     string
	GrafanaDataSource string
	GrafanaComURL     string
}

func (c Config) registryHost(accountID string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", strings.TrimSpace(accountID), c.AWSRegion)
}

func (c Config) severityList() []string {
	var out []string
	for _, raw := range strings.Split(c.SeverityGate, ",") {
		sev := strings.ToUpper(strings.TrimSpace(raw))
		if sev != "" {
			out = append(out, sev)
		}
	}
	return out
}

type imageBuilderModeResolution struct {
	requestedMode     imageBuilderMode
	requestedExplicit bool
	effectiveMode     imageBuilderMode
	requestedWarning  string
	fallbackReason    string
	policyError       string
}

func parseImageBuilderMode(raw string) (imageBuilderMode, error) {
	mode := strings.TrimSpace(strings.ToLower(raw))
	switch mode {
	case "", string(imageBuilderModeArtifact):
		return imageBuilderModeArtifact, nil
	case string(imageBuilderModeBuildKit):
		return imageBuilderModeBuildKit, nil
	default:
		return imageBuilderModeArtifact, fmt.Errorf(
			"invalid image builder mode %q (expected %s or %s)",
			raw,
			imageBuilderModeArtifact,
			imageBuilderModeBuildKit,
		)
	}
}

type buildkitProbeFunc func(ctx context.Context) error

func resolveEffectiveImageBuilderMode(ctx context.Context, raw string) imageBuilderModeResolution {
	requested, parseErr := parseImageBuilderMode(raw)
	return resolveEffectiveImageBuilderModeWithProbe(
		ctx,
		requested,
		strings.TrimSpace(raw) != "",
		parseErr,
		buildkitCompiledIn(),
		probeBuildkitDaemonReachability,
	)
}

func resolveEffectiveImageBuilderModeWithProbe(
	ctx context.Context,
	requestedMode imageBuilderMode,
	requestedExplicit bool,
	parseErr error,
	buildkitAvailable bool,
	probe buildkitProbeFunc,
) imageBuilderModeResolution {
	resolution := imageBuilderModeResolution{
		requestedMode:     requestedMode,
		requestedExplicit: requestedExplicit,
		effectiveMode:     requestedMode,
		requestedWarning:  "",
		fallbackReason:    "",
		policyError:       "",
	}
	if parseErr != nil {
		resolution.requestedWarning = parseErr.Error()
	}
	if requestedMode != imageBuilderModeBuildKit {
		return resolution
	}
	if !buildkitAvailable {
		if requestedExplicit {
			resolution.policyError = "explicit buildkit image builder requires a binary built with -tags buildkit"
			return resolution
		}
		resolution.effectiveMode = imageBuilderModeArtifact
		resolution.fallbackReason = "buildkit support is unavailable in this binary"
		return resolution
	}
	if probe == nil {
		return resolution
	}
	probeCtx, cancel := context.WithTimeout(ctx, buildKitProbeTimeout)
	defer cancel()
	if err := probe(probeCtx); err != nil {
		if requestedExplicit {
			resolution.policyError = fmt.Sprintf(
				"explicit buildkit image builder requested but BuildKit daemon is unreachable: %v",
				err,
			)
			return resolution
		}
		resolution.effectiveMode = imageBuilderModeArtifact
		resolution.fallbackReason = fmt.Sprintf("buildkit daemon is unreachable: %v", err)
	}
	return resolution
}

type natsStoreDirResolution struct {
	storeDir    string
	isEphemeral bool
}

func resolveNATSStoreDirRaw(raw string, exists bool) natsStoreDirResolution {
	trimmed := strings.TrimSpace(raw)
	if !exists || trimmed == "" {
		return natsStoreDirResolution{
			storeDir:    defaultNATSStoreDir,
			isEphemeral: false,
		}
	}
	switch strings.ToLower(trimmed) {
	case natsStoreDirModeTemp, natsStoreDirModeEphemeral:
		return natsStoreDirResolution{
			storeDir:    "",
			isEphemeral: true,
		}
	default:
		return natsStoreDirResolution{
			storeDir:    trimmed,
			isEphemeral: false,
		}
	}
}

func resolveArtifactsRootRaw(
	goos string,
	raw string,
	homeDir string,
	xdgStateHome string,
) string {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return trimmed
	}
	return defaultArtifactsRootForOS(goos, homeDir, xdgStateHome)
}

func defaultArtifactsRootForOS(goos string, homeDir string, xdgStateHome string) string {
	switch goos {
	case "darwin":
		if strings.TrimSpace(homeDir) != "" {
			return filepath.Join(
				homeDir,
				"Library",
				"Application Support",
				artifactsAppFolderName,
				"artifacts",
			)
		}
	case "linux":
		stateRoot := strings.TrimSpace(xdgStateHome)
		if stateRoot == "" && strings.TrimSpace(homeDir) != "" {
			stateRoot = filepath.Join(homeDir, ".local", "state")
		}
		if stateRoot != "" {
			return filepath.Join(stateRoot, artifactsAppFolderName, "artifacts")
		}
	}
	if strings.TrimSpace(homeDir) != "" {
		return filepath.Join(homeDir, ".local", "state", artifactsAppFolderName, "artifacts")
	}
	return legacyArtifactsRoot
}

func resolveArtifactsRoot(raw string) string {
	homeDir, _ := os.UserHomeDir()
	return resolveArtifactsRootRaw(runtime.GOOS, raw, homeDir, os.Getenv("XDG_STATE_HOME"))
}
