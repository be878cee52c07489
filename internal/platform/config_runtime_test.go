//nolint:testpackage // Runtime config tests validate unexported resolution helpers directly.
package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveNATSStoreDirRawDefaultsToPersistentDataDir(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		raw    string
		exists bool
	}{
		{name: "unset", raw: "", exists: false},
		{name: "empty", raw: "", exists: true},
		{name: "whitespace", raw: "   ", exists: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := resolveNATSStoreDirRaw(tc.raw, tc.exists)
			if got.isEphemeral {
				t.Fatalf("expected persistent mode, got ephemeral")
			}
			if got.storeDir != defaultNATSStoreDir {
				t.Fatalf("expected default store dir %q, got %q", defaultNATSStoreDir, got.storeDir)
			}
		})
	}
}

func TestResolveNATSStoreDirRawAcceptsEphemeralModes(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{natsStoreDirModeTemp, " TEMP ", natsStoreDirModeEphemeral, " Ephemeral "} {
		got := resolveNATSStoreDirRaw(raw, true)
		if !got.isEphemeral || got.storeDir != "" {
			t.Fatalf("expected ephemeral mode for %q, got %+v", raw, got)
		}
	}
	got := resolveNATSStoreDirRaw(" ./runtime/state/nats ", true)
	if got.isEphemeral || got.storeDir != "./runtime/state/nats" {
		t.Fatalf("unexpected resolved dir: %+v", got)
	}
}

func TestResolveArtifactsRootRaw(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		goos string
		raw  string
		home string
		xdg  string
		want string
	}{
		{"explicit wins", "linux", " /srv/artifacts ", "/home/u", "", "/srv/artifacts"},
		{"linux xdg", "linux", "", "/home/u", "/state", filepath.Join("/state", artifactsAppFolderName, "artifacts")},
		{"linux home", "linux", "", "/home/u", "", filepath.Join("/home/u", ".local", "state", artifactsAppFolderName, "artifacts")},
		{"darwin", "darwin", "", "/Users/u", "", filepath.Join("/Users/u", "Library", "Application Support", artifactsAppFolderName, "artifacts")},
		{"no home", "windows", "", "", "", legacyArtifactsRoot},
	}
	for _, tc := range cases {
		if got := resolveArtifactsRootRaw(tc.goos, tc.raw, tc.home, tc.xdg); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestImageBuilderModeResolution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	probeErr := errors.New("dial unix /run/buildkit/buildkitd.sock: connect: no such file")
	failingProbe := func(context.Context) error { return probeErr }

	res := resolveEffectiveImageBuilderModeWithProbe(ctx, imageBuilderModeArtifact, false, nil, false, nil)
	if res.effectiveMode != imageBuilderModeArtifact || res.policyError != "" {
		t.Fatalf("artifact mode should pass through: %+v", res)
	}

	res = resolveEffectiveImageBuilderModeWithProbe(ctx, imageBuilderModeBuildKit, true, nil, false, nil)
	if res.policyError == "" {
		t.Fatal("explicit buildkit without support must be a policy error")
	}

	res = resolveEffectiveImageBuilderModeWithProbe(ctx, imageBuilderModeBuildKit, false, nil, true, failingProbe)
	if res.effectiveMode != imageBuilderModeArtifact || !strings.Contains(res.fallbackReason, "unreachable") {
		t.Fatalf("implicit buildkit should fall back: %+v", res)
	}

	res = resolveEffectiveImageBuilderModeWithProbe(ctx, imageBuilderModeBuildKit, true, nil, true, failingProbe)
	if res.policyError == "" {
		t.Fatal("explicit buildkit with unreachable daemon must be a policy error")
	}

	res = resolveEffectiveImageBuilderModeWithProbe(ctx, imageBuilderModeBuildKit, true, nil, true, func(context.Context) error { return nil })
	if res.effectiveMode != imageBuilderModeBuildKit || res.policyError != "" || res.fallbackReason != "" {
		t.Fatalf("reachable buildkit should be used: %+v", res)
	}

	if _, err := parseImageBuilderMode("kaniko"); err == nil {
		t.Fatal("unknown builder mode must be rejected")
	}
}

func TestLoadConfigFileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `http:
  addr: 0.0.0.0:9090
aws:
  region: eu-central-1
trivy:
  severity: critical, high ,medium
gitops:
  wait_for_sync: true
  sync_timeout: 90s
cluster:
  node_count: 0
sonar:
  url: https://sonar.example.com/
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIPELINE_AWS_REGION", "ap-south-1")
	t.Setenv("PIPELINE_NATS_STORE_DIR", "temp")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:9090" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.AWSRegion != "ap-south-1" {
		t.Fatalf("env should override file, region = %q", cfg.AWSRegion)
	}
	if !cfg.NATSStore.isEphemeral {
		t.Fatal("PIPELINE_NATS_STORE_DIR=temp should select ephemeral store")
	}
	if !cfg.WaitForSync || cfg.SyncTimeout != 90*time.Second {
		t.Fatalf("gitops settings = %v %v", cfg.WaitForSync, cfg.SyncTimeout)
	}
	if cfg.NodeCount != defaultNodeCount {
		t.Fatalf("invalid node count should fall back, got %d", cfg.NodeCount)
	}
	if cfg.SonarURL != "https://sonar.example.com" {
		t.Fatalf("sonar url = %q", cfg.SonarURL)
	}
	if got := strings.Join(cfg.severityList(), ","); got != "CRITICAL,HIGH,MEDIUM" {
		t.Fatalf("severity list = %q", got)
	}
	if got := cfg.registryHost(" 123456789012 "); got != "123456789012.dkr.ecr.ap-south-1.amazonaws.com" {
		t.Fatalf("registry host = %q", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.ArgoNamespace != defaultArgoNamespace || cfg.WaitForSync {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.RegistryPush || cfg.SeverityGate != defaultSeverityGate || cfg.SyncTimeout != defaultSyncTimeout {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadBuilderMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("build:\n  mode: kaniko\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected invalid build mode error")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit missing config file must fail")
	}
}
