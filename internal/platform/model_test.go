//nolint:testpackage // Spec validation tests use unexported normalizers.
package platform

import (
	"errors"
	"strings"
	"testing"
)

func TestModel_DefaultThreeTierSpecIsValid(t *testing.T) {
	t.Parallel()

	spec := defaultThreeTierSpec("shop", "https://github.com/acme/shop.git", "https://github.com/acme/shop-manifests.git")
	if err := validateApplicationSpec(spec); err != nil {
		t.Fatalf("default spec should validate: %v", err)
	}
	if spec.ArgoApp != "shop" || spec.Namespace != "shop" || spec.SonarProjectKey != "shop" {
		t.Fatalf("expected name-derived defaults, got %+v", spec)
	}
	tiers := buildableTiers(spec)
	if len(tiers) != 2 {
		t.Fatalf("expected two buildable tiers, got %d", len(tiers))
	}
	if tiers[0].RegistryRepo != credECRRepo1 || tiers[1].RegistryRepo != credECRRepo2 {
		t.Fatalf("unexpected registry mapping: %+v", tiers)
	}
	if tiers[0].Context != tierFrontend || tiers[0].Dockerfile != "Dockerfile" {
		t.Fatalf("unexpected build defaults: %+v", tiers[0])
	}
}

func TestModel_NormalizeApplicationSpec(t *testing.T) {
	t.Parallel()

	spec := normalizeApplicationSpec(ApplicationSpec{
		Name:          "  shop ",
		SourceRepo:    " https://example.com/src.git ",
		ManifestsRepo: "https://example.com/manifests.git",
		ManifestsPath: `overlays\prod/`,
		Tiers: []TierSpec{
			{Name: " API ", RegistryRepo: credECRRepo2, Context: "services/api/"},
		},
	})

	if spec.Name != "shop" || spec.Branch != branchMain || spec.ManifestsBranch != branchMain {
		t.Fatalf("unexpected normalized core: %+v", spec)
	}
	if spec.ManifestsPath != "overlays/prod" {
		t.Fatalf("unexpected manifests path %q", spec.ManifestsPath)
	}
	if got := spec.Tiers[0]; got.Name != "api" || got.Image != "api" || got.Context != "services/api" {
		t.Fatalf("unexpected normalized tier: %+v", got)
	}
	if cleanRepoPath("") != "." {
		t.Fatalf("empty path should clean to repo root")
	}
}

func TestModel_ValidateApplicationSpecRejects(t *testing.T) {
	t.Parallel()

	base := func() ApplicationSpec {
		return defaultThreeTierSpec("shop", "https://example.com/src.git", "https://example.com/manifests.git")
	}
	tests := []struct {
		name   string
		mutate func(*ApplicationSpec)
		want   string
	}{
		{"bad name", func(s *ApplicationSpec) { s.Name = "Shop_App" }, "name must match"},
		{"missing source", func(s *ApplicationSpec) { s.SourceRepo = "" }, "sourceRepo is required"},
		{"missing manifests", func(s *ApplicationSpec) { s.ManifestsRepo = "" }, "manifestsRepo is required"},
		{"branch traversal", func(s *ApplicationSpec) { s.Branch = "feature/../main" }, "invalid branch"},
		{"manifests path escape", func(s *ApplicationSpec) { s.ManifestsPath = "../other" }, "inside the repository"},
		{"unknown registry", func(s *ApplicationSpec) { s.Tiers[0].RegistryRepo = "ECR_REPO9" }, "registryRepo must be one of"},
		{"duplicate tier", func(s *ApplicationSpec) { s.Tiers[1].Name = tierFrontend }, "duplicate tier"},
		{"shared registry", func(s *ApplicationSpec) { s.Tiers[1].RegistryRepo = credECRRepo1 }, "share registry repository"},
		{"context escape", func(s *ApplicationSpec) { s.Tiers[0].Context = "../outside" }, "inside the repository"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			spec := base()
			tc.mutate(&spec)
			err := validateApplicationSpec(spec)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestModel_ValidateRequiresBuildableTier(t *testing.T) {
	t.Parallel()

	spec := normalizeApplicationSpec(ApplicationSpec{
		Name:          "db-only",
		SourceRepo:    "https://example.com/src.git",
		ManifestsRepo: "https://example.com/manifests.git",
		Tiers:         []TierSpec{{Name: tierDatabase}},
	})
	if err := validateApplicationSpec(spec); !errors.Is(err, errNoBuildableTier) {
		t.Fatalf("expected errNoBuildableTier, got %v", err)
	}
}

func TestModel_RunTerminalAndSyncState(t *testing.T) {
	t.Parallel()

	if (PipelineRun{Status: runStatusRunning}).terminal() {
		t.Fatal("running run must not be terminal")
	}
	if !(PipelineRun{Status: runStatusError}).terminal() || !(PipelineRun{Status: runStatusDone}).terminal() {
		t.Fatal("done and error runs are terminal")
	}
	ok := SyncStatus{SyncStatus: argoSyncStatusSynced, HealthStatus: argoHealthStatusHealthy}
	if !ok.syncedAndHealthy() {
		t.Fatal("synced+healthy should report true")
	}
	if (SyncStatus{SyncStatus: argoSyncStatusSynced, HealthStatus: "Degraded"}).syncedAndHealthy() {
		t.Fatal("degraded app must not report healthy")
	}
}

func TestModel_PipelineStagesOrder(t *testing.T) {
	t.Parallel()

	want := []string{stageCheckout, stageStaticAnalysis, stageSecurityScan, stageBuildPush, stageManifestUpdate}
	got := pipelineStages()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected stage order: %v", got)
	}
	for i, stage := range want {
		if stageIndex(stage) != i+1 {
			t.Fatalf("stage %s: want index %d, got %d", stage, i+1, stageIndex(stage))
		}
	}
}
