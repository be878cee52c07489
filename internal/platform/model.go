package platform

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Domain model: Applications + Pipeline runs
////////////////////////////////////////////////////////////////////////////////

// TierSpec describes one tier of a three-tier application. Tiers that name a
// registry repository credential are built and pushed; the rest (typically the
// database) only live in the manifests repository.
type TierSpec struct {
	Name         string   `json:"name"`
	Image        string   `json:"image,omitempty"`
	Context      string   `json:"context,omitempty"`
	Dockerfile   string   `json:"dockerfile,omitempty"`
	RegistryRepo string   `json:"registryRepo,omitempty"`
	BaseImage    string   `json:"baseImage,omitempty"`
	Command      []string `json:"command,omitempty"`
}

func (t TierSpec) buildable() bool {
	return strings.TrimSpace(t.RegistryRepo) != ""
}

type ApplicationSpec struct {
	Name            string     `json:"name"`
	SourceRepo      string     `json:"sourceRepo"`
	Branch          string     `json:"branch"`
	ManifestsRepo   string     `json:"manifestsRepo"`
	ManifestsBranch string     `json:"manifestsBranch"`
	ManifestsPath   string     `json:"manifestsPath"`
	ArgoApp         string     `json:"argoApp"`
	Namespace       string     `json:"namespace"`
	SonarProjectKey string     `json:"sonarProjectKey"`
	Tiers           []TierSpec `json:"tiers"`
}

type ApplicationStatus struct {
	Phase      string    `json:"phase"` // Idle | Running | Healthy | Failed
	UpdatedAt  time.Time `json:"updated_at"`
	LastRunID  string    `json:"last_run_id,omitempty"`
	LastCommit string    `json:"last_commit,omitempty"`
	Message    string    `json:"message,omitempty"`
}

type Application struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Spec      ApplicationSpec   `json:"spec"`
	Status    ApplicationStatus `json:"status"`
}

type RunTrigger struct {
	Source  string `json:"source"` // manual | webhook
	Commit  string `json:"commit,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message,omitempty"`
	Actor   string `json:"actor,omitempty"`
}

type RunStage struct {
	Stage     string    `json:"stage"`
	Tool      string    `json:"tool,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Skipped   bool      `json:"skipped,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"` // relative paths
}

type SyncStatus struct {
	Application  string    `json:"application"`
	SyncStatus   string    `json:"sync_status"`
	HealthStatus string    `json:"health_status"`
	Revision     string    `json:"revision,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

func (s SyncStatus) syncedAndHealthy() bool {
	return s.SyncStatus == argoSyncStatusSynced && s.HealthStatus == argoHealthStatusHealthy
}

type PipelineRun struct {
	ID             string            `json:"id"`
	AppID          string            `json:"app_id"`
	Trigger        RunTrigger        `json:"trigger"`
	Requested      time.Time         `json:"requested"`
	Finished       time.Time         `json:"finished"`
	Status         string            `json:"status"` // queued|running|done|error
	Error          string            `json:"error,omitempty"`
	Commit         string            `json:"commit,omitempty"`
	Images         map[string]string `json:"images,omitempty"` // tier -> pushed reference
	ManifestCommit string            `json:"manifest_commit,omitempty"`
	Sync           *SyncStatus       `json:"sync,omitempty"`
	Stages         []RunStage        `json:"stages"`
}

func (r PipelineRun) terminal() bool {
	return r.Status == runStatusDone || r.Status == runStatusError
}

var (
	appNameRe  = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	tierNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)
	imageRe    = regexp.MustCompile(`^[a-z0-9]+([._/-][a-z0-9]+)*$`)
	branchRe   = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

var errNoBuildableTier = errors.New("tiers must include at least one tier with a registryRepo")

func registryRepoCredentials() []string {
	return []string{credECRRepo1, credECRRepo2}
}

func normalizeApplicationSpec(in ApplicationSpec) ApplicationSpec {
	spec := in
	spec.Name = strings.TrimSpace(spec.Name)
	spec.SourceRepo = strings.TrimSpace(spec.SourceRepo)
	spec.ManifestsRepo = strings.TrimSpace(spec.ManifestsRepo)
	spec.Branch = defaultString(strings.TrimSpace(spec.Branch), branchMain)
	spec.ManifestsBranch = defaultString(strings.TrimSpace(spec.ManifestsBranch), branchMain)
	spec.ManifestsPath = cleanRepoPath(spec.ManifestsPath)
	spec.ArgoApp = defaultString(strings.TrimSpace(spec.ArgoApp), spec.Name)
	spec.Namespace = defaultString(strings.TrimSpace(spec.Namespace), spec.Name)
	spec.SonarProjectKey = defaultString(strings.TrimSpace(spec.SonarProjectKey), spec.Name)

	tiers := make([]TierSpec, 0, len(spec.Tiers))
	for _, tier := range spec.Tiers {
		tier.Name = strings.ToLower(strings.TrimSpace(tier.Name))
		tier.Image = defaultString(strings.TrimSpace(tier.Image), tier.Name)
		tier.RegistryRepo = strings.TrimSpace(tier.RegistryRepo)
		tier.BaseImage = strings.TrimSpace(tier.BaseImage)
		if tier.buildable() {
			tier.Context = cleanRepoPath(defaultString(tier.Context, tier.Name))
			tier.Dockerfile = defaultString(strings.TrimSpace(tier.Dockerfile), "Dockerfile")
		}
		tiers = append(tiers, tier)
	}
	spec.Tiers = tiers
	return spec
}

func cleanRepoPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "."
	}
	return path.Clean(strings.ReplaceAll(raw, "\\", "/"))
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func validateApplicationSpec(spec ApplicationSpec) error {
	if err := validateApplicationCore(spec); err != nil {
		return err
	}
	return validateTiers(spec.Tiers)
}

func validateApplicationCore(spec ApplicationSpec) error {
	if len(spec.Name) > maxAppNameLength || !appNameRe.MatchString(spec.Name) {
		return fmt.Errorf("name must match %s", appNameRe.String())
	}
	if spec.SourceRepo == "" {
		return errors.New("sourceRepo is required")
	}
	if spec.ManifestsRepo == "" {
		return errors.New("manifestsRepo is required")
	}
	if !branchRe.MatchString(spec.Branch) || strings.Contains(spec.Branch, "..") {
		return fmt.Errorf("invalid branch %q", spec.Branch)
	}
	if !branchRe.MatchString(spec.ManifestsBranch) || strings.Contains(spec.ManifestsBranch, "..") {
		return fmt.Errorf("invalid manifestsBranch %q", spec.ManifestsBranch)
	}
	if err := validateRepoPath("manifestsPath", spec.ManifestsPath); err != nil {
		return err
	}
	if !appNameRe.MatchString(spec.ArgoApp) {
		return fmt.Errorf("argoApp must match %s", appNameRe.String())
	}
	if !appNameRe.MatchString(spec.Namespace) {
		return fmt.Errorf("namespace must match %s", appNameRe.String())
	}
	return nil
}

func validateRepoPath(field, p string) error {
	if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("%s must stay inside the repository", field)
	}
	return nil
}

func validateTiers(tiers []TierSpec) error {
	seenNames := map[string]struct{}{}
	seenRepos := map[string]string{}
	buildable := 0
	for _, tier := range tiers {
		if len(tier.Name) > maxTierNameLen || !tierNameRe.MatchString(tier.Name) {
			return fmt.Errorf("invalid tier name %q", tier.Name)
		}
		if _, dup := seenNames[tier.Name]; dup {
			return fmt.Errorf("duplicate tier %q", tier.Name)
		}
		seenNames[tier.Name] = struct{}{}
		if !imageRe.MatchString(tier.Image) {
			return fmt.Errorf("tier %q: invalid image name %q", tier.Name, tier.Image)
		}
		if !tier.buildable() {
			continue
		}
		buildable++
		if err := validateTierBuild(tier); err != nil {
			return err
		}
		if other, dup := seenRepos[tier.RegistryRepo]; dup {
			return fmt.Errorf("tiers %q and %q share registry repository %s", other, tier.Name, tier.RegistryRepo)
		}
		seenRepos[tier.RegistryRepo] = tier.Name
	}
	if buildable == 0 {
		return errNoBuildableTier
	}
	return nil
}

func validateTierBuild(tier TierSpec) error {
	known := false
	for _, name := range registryRepoCredentials() {
		if tier.RegistryRepo == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf(
			"tier %q: registryRepo must be one of %s",
			tier.Name,
			strings.Join(registryRepoCredentials(), ", "),
		)
	}
	if err := validateRepoPath(fmt.Sprintf("tier %q context", tier.Name), tier.Context); err != nil {
		return err
	}
	return validateRepoPath(fmt.Sprintf("tier %q dockerfile", tier.Name), cleanRepoPath(tier.Dockerfile))
}

func buildableTiers(spec ApplicationSpec) []TierSpec {
	var out []TierSpec
	for _, tier := range spec.Tiers {
		if tier.buildable() {
			out = append(out, tier)
		}
	}
	return out
}

// defaultThreeTierSpec is the reference layout: frontend and backend images
// pushed to ECR_REPO1 / ECR_REPO2, database declared only in manifests.
func defaultThreeTierSpec(name, sourceRepo, manifestsRepo string) ApplicationSpec {
	return normalizeApplicationSpec(ApplicationSpec{
		Name:            name,
		SourceRepo:      sourceRepo,
		Branch:          branchMain,
		ManifestsRepo:   manifestsRepo,
		ManifestsBranch: branchMain,
		ManifestsPath:   ".",
		ArgoApp:         "",
		Namespace:       "",
		SonarProjectKey: "",
		Tiers: []TierSpec{
			{Name: tierFrontend, RegistryRepo: credECRRepo1},
			{Name: tierBackend, RegistryRepo: credECRRepo2},
			{Name: tierDatabase},
		},
	})
}
