package platform

import (
	"context"
	"fmt"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sync/errgroup"
)

// tierImage is the per-tier outcome of the build-push stage.
type tierImage struct {
	Tier       string         `json:"tier"`
	Repository string         `json:"repository_credential"`
	Reference  string         `json:"reference"`
	Digest     string         `json:"digest,omitempty"`
	Pushed     bool           `json:"pushed"`
	AuthSource string         `json:"auth_source,omitempty"`
	Builder    string         `json:"builder"`
	Scan       map[string]int `json:"scan,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	reports    []string
	tarPath    string
}

// buildPushStageAction builds every buildable tier, scans the built image and
// pushes it to <Account_ID>.dkr.ecr.<region>.amazonaws.com/<repo>:<short-commit>.
// Nothing is pushed unless every tier passed its image scan.
func buildPushStageAction(ctx context.Context, deps workerDeps, msg RunStageMsg) (StageResultMsg, error) {
	res := newStageResultMsg("")
	spec := normalizeApplicationSpec(msg.Spec)
	tiers := buildableTiers(spec)
	if len(tiers) == 0 {
		return res, errNoBuildableTier
	}
	accountID, err := deps.creds.GetCredential(ctx, credAccountID)
	if err != nil {
		return res, err
	}
	tag := imageTagForRun(msg)

	images := make([]tierImage, len(tiers))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(2)
	for i, tier := range tiers {
		group.Go(func() error {
			img, buildErr := buildAndScanTier(groupCtx, deps, msg, tier, accountID, tag)
			images[i] = img
			return buildErr
		})
	}
	buildErr := group.Wait()
	for _, img := range images {
		res.Artifacts = append(res.Artifacts, img.reports...)
	}
	if buildErr != nil {
		return res, buildErr
	}

	if deps.cfg.RegistryPush {
		if err := pushTierImages(ctx, deps, accountID, images); err != nil {
			return res, err
		}
	}

	res.Images = map[string]string{}
	for _, img := range images {
		res.Images[img.Tier] = img.Reference
	}
	summaryRel, err := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/images.json", mustJSON(images))
	if err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, summaryRel)

	verb := "built and pushed"
	if !deps.cfg.RegistryPush {
		verb = "built (registry push disabled)"
	}
	res.Message = fmt.Sprintf("%d image(s) %s at tag %s via %s", len(images), verb, tag, deps.builder.name())
	return res, nil
}

// imageTagForRun is the short source commit, or the short run id when the
// commit is unknown.
func imageTagForRun(msg RunStageMsg) string {
	if c := shortCommit(msg.Commit); c != "" {
		return c
	}
	return shortID(msg.RunID)
}

func buildAndScanTier(
	ctx context.Context,
	deps workerDeps,
	msg RunStageMsg,
	tier TierSpec,
	accountID, tag string,
) (tierImage, error) {
	img := tierImage{
		Tier:       tier.Name,
		Repository: tier.RegistryRepo,
		Reference:  "",
		Digest:     "",
		Pushed:     false,
		AuthSource: "",
		Builder:    deps.builder.name(),
		Scan:       nil,
		Metadata:   nil,
		reports:    nil,
		tarPath:    "",
	}
	repository, err := deps.creds.GetCredential(ctx, tier.RegistryRepo)
	if err != nil {
		return img, fmt.Errorf("tier %s: %w", tier.Name, err)
	}
	img.Reference = imageRefForTier(deps.cfg, accountID, repository, tag)

	runDir := deps.artifacts.RunDir(msg.AppID, msg.RunID)
	contextDir, err := securejoin.SecureJoin(filepath.Join(runDir, workspaceDirName), tier.Context)
	if err != nil {
		return img, fmt.Errorf("tier %s context: %w", tier.Name, err)
	}
	dockerfilePath, err := securejoin.SecureJoin(contextDir, tier.Dockerfile)
	if err != nil {
		return img, fmt.Errorf("tier %s dockerfile: %w", tier.Name, err)
	}
	img.tarPath = filepath.Join(runDir, imagesDirName, tier.Name+".tar")

	buildCtx, cancel := context.WithTimeout(ctx, buildOpTimeout)
	built, err := deps.builder.build(buildCtx, imageBuildRequest{
		RunID:          msg.RunID,
		AppID:          msg.AppID,
		Tier:           tier,
		ImageRef:       img.Reference,
		ContextDir:     contextDir,
		DockerfilePath: dockerfilePath,
		OutputPath:     img.tarPath,
	})
	cancel()
	if err != nil {
		return img, fmt.Errorf("build %s: %w", tier.Name, err)
	}
	img.Digest = built.digest
	img.Metadata = built.metadata

	scan, scanErr := newTrivyScanner(deps.cfg, deps.tools).scanImage(ctx, img.tarPath, img.Reference)
	img.Scan = scan.counts
	if len(scan.outcome.Stdout) > 0 {
		rel, err := deps.artifacts.WriteFile(msg.AppID, msg.RunID, "reports/trivy-image-"+tier.Name+".json", scan.outcome.Stdout)
		if err != nil {
			return img, err
		}
		img.reports = append(img.reports, rel)
	}
	if scanErr != nil {
		return img, fmt.Errorf("tier %s: %w", tier.Name, scanErr)
	}
	return img, nil
}

func pushTierImages(ctx context.Context, deps workerDeps, accountID string, images []tierImage) error {
	host := deps.cfg.registryHost(accountID)
	resolver := registryAuthResolver{cfg: deps.cfg, tools: deps.tools, creds: deps.creds}
	auth, source, err := resolver.resolve(ctx, host)
	if err != nil {
		return err
	}
	for i := range images {
		pushCtx, cancel := context.WithTimeout(ctx, buildOpTimeout)
		digest, pushErr := pushImageTarball(pushCtx, images[i].tarPath, images[i].Reference, auth)
		cancel()
		if pushErr != nil {
			return fmt.Errorf("tier %s: %w", images[i].Tier, pushErr)
		}
		images[i].Digest = digest
		images[i].Pushed = true
		images[i].AuthSource = source
	}
	return nil
}
