package platform

import "context"

// imageBuildRequest asks a backend to build one tier and write the result as a
// docker-archive tarball at OutputPath, tagged ImageRef.
type imageBuildRequest struct {
	RunID          string
	AppID          string
	Tier           TierSpec
	ImageRef       string
	ContextDir     string
	DockerfilePath string
	OutputPath     string
}

type imageBuildResult struct {
	message  string
	digest   string
	metadata map[string]any
}

type imageBuilderBackend interface {
	name() string
	build(ctx context.Context, req imageBuildRequest) (imageBuildResult, error)
}

func imageBuilderFor(mode imageBuilderMode) imageBuilderBackend {
	if mode == imageBuilderModeBuildKit {
		return buildKitImageBuilderBackend{}
	}
	return artifactImageBuilderBackend{}
}
