//go:build !buildkit

package platform

import (
	"context"
	"errors"
	"fmt"
)

type buildKitImageBuilderBackend struct{}

func buildkitCompiledIn() bool {
	return false
}

func probeBuildkitDaemonReachability(context.Context) error {
	return errors.New("buildkit support not compiled in")
}

func (buildKitImageBuilderBackend) name() string {
	return string(imageBuilderModeBuildKit)
}

func (buildKitImageBuilderBackend) build(
	ctx context.Context,
	req imageBuildRequest,
) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	buildErr := fmt.Errorf(
		"buildkit mode unavailable for %s: binary was built without BuildKit support (set build.mode=artifact or rebuild with -tags buildkit)",
		req.ImageRef,
	)
	return imageBuildResult{
		message: "buildkit image build unavailable",
		digest:  "",
		metadata: map[string]any{
			"strategy":       "buildkit",
			"context_dir":    req.ContextDir,
			"dockerfile":     req.DockerfilePath,
			"build_executed": false,
		},
	}, buildErr
}
