//go:build buildkit

package platform

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/buildkit/client"
)

const (
	buildkitAddressEnv     = "PIPELINE_BUILDKIT_ADDR"
	defaultBuildkitAddress = "unix:///run/buildkit/buildkitd.sock"
	buildkitFrontend       = "dockerfile.v0"
)

type buildKitImageBuilderBackend struct{}

func buildkitCompiledIn() bool {
	return true
}

// probeBuildkitDaemonReachability dials the daemon and asks for its version
// info; a socket that accepts but never answers counts as unreachable.
func probeBuildkitDaemonReachability(ctx context.Context) error {
	address := buildkitAddress()
	c, err := client.New(ctx, address)
	if err != nil {
		return fmt.Errorf("connect buildkit client at %s: %w", address, err)
	}
	defer func() { _ = c.Close() }()
	if _, err := c.Info(ctx); err != nil {
		return fmt.Errorf("query buildkit daemon at %s: %w", address, err)
	}
	return nil
}

func (buildKitImageBuilderBackend) name() string {
	return string(imageBuilderModeBuildKit)
}

// build solves the tier's Dockerfile and exports a docker-archive tarball so
// the image can be scanned before it is pushed.
func (b buildKitImageBuilderBackend) build(
	ctx context.Context,
	req imageBuildRequest,
) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	body, err := os.ReadFile(req.DockerfilePath)
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("read dockerfile: %w", err)
	}
	// Malformed Dockerfiles fail here rather than after a daemon round trip.
	if _, err := summarizeDockerfile(body); err != nil {
		return imageBuildResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), dirModePrivateRead); err != nil {
		return imageBuildResult{}, err
	}

	address := buildkitAddress()
	meta := map[string]any{"strategy": b.name(), "build_executed": false, "address": address}
	failed := imageBuildResult{message: "buildkit image build failed", digest: "", metadata: meta}

	c, err := client.New(ctx, address)
	if err != nil {
		return failed, fmt.Errorf("connect buildkit client at %s: %w", address, err)
	}
	defer func() { _ = c.Close() }()

	resp, err := c.Solve(ctx, nil, tierSolveOpt(req), nil)
	if err != nil {
		return failed, fmt.Errorf("solve %s tier image %s: %w", req.Tier.Name, req.ImageRef, err)
	}
	meta["build_executed"] = true
	meta["solved_at"] = time.Now().UTC().Format(time.RFC3339)
	meta["exporter_response"] = resp.ExporterResponse
	return imageBuildResult{
		message:  "container image built with buildkit",
		digest:   resp.ExporterResponse["containerimage.digest"],
		metadata: meta,
	}, nil
}

// tierSolveOpt labels the image the same way the artifact backend does and
// streams the docker exporter straight into the run's tarball.
func tierSolveOpt(req imageBuildRequest) client.SolveOpt {
	return client.SolveOpt{
		Frontend: buildkitFrontend,
		FrontendAttrs: map[string]string{
			"filename": filepath.Base(req.DockerfilePath),
			"label:org.opencontainers.image.title":    req.Tier.Name,
			"label:org.opencontainers.image.revision": req.RunID,
		},
		LocalDirs: map[string]string{
			"context":    req.ContextDir,
			"dockerfile": filepath.Dir(req.DockerfilePath),
		},
		Exports: []client.ExportEntry{{
			Type:  client.ExporterDocker,
			Attrs: map[string]string{"name": req.ImageRef},
			Output: func(map[string]string) (io.WriteCloser, error) {
				// #nosec G304 -- output path lives under the run directory.
				return os.Create(req.OutputPath)
			},
		}},
	}
}

func buildkitAddress() string {
	if raw := strings.TrimSpace(os.Getenv(buildkitAddressEnv)); raw != "" {
		return raw
	}
	return defaultBuildkitAddress
}
