package platform

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

////////////////////////////////////////////////////////////////////////////////
// Daemonless image builder: base image + context layer (go-containerregistry)
////////////////////////////////////////////////////////////////////////////////

const (
	defaultImageWorkDir = "/app"
	scratchImage        = "scratch"
)

// dockerfileSummary is the subset of a Dockerfile the artifact builder honours:
// the final stage's base image and runtime config. RunSteps counts the RUN
// instructions that were not executed.
type dockerfileSummary struct {
	BaseImage    string
	WorkDir      string
	Cmd          []string
	Entrypoint   []string
	ExposedPorts []string
	Env          []string
	User         string
	Labels       map[string]string
	RunSteps     int
}

func summarizeDockerfile(body []byte) (dockerfileSummary, error) {
	result, err := parser.Parse(bytes.NewReader(body))
	if err != nil {
		return dockerfileSummary{}, fmt.Errorf("parse dockerfile: %w", err)
	}
	stages := map[string]string{}
	var summary dockerfileSummary
	seenFrom := false
	for _, node := range result.AST.Children {
		switch strings.ToLower(node.Value) {
		case "from":
			if node.Next == nil {
				return dockerfileSummary{}, errors.New("parse dockerfile: FROM without image")
			}
			base := node.Next.Value
			if resolved, ok := stages[strings.ToLower(base)]; ok {
				base = resolved
			}
			if alias := node.Next.Next; alias != nil && strings.EqualFold(alias.Value, "as") && alias.Next != nil {
				stages[strings.ToLower(alias.Next.Value)] = base
			}
			// Each FROM starts a new stage; only the last one is kept.
			summary = dockerfileSummary{BaseImage: base}
			seenFrom = true
		case "workdir":
			if node.Next != nil {
				summary.WorkDir = resolveWorkDir(summary.WorkDir, node.Next.Value)
			}
		case "cmd":
			summary.Cmd = instructionArgs(node)
		case "entrypoint":
			summary.Entrypoint = instructionArgs(node)
		case "expose":
			for n := node.Next; n != nil; n = n.Next {
				summary.ExposedPorts = append(summary.ExposedPorts, n.Value)
			}
		case "env":
			for _, kv := range keyValueArgs(node) {
				summary.Env = setEnv(summary.Env, kv[0], kv[1])
			}
		case "label":
			if summary.Labels == nil {
				summary.Labels = map[string]string{}
			}
			for _, kv := range keyValueArgs(node) {
				summary.Labels[kv[0]] = kv[1]
			}
		case "user":
			if node.Next != nil {
				summary.User = unquoteDockerfileWord(node.Next.Value)
			}
		case "run":
			summary.RunSteps++
		}
	}
	if !seenFrom {
		return dockerfileSummary{}, errors.New("parse dockerfile: no FROM instruction")
	}
	return summary, nil
}

// keyValueArgs reads ENV/LABEL operands. The parser emits key, value and
// separator nodes for both the `k=v` and the legacy `k v` forms.
func keyValueArgs(node *parser.Node) [][2]string {
	var out [][2]string
	for n := node.Next; n != nil && n.Next != nil; {
		out = append(out, [2]string{unquoteDockerfileWord(n.Value), unquoteDockerfileWord(n.Next.Value)})
		n = n.Next.Next
		if n != nil {
			n = n.Next
		}
	}
	return out
}

func unquoteDockerfileWord(v string) string {
	if len(v) >= 2 {
		switch {
		case v[0] == '"' && v[len(v)-1] == '"':
			if unq, err := strconv.Unquote(v); err == nil {
				return unq
			}
			return v[1 : len(v)-1]
		case v[0] == '\'' && v[len(v)-1] == '\'':
			return v[1 : len(v)-1]
		}
	}
	return v
}

// setEnv replaces key in a KEY=value list, or appends it.
func setEnv(env []string, key, value string) []string {
	entry := key + "=" + value
	for i, existing := range env {
		if k, _, _ := strings.Cut(existing, "="); k == key {
			out := append([]string(nil), env...)
			out[i] = entry
			return out
		}
	}
	return append(env, entry)
}

func instructionArgs(node *parser.Node) []string {
	var args []string
	for n := node.Next; n != nil; n = n.Next {
		args = append(args, n.Value)
	}
	if node.Attributes["json"] {
		return args
	}
	return []string{"/bin/sh", "-c", strings.Join(args, " ")}
}

func resolveWorkDir(current, next string) string {
	if path.IsAbs(next) {
		return path.Clean(next)
	}
	if current == "" {
		current = "/"
	}
	return path.Join(current, next)
}

type artifactImageBuilderBackend struct{}

func (artifactImageBuilderBackend) name() string {
	return string(imageBuilderModeArtifact)
}

// build layers the tier context onto the Dockerfile's base image. RUN steps
// are not executed; tiers that need them use the buildkit backend.
func (artifactImageBuilderBackend) build(
	ctx context.Context,
	req imageBuildRequest,
) (imageBuildResult, error) {
	if err := ensureContextAlive(ctx); err != nil {
		return imageBuildResult{}, err
	}
	summary := dockerfileSummary{BaseImage: scratchImage}
	if body, err := os.ReadFile(req.DockerfilePath); err == nil {
		summary, err = summarizeDockerfile(body)
		if err != nil {
			return imageBuildResult{}, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return imageBuildResult{}, fmt.Errorf("read dockerfile: %w", err)
	}
	if req.Tier.BaseImage != "" {
		summary.BaseImage = req.Tier.BaseImage
	}
	if len(req.Tier.Command) > 0 {
		summary.Cmd = append([]string(nil), req.Tier.Command...)
		summary.Entrypoint = nil
	}
	if summary.WorkDir == "" {
		summary.WorkDir = defaultImageWorkDir
	}

	base, err := loadBaseImage(ctx, summary.BaseImage)
	if err != nil {
		return imageBuildResult{}, err
	}
	layer, fileCount, err := newContextLayer(req.ContextDir, summary.WorkDir)
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("package context: %w", err)
	}
	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("append context layer: %w", err)
	}
	img, err = applyImageConfig(img, summary, req)
	if err != nil {
		return imageBuildResult{}, err
	}

	tag, err := name.NewTag(req.ImageRef, name.WeakValidation)
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("parse image ref %s: %w", req.ImageRef, err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), dirModePrivateRead); err != nil {
		return imageBuildResult{}, err
	}
	if err := tarball.WriteToFile(req.OutputPath, tag, img); err != nil {
		return imageBuildResult{}, fmt.Errorf("write image tarball: %w", err)
	}
	digest, err := img.Digest()
	if err != nil {
		return imageBuildResult{}, fmt.Errorf("image digest: %w", err)
	}
	return imageBuildResult{
		message: "container image assembled from build context",
		digest:  digest.String(),
		metadata: map[string]any{
			"strategy":           "artifact",
			"build_executed":     false,
			"run_steps_executed": false,
			"run_steps_skipped":  summary.RunSteps,
			"base_image":         summary.BaseImage,
			"workdir":            summary.WorkDir,
			"context_files":      fileCount,
		},
	}, nil
}

func loadBaseImage(ctx context.Context, ref string) (v1.Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == scratchImage {
		return mutate.MediaType(empty.Image, types.DockerManifestSchema2), nil
	}
	parsed, err := name.ParseReference(ref, name.WeakValidation)
	if err != nil {
		return nil, fmt.Errorf("parse base image %s: %w", ref, err)
	}
	img, err := remote.Image(
		parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(v1.Platform{OS: "linux", Architecture: runtime.GOARCH}),
	)
	if err != nil {
		return nil, fmt.Errorf("pull base image %s: %w", ref, err)
	}
	return img, nil
}

func applyImageConfig(img v1.Image, summary dockerfileSummary, req imageBuildRequest) (v1.Image, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}
	cfg := cfgFile.Config
	cfg.WorkingDir = summary.WorkDir
	if summary.Cmd != nil {
		cfg.Cmd = summary.Cmd
	}
	if summary.Entrypoint != nil {
		cfg.Entrypoint = summary.Entrypoint
	}
	if len(summary.ExposedPorts) > 0 {
		if cfg.ExposedPorts == nil {
			cfg.ExposedPorts = map[string]struct{}{}
		}
		for _, port := range summary.ExposedPorts {
			if !strings.Contains(port, "/") {
				port += "/tcp"
			}
			cfg.ExposedPorts[port] = struct{}{}
		}
	}
	for _, entry := range summary.Env {
		k, v, _ := strings.Cut(entry, "=")
		cfg.Env = setEnv(cfg.Env, k, v)
	}
	if summary.User != "" {
		cfg.User = summary.User
	}
	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
	for k, v := range summary.Labels {
		cfg.Labels[k] = v
	}
	cfg.Labels["org.opencontainers.image.title"] = req.Tier.Name
	cfg.Labels["org.opencontainers.image.revision"] = req.RunID
	out, err := mutate.Config(img, cfg)
	if err != nil {
		return nil, fmt.Errorf("set image config: %w", err)
	}
	out, err = mutate.CreatedAt(out, v1.Time{Time: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("set image created time: %w", err)
	}
	if cfgFile.OS == "" {
		cf, cfErr := out.ConfigFile()
		if cfErr != nil {
			return nil, cfErr
		}
		cf = cf.DeepCopy()
		cf.OS = "linux"
		cf.Architecture = runtime.GOARCH
		out, err = mutate.ConfigFile(out, cf)
		if err != nil {
			return nil, fmt.Errorf("set image platform: %w", err)
		}
	}
	return out, nil
}

// newContextLayer tars every file under contextDir (minus .git) beneath
// workDir. Entries are sorted with zero mtimes so equal trees give equal
// digests.
func newContextLayer(contextDir, workDir string) (v1.Layer, int, error) {
	var files []string
	err := filepath.WalkDir(contextDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(files)

	compressed := bytes.NewBuffer(nil)
	gzipWriter := gzip.NewWriter(compressed)
	gzipWriter.ModTime = time.Time{}
	tarWriter := tar.NewWriter(gzipWriter)
	prefix := strings.TrimPrefix(path.Clean(workDir), "/")

	for _, p := range files {
		rel, relErr := filepath.Rel(contextDir, p)
		if relErr != nil {
			return nil, 0, relErr
		}
		info, statErr := os.Stat(p)
		if statErr != nil {
			return nil, 0, statErr
		}
		// #nosec G304 -- path comes from walking the checked-out context dir.
		content, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil, 0, readErr
		}
		mode := int64(0o644)
		if info.Mode().Perm()&0o111 != 0 {
			mode = 0o755
		}
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(prefix, filepath.ToSlash(rel)),
			Mode:     mode,
			Size:     int64(len(content)),
			ModTime:  time.Time{},
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return nil, 0, fmt.Errorf("write tar header for %s: %w", rel, err)
		}
		if _, err := tarWriter.Write(content); err != nil {
			return nil, 0, fmt.Errorf("write %s to tar: %w", rel, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return nil, 0, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, 0, fmt.Errorf("close gzip writer: %w", err)
	}
	return static.NewLayer(compressed.Bytes(), types.DockerLayer), len(files), nil
}
