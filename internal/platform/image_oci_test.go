//nolint:testpackage // Image builder internals are unexported.
package platform

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

func TestImage_SummarizeDockerfileKeepsFinalStage(t *testing.T) {
	t.Parallel()

	summary, err := summarizeDockerfile([]byte(`# syntax=docker/dockerfile:1
FROM golang:1.22 AS build
WORKDIR /src
RUN go build -o /out/server .

FROM node:20-alpine AS runtime
WORKDIR /srv
WORKDIR app
EXPOSE 8080 9090/udp
ENTRYPOINT ["/srv/app/server"]
CMD --port 8080
`))
	if err != nil {
		t.Fatalf("summarizeDockerfile: %v", err)
	}
	if summary.BaseImage != "node:20-alpine" || summary.WorkDir != "/srv/app" {
		t.Fatalf("unexpected final stage: %+v", summary)
	}
	if !slices.Equal(summary.Entrypoint, []string{"/srv/app/server"}) {
		t.Fatalf("exec-form entrypoint = %v", summary.Entrypoint)
	}
	if !slices.Equal(summary.Cmd, []string{"/bin/sh", "-c", "--port 8080"}) {
		t.Fatalf("shell-form cmd = %v", summary.Cmd)
	}
	if !slices.Equal(summary.ExposedPorts, []string{"8080", "9090/udp"}) {
		t.Fatalf("exposed ports = %v", summary.ExposedPorts)
	}
}

func TestImage_SummarizeDockerfileRuntimeConfig(t *testing.T) {
	t.Parallel()

	summary, err := summarizeDockerfile([]byte(`FROM node:20-alpine AS build
ENV BUILD_ONLY=1
RUN npm ci

FROM node:20-alpine
ENV PORT=3000 NODE_ENV="production"
ENV LOG_LEVEL info
ENV PORT=8080
LABEL team=web "com.example.tier"="frontend"
USER node
RUN npm prune
RUN echo done
CMD ["node", "server.js"]
`))
	if err != nil {
		t.Fatalf("summarizeDockerfile: %v", err)
	}
	wantEnv := []string{"PORT=8080", "NODE_ENV=production", "LOG_LEVEL=info"}
	if !slices.Equal(summary.Env, wantEnv) {
		t.Fatalf("env = %v, want %v", summary.Env, wantEnv)
	}
	if summary.User != "node" {
		t.Fatalf("user = %q", summary.User)
	}
	if summary.Labels["team"] != "web" || summary.Labels["com.example.tier"] != "frontend" || len(summary.Labels) != 2 {
		t.Fatalf("labels = %v", summary.Labels)
	}
	if summary.RunSteps != 2 {
		t.Fatalf("final stage has 2 RUN steps, got %d", summary.RunSteps)
	}
}

func TestImage_SummarizeDockerfileResolvesStageAlias(t *testing.T) {
	t.Parallel()

	summary, err := summarizeDockerfile([]byte("FROM alpine:3.20 AS base\nFROM base\nCMD [\"sh\"]\n"))
	if err != nil {
		t.Fatalf("summarizeDockerfile: %v", err)
	}
	if summary.BaseImage != "alpine:3.20" {
		t.Fatalf("stage alias should resolve to its image, got %q", summary.BaseImage)
	}
	if _, err := summarizeDockerfile([]byte("RUN echo hi\n")); err == nil {
		t.Fatal("Dockerfile without FROM must fail")
	}
}

func TestImage_ContextLayerIsReproducible(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "server.js", "console.log('hi')\n")
	writeTestFile(t, dir, "lib/util.js", "module.exports = {}\n")
	writeTestFile(t, dir, ".git/HEAD", "ref: refs/heads/main\n")

	first, count, err := newContextLayer(dir, "/app")
	if err != nil {
		t.Fatalf("newContextLayer: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected .git to be skipped, got %d files", count)
	}
	second, _, err := newContextLayer(dir, "/app")
	if err != nil {
		t.Fatalf("newContextLayer: %v", err)
	}
	d1, _ := first.Digest()
	d2, _ := second.Digest()
	if d1 != d2 {
		t.Fatalf("equal trees should give equal digests: %s != %s", d1, d2)
	}
}

func newTestRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse registry url: %v", err)
	}
	return u.Host
}

func TestImage_ArtifactBuildAndPush(t *testing.T) {
	t.Parallel()

	host := newTestRegistry(t)
	contextDir := t.TempDir()
	dockerfile := writeTestFile(t, contextDir, "Dockerfile",
		"FROM scratch\nWORKDIR /srv\nENV PORT=8080\nUSER 1000\nLABEL team=web\nRUN make\nEXPOSE 8080\nCMD [\"/srv/server\"]\n")
	writeTestFile(t, contextDir, "server", "#!/bin/sh\n")
	if err := os.Chmod(filepath.Join(contextDir, "server"), 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	ref := host + "/shop-frontend:abc1234"
	out := filepath.Join(t.TempDir(), "images", "frontend.tar")
	res, err := artifactImageBuilderBackend{}.build(context.Background(), imageBuildRequest{
		RunID:          "run-1",
		AppID:          "shop",
		Tier:           TierSpec{Name: tierFrontend},
		ImageRef:       ref,
		ContextDir:     contextDir,
		DockerfilePath: dockerfile,
		OutputPath:     out,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.metadata["context_files"] != 2 || res.metadata["base_image"] != scratchImage {
		t.Fatalf("unexpected metadata: %v", res.metadata)
	}
	if res.metadata["run_steps_executed"] != false || res.metadata["run_steps_skipped"] != 1 {
		t.Fatalf("skipped RUN steps should be reported: %v", res.metadata)
	}

	tag, err := name.NewTag(ref, name.WeakValidation)
	if err != nil {
		t.Fatalf("parse tag: %v", err)
	}
	img, err := tarball.ImageFromPath(out, &tag)
	if err != nil {
		t.Fatalf("load tarball: %v", err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Config.WorkingDir != "/srv" || !slices.Equal(cfg.Config.Cmd, []string{"/srv/server"}) {
		t.Fatalf("unexpected image config: %+v", cfg.Config)
	}
	if !slices.Contains(cfg.Config.Env, "PORT=8080") || cfg.Config.User != "1000" || cfg.Config.Labels["team"] != "web" {
		t.Fatalf("runtime config not applied: env=%v user=%q labels=%v", cfg.Config.Env, cfg.Config.User, cfg.Config.Labels)
	}
	if _, ok := cfg.Config.ExposedPorts["8080/tcp"]; !ok {
		t.Fatalf("exposed ports = %v", cfg.Config.ExposedPorts)
	}
	if cfg.Config.Labels["org.opencontainers.image.revision"] != "run-1" || cfg.OS != "linux" {
		t.Fatalf("unexpected labels/platform: %v %s", cfg.Config.Labels, cfg.OS)
	}

	digest, err := pushImageTarball(context.Background(), out, ref, nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	desc, err := remote.Get(tag)
	if err != nil {
		t.Fatalf("fetch pushed image: %v", err)
	}
	if desc.Digest.String() != digest {
		t.Fatalf("registry digest %s != %s", desc.Digest, digest)
	}
}

func TestImage_TierOverridesDockerfile(t *testing.T) {
	t.Parallel()

	contextDir := t.TempDir()
	writeTestFile(t, contextDir, "index.html", "<h1>hi</h1>\n")
	out := filepath.Join(t.TempDir(), "backend.tar")
	res, err := artifactImageBuilderBackend{}.build(context.Background(), imageBuildRequest{
		RunID:          "run-2",
		AppID:          "shop",
		Tier:           TierSpec{Name: tierBackend, Command: []string{"/app/index.html"}},
		ImageRef:       "localhost:5000/shop-backend:abc1234",
		ContextDir:     contextDir,
		DockerfilePath: filepath.Join(contextDir, "Dockerfile"),
		OutputPath:     out,
	})
	if err != nil {
		t.Fatalf("build without Dockerfile should use scratch: %v", err)
	}
	if res.metadata["workdir"] != defaultImageWorkDir {
		t.Fatalf("default workdir expected, got %v", res.metadata["workdir"])
	}
	if !strings.HasPrefix(res.digest, "sha256:") {
		t.Fatalf("unexpected digest %q", res.digest)
	}
}

func TestRegistry_ImageRefAndAuthOrder(t *testing.T) {
	t.Parallel()

	cfg := Config{AWSRegion: "us-east-1", AWSCLIBin: "aws"}
	if got := imageRefForTier(cfg, "123456789012", "/shop/frontend/", "abc1234"); got != "123456789012.dkr.ecr.us-east-1.amazonaws.com/shop/frontend:abc1234" {
		t.Fatalf("imageRefForTier = %q", got)
	}

	tools := newFakeTools()
	tools.outcomes["aws"] = toolOutcome{ExitCode: 0, Stdout: []byte("ecr-password\n")}
	resolver := registryAuthResolver{cfg: cfg, tools: tools, creds: staticCredentials{credAWS: "AKIA:secret"}}
	auth, source, err := resolver.resolve(context.Background(), cfg.registryHost("123456789012"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	authCfg, err := auth.Authorization()
	if err != nil {
		t.Fatalf("authorization: %v", err)
	}
	if source != credAWS || authCfg.Username != ecrBasicAuthUser || authCfg.Password != "ecr-password" {
		t.Fatalf("unexpected ecr auth: %s %+v", source, authCfg)
	}
	inv := tools.invocations()[0]
	if !slices.Contains(inv.Env, "AWS_ACCESS_KEY_ID=AKIA") || !slices.Contains(inv.Args, "get-login-password") {
		t.Fatalf("unexpected aws invocation: %+v", inv)
	}

	cfg.RegistryUser = "robot"
	cfg.RegistryPass = "pw"
	_, source, err = registryAuthResolver{cfg: cfg, tools: tools, creds: staticCredentials{}}.resolve(context.Background(), "example.com")
	if err != nil || source != "config" {
		t.Fatalf("config auth should win, got %q %v", source, err)
	}

	failing := newFakeTools()
	failing.outcomes["aws"] = toolOutcome{ExitCode: 255, Stderr: []byte("InvalidSignatureException")}
	cfg.RegistryUser, cfg.RegistryPass = "", ""
	_, _, err = registryAuthResolver{cfg: cfg, tools: failing, creds: staticCredentials{credAWS: "AKIA:bad"}}.resolve(context.Background(), "example.com")
	if err == nil || !strings.Contains(err.Error(), "InvalidSignatureException") {
		t.Fatalf("ecr login failure should surface, got %v", err)
	}
}
