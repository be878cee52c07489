package platform_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/a2y-d5l/gitops-pipeline/internal/platform"
)

func TestArtifacts_ListFilesSkipsWorkspaces(t *testing.T) {
	t.Parallel()

	artifacts := platform.NewFSArtifacts(t.TempDir())
	runDir, err := artifacts.EnsureRunDir("shop", "run-1")
	if err != nil {
		t.Fatalf("ensure run dir: %v", err)
	}
	if _, err := artifacts.WriteFile("shop", "run-1", "security-scan/trivy-fs.json", []byte("{}")); err != nil {
		t.Fatalf("write report: %v", err)
	}
	for _, p := range []string{
		filepath.Join(runDir, "workspace", "main.go"),
		filepath.Join(runDir, "workspace", ".git", "config"),
		filepath.Join(runDir, "manifests", "kustomization.yaml"),
		filepath.Join(runDir, "images", "frontend.tar"),
	} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	files, err := artifacts.ListFiles("shop", "run-1")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0] != "security-scan/trivy-fs.json" {
		t.Fatalf("unexpected file list: %#v", files)
	}

	if err := artifacts.RemoveWorkspace("shop", "run-1"); err != nil {
		t.Fatalf("remove workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "workspace")); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, stat err = %v", err)
	}
	if _, err := artifacts.ReadFile("shop", "run-1", "security-scan/trivy-fs.json"); err != nil {
		t.Fatalf("reports must survive workspace cleanup: %v", err)
	}
}

func TestArtifacts_ListFilesMissingRun(t *testing.T) {
	t.Parallel()

	files, err := platform.NewFSArtifacts(t.TempDir()).ListFiles("shop", "nope")
	if err != nil || len(files) != 0 {
		t.Fatalf("missing run should list nothing, got %v %v", files, err)
	}
}

func TestArtifacts_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	artifacts := platform.NewFSArtifacts(t.TempDir())
	for _, rel := range []string{"", ".", "..", "../other-run/x", "/etc/passwd"} {
		if _, err := artifacts.WriteFile("shop", "run-1", rel, []byte("x")); err == nil {
			t.Fatalf("write %q should be rejected", rel)
		}
		if _, err := artifacts.ReadFile("shop", "run-1", rel); err == nil {
			t.Fatalf("read %q should be rejected", rel)
		}
	}
}

func TestArtifacts_RemoveApp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	artifacts := platform.NewFSArtifacts(root)
	if _, err := artifacts.WriteFile("shop", "run-1", "checkout/commit.txt", []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := artifacts.ReadFile("shop", "run-1", "checkout/commit.txt")
	if err != nil || strings.TrimSpace(string(data)) != "abc" {
		t.Fatalf("read back = %q, %v", data, err)
	}
	if err := artifacts.RemoveApp("shop"); err != nil {
		t.Fatalf("remove app: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "shop")); !os.IsNotExist(err) {
		t.Fatalf("app dir should be gone, stat err = %v", err)
	}
}
