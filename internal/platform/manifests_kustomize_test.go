//nolint:testpackage // Manifest edit helpers are unexported.
package platform

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const testDeploymentYAML = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: frontend
spec:
  selector:
    matchLabels:
      app: frontend
  template:
    metadata:
      labels:
        app: frontend
    spec:
      containers:
      - name: frontend
        image: frontend:latest
`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestManifests_ImageUpdatesFromRefs(t *testing.T) {
	t.Parallel()

	spec := defaultThreeTierSpec("shop", "https://example.com/src.git", "https://example.com/m.git")
	updates, err := imageUpdatesFromRefs(spec, map[string]string{
		tierFrontend: "localhost:5000/shop-frontend:abc1234",
		tierBackend:  "123456789012.dkr.ecr.us-east-1.amazonaws.com/shop-backend:abc1234",
	})
	if err != nil {
		t.Fatalf("imageUpdatesFromRefs: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected one update per buildable tier, got %d", len(updates))
	}
	if updates[0].Name != tierFrontend || updates[0].NewName != "localhost:5000/shop-frontend" || updates[0].NewTag != "abc1234" {
		t.Fatalf("registry port must not be mistaken for a tag: %+v", updates[0])
	}

	_, err = imageUpdatesFromRefs(spec, map[string]string{tierFrontend: "localhost:5000/shop-frontend"})
	if err == nil {
		t.Fatal("untagged or missing references must fail")
	}
}

func TestManifests_SetKustomizationImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "deployment.yaml", testDeploymentYAML)
	path := writeTestFile(t, dir, "kustomization.yaml", `# managed by the pipeline
resources:
- deployment.yaml
images:
- name: frontend
  newTag: old
  digest: sha256:0000000000000000000000000000000000000000000000000000000000000000
`)

	found, err := findKustomizationFile(dir)
	if err != nil || found != path {
		t.Fatalf("findKustomizationFile = %q, %v", found, err)
	}

	updates := []imageUpdate{
		{Name: tierFrontend, NewName: "registry.example.com/shop-frontend", NewTag: "abc1234"},
		{Name: tierBackend, NewName: "registry.example.com/shop-backend", NewTag: "abc1234"},
	}
	changed, err := setKustomizationImages(path, updates)
	if err != nil || !changed {
		t.Fatalf("setKustomizationImages = %v, %v", changed, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(raw)
	for _, want := range []string{"# managed by the pipeline", "newName: registry.example.com/shop-frontend", "newTag: abc1234", "name: backend"} {
		if !strings.Contains(text, want) {
			t.Fatalf("kustomization missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "digest:") {
		t.Fatalf("digest pin should be cleared:\n%s", text)
	}

	changed, err = setKustomizationImages(path, updates)
	if err != nil || changed {
		t.Fatalf("second edit should be a no-op, got %v, %v", changed, err)
	}

	rendered, err := renderKustomization(dir)
	if err != nil {
		t.Fatalf("renderKustomization: %v", err)
	}
	images, err := renderedImages(rendered)
	if err != nil {
		t.Fatalf("renderedImages: %v", err)
	}
	if !slices.Contains(images, "registry.example.com/shop-frontend:abc1234") {
		t.Fatalf("rendered images = %v", images)
	}
}

func TestManifests_FindKustomizationMissing(t *testing.T) {
	t.Parallel()

	if _, err := findKustomizationFile(t.TempDir()); !errors.Is(err, errNoKustomization) {
		t.Fatalf("expected errNoKustomization, got %v", err)
	}
}

func TestManifests_SetWorkloadImages(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, dir, "frontend.yaml", strings.ReplaceAll(testDeploymentYAML,
		"image: frontend:latest", "image: registry.example.com/shop-frontend:0.9.0"))
	writeTestFile(t, dir, "database.yaml", `apiVersion: apps/v1
kind: StatefulSet
metadata:
  name: database
spec:
  template:
    spec:
      containers:
      - name: mongo
        image: mongo:6
`)

	updates := []imageUpdate{{Name: tierFrontend, NewName: "registry.example.com/shop-frontend", NewTag: "abc1234"}}
	changed, err := setWorkloadImages(dir, updates)
	if err != nil {
		t.Fatalf("setWorkloadImages: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected one container updated, got %d", changed)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "frontend.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "image: registry.example.com/shop-frontend:abc1234") {
		t.Fatalf("image not updated:\n%s", raw)
	}
	db, err := os.ReadFile(filepath.Join(dir, "database.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(db), "image: mongo:6") {
		t.Fatalf("unrelated workload changed:\n%s", db)
	}

	changed, err = setWorkloadImages(dir, updates)
	if err != nil || changed != 0 {
		t.Fatalf("second pass should change nothing, got %d, %v", changed, err)
	}
}

func TestManifests_ImageMatches(t *testing.T) {
	t.Parallel()

	u := imageUpdate{Name: "frontend", NewName: "registry.example.com/shop-frontend", NewTag: "t"}
	matches := []string{
		"frontend",
		"frontend:1.0",
		"docker.io/acme/frontend:1.0",
		"registry.example.com/shop-frontend@sha256:abc",
		"registry.example.com/shop-frontend:old",
	}
	for _, img := range matches {
		if !imageMatches(img, u) {
			t.Fatalf("%q should match", img)
		}
	}
	if imageMatches("acme/frontend-admin:1.0", u) || imageMatches("localhost:5000/backend", u) {
		t.Fatal("unrelated images must not match")
	}
}
