package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/kustomize/api/krusty"
	ktypes "sigs.k8s.io/kustomize/api/types"
	"sigs.k8s.io/kustomize/kyaml/filesys"
	"sigs.k8s.io/kustomize/kyaml/kio"
	"sigs.k8s.io/kustomize/kyaml/yaml"
	sigsyaml "sigs.k8s.io/yaml"
)

////////////////////////////////////////////////////////////////////////////////
// Manifest repository edits: image tags via kustomize
////////////////////////////////////////////////////////////////////////////////

var errNoKustomization = errors.New("no kustomization file")

// imageUpdate points the image named Name at NewName:NewTag.
type imageUpdate struct {
	Name    string
	NewName string
	NewTag  string
}

func (u imageUpdate) reference() string {
	return u.NewName + ":" + u.NewTag
}

func imageUpdatesFromRefs(spec ApplicationSpec, images map[string]string) ([]imageUpdate, error) {
	var out []imageUpdate
	for _, tier := range buildableTiers(spec) {
		ref, ok := images[tier.Name]
		if !ok {
			return nil, fmt.Errorf("no image reference recorded for tier %s", tier.Name)
		}
		idx := strings.LastIndex(ref, ":")
		if idx <= strings.LastIndex(ref, "/") {
			return nil, fmt.Errorf("image reference %s has no tag", ref)
		}
		out = append(out, imageUpdate{Name: tier.Image, NewName: ref[:idx], NewTag: ref[idx+1:]})
	}
	return out, nil
}

func findKustomizationFile(dir string) (string, error) {
	for _, name := range []string{"kustomization.yaml", "kustomization.yml", "Kustomization"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errNoKustomization
}

// setKustomizationImages rewrites the images: list in place, preserving
// comments and field order. It reports whether the file changed.
func setKustomizationImages(path string, updates []imageUpdate) (bool, error) {
	// #nosec G304 -- path is inside the cloned manifests repository.
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	node, err := yaml.Parse(string(raw))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	images, err := node.Pipe(yaml.LookupCreate(yaml.SequenceNode, "images"))
	if err != nil {
		return false, fmt.Errorf("lookup images: %w", err)
	}
	for _, u := range updates {
		elem, findErr := findImageElement(images, u)
		if findErr != nil {
			return false, findErr
		}
		if elem == nil {
			elem = yaml.NewMapRNode(&map[string]string{"name": u.Name})
			if err := images.PipeE(yaml.Append(elem.YNode())); err != nil {
				return false, fmt.Errorf("append image %s: %w", u.Name, err)
			}
		}
		if err := elem.PipeE(yaml.SetField("newName", yaml.NewStringRNode(u.NewName))); err != nil {
			return false, err
		}
		if err := elem.PipeE(yaml.SetField("newTag", yaml.NewStringRNode(u.NewTag))); err != nil {
			return false, err
		}
		// A digest pin would override the new tag.
		if _, err := elem.Pipe(yaml.Clear("digest")); err != nil {
			return false, err
		}
	}
	out, err := node.String()
	if err != nil {
		return false, err
	}
	if out == string(raw) {
		return false, nil
	}
	if err := validateKustomization([]byte(out)); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, []byte(out), fileModePrivate)
}

// findImageElement matches images[].name against the tier image or the
// registry repository the tier pushes to.
func findImageElement(images *yaml.RNode, u imageUpdate) (*yaml.RNode, error) {
	elements, err := images.Elements()
	if err != nil {
		return nil, err
	}
	for _, elem := range elements {
		nameNode := elem.Field("name")
		if nameNode == nil || nameNode.Value == nil {
			continue
		}
		name := yaml.GetValue(nameNode.Value)
		if name == u.Name || name == u.NewName {
			return elem, nil
		}
	}
	return nil, nil
}

func validateKustomization(b []byte) error {
	var k ktypes.Kustomization
	if err := sigsyaml.Unmarshal(b, &k); err != nil {
		return fmt.Errorf("invalid kustomization: %w", err)
	}
	for _, img := range k.Images {
		if img.Name == "" {
			return errors.New("invalid kustomization: image entry without name")
		}
	}
	return nil
}

// setWorkloadImages is the fallback for plain manifest directories: it
// rewrites container images of workloads whose image matches an update.
func setWorkloadImages(dir string, updates []imageUpdate) (int, error) {
	rw := kio.LocalPackageReadWriter{PackagePath: dir, MatchFilesGlob: kio.MatchAll}
	nodes, err := rw.Read()
	if err != nil {
		return 0, fmt.Errorf("read manifests: %w", err)
	}
	changed := 0
	for _, node := range nodes {
		for _, field := range []string{"containers", "initContainers"} {
			containers, lookupErr := node.Pipe(yaml.Lookup(podSpecPath(node.GetKind(), field)...))
			if lookupErr != nil || containers == nil {
				continue
			}
			elements, elemErr := containers.Elements()
			if elemErr != nil {
				return 0, elemErr
			}
			for _, c := range elements {
				imgNode := c.Field("image")
				if imgNode == nil || imgNode.Value == nil {
					continue
				}
				current := yaml.GetValue(imgNode.Value)
				for _, u := range updates {
					if !imageMatches(current, u) || current == u.reference() {
						continue
					}
					if err := c.PipeE(yaml.SetField("image", yaml.NewStringRNode(u.reference()))); err != nil {
						return 0, err
					}
					changed++
				}
			}
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := rw.Write(nodes); err != nil {
		return 0, fmt.Errorf("write manifests: %w", err)
	}
	return changed, nil
}

func podSpecPath(kind, field string) []string {
	switch kind {
	case "Pod":
		return []string{"spec", field}
	case "CronJob":
		return []string{"spec", "jobTemplate", "spec", "template", "spec", field}
	default:
		return []string{"spec", "template", "spec", field}
	}
}

func imageMatches(current string, u imageUpdate) bool {
	repo := current
	if at := strings.Index(repo, "@"); at >= 0 {
		repo = repo[:at]
	}
	if idx := strings.LastIndex(repo, ":"); idx > strings.LastIndex(repo, "/") {
		repo = repo[:idx]
	}
	if repo == u.Name || repo == u.NewName {
		return true
	}
	return repo[strings.LastIndex(repo, "/")+1:] == u.Name
}

// renderKustomization builds dir with krusty to prove the edited overlay
// still renders.
func renderKustomization(dir string) ([]byte, error) {
	k := krusty.MakeKustomizer(krusty.MakeDefaultOptions())
	resMap, err := k.Run(filesys.MakeFsOnDisk(), dir)
	if err != nil {
		return nil, fmt.Errorf("kustomize build: %w", err)
	}
	out, err := resMap.AsYaml()
	if err != nil {
		return nil, fmt.Errorf("kustomize output: %w", err)
	}
	return out, nil
}

// renderedImages lists the distinct container images in rendered YAML.
func renderedImages(rendered []byte) ([]string, error) {
	nodes, err := kio.FromBytes(rendered)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, node := range nodes {
		for _, field := range []string{"containers", "initContainers"} {
			containers, lookupErr := node.Pipe(yaml.Lookup(podSpecPath(node.GetKind(), field)...))
			if lookupErr != nil || containers == nil {
				continue
			}
			elements, _ := containers.Elements()
			for _, c := range elements {
				if img := c.Field("image"); img != nil && img.Value != nil {
					seen[yaml.GetValue(img.Value)] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for img := range seen {
		out = append(out, img)
	}
	sort.Strings(out)
	return out, nil
}
