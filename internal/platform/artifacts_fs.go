package platform

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

////////////////////////////////////////////////////////////////////////////////
// Artifact store (disk): <root>/<app>/<run>/{workspace,reports,...}
////////////////////////////////////////////////////////////////////////////////

const (
	workspaceDirName = "workspace"
	manifestsDirName = "manifests"
	imagesDirName    = "images"
)

var errInvalidRelPath = errors.New("invalid relPath")

type ArtifactStore interface {
	RunDir(appID, runID string) string
	EnsureRunDir(appID, runID string) (string, error)
	WriteFile(appID, runID, relPath string, data []byte) (string, error) // returns relative path
	ListFiles(appID, runID string) ([]string, error)                     // returns relative paths
	ReadFile(appID, runID, relPath string) ([]byte, error)
	RemoveWorkspace(appID, runID string) error
	RemoveApp(appID string) error
}

type FSArtifacts struct {
	root string
}

func NewFSArtifacts(root string) *FSArtifacts {
	return &FSArtifacts{root: root}
}

func (a *FSArtifacts) RunDir(appID, runID string) string {
	return filepath.Join(a.root, appID, runID)
}

func (a *FSArtifacts) EnsureRunDir(appID, runID string) (string, error) {
	dir := a.RunDir(appID, runID)
	if err := os.MkdirAll(dir, dirModePrivateRead); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *FSArtifacts) WriteFile(appID, runID, relPath string, data []byte) (string, error) {
	dir, err := a.EnsureRunDir(appID, runID)
	if err != nil {
		return "", err
	}
	relPath, err = cleanArtifactRelPath(relPath)
	if err != nil {
		return "", err
	}
	full, err := securejoin.SecureJoin(dir, relPath)
	if err != nil {
		return "", errInvalidRelPath
	}
	if err := os.MkdirAll(filepath.Dir(full), dirModePrivateRead); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, fileModePrivate); err != nil {
		return "", err
	}
	return filepath.ToSlash(relPath), nil
}

// ListFiles skips the checked-out workspaces and .git directories; only
// reports and generated files are listed.
func (a *FSArtifacts) ListFiles(appID, runID string) ([]string, error) {
	root := a.RunDir(appID, runID)
	var files []string
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, _ error) error {
		if d == nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || (p != root && filepath.Dir(p) == root && isWorkspaceDir(d.Name())) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (a *FSArtifacts) ReadFile(appID, runID, relPath string) ([]byte, error) {
	dir := a.RunDir(appID, runID)
	relPath, err := cleanArtifactRelPath(relPath)
	if err != nil {
		return nil, err
	}
	full, err := securejoin.SecureJoin(dir, relPath)
	if err != nil {
		return nil, errInvalidRelPath
	}
	// #nosec G304 -- full path is constrained by relPath guards and securejoin above.
	return os.ReadFile(full)
}

// RemoveWorkspace drops the cloned repositories and image tarballs but keeps
// reports.
func (a *FSArtifacts) RemoveWorkspace(appID, runID string) error {
	dir := a.RunDir(appID, runID)
	for _, name := range []string{workspaceDirName, manifestsDirName, imagesDirName} {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *FSArtifacts) RemoveApp(appID string) error {
	return os.RemoveAll(filepath.Join(a.root, appID))
}

func isWorkspaceDir(name string) bool {
	return name == workspaceDirName || name == manifestsDirName || name == imagesDirName
}

func cleanArtifactRelPath(relPath string) (string, error) {
	relPath = filepath.Clean(strings.TrimSpace(relPath))
	if relPath == "." || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) ||
		filepath.IsAbs(relPath) {
		return "", errInvalidRelPath
	}
	return relPath, nil
}
