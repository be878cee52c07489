package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const (
	gitBotName  = "gitops-pipeline"
	gitBotEmail = "gitops-pipeline@users.noreply.github.com"
	gitRemote   = "origin"
)

func gitCommitSignature() object.Signature {
	return object.Signature{
		Name:  gitBotName,
		Email: gitBotEmail,
		When:  time.Now().UTC(),
	}
}

func ensureContextAlive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func openLocalRepo(dir string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

// gitAuthForURL returns HTTP basic auth with the token for http(s) remotes
// and nil for local or file remotes.
func gitAuthForURL(repoURL, token string) transport.AuthMethod {
	lower := strings.ToLower(strings.TrimSpace(repoURL))
	if token == "" || !(strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")) {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}

// gitCloneAt clones branch of repoURL into dir and, when commit is set, hard
// checks out that commit. It returns the resolved HEAD commit.
func gitCloneAt(
	ctx context.Context,
	repoURL, branch, commit, dir string,
	auth transport.AuthMethod,
) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitOpTimeout)
	defer cancel()
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirModePrivateRead); err != nil {
		return "", err
	}
	repo, err := gogit.PlainCloneContext(runCtx, dir, false, &gogit.CloneOptions{
		URL:           repoURL,
		Auth:          auth,
		RemoteName:    gitRemote,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Tags:          gogit.NoTags,
	})
	if err != nil {
		return "", fmt.Errorf("clone %s@%s: %w", redactRepoURL(repoURL), branch, err)
	}
	commit = strings.TrimSpace(commit)
	if commit == "" {
		head, headErr := repo.Head()
		if headErr != nil {
			return "", fmt.Errorf("read head: %w", headErr)
		}
		return head.Hash().String(), nil
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(commit))
	if err != nil {
		return "", fmt.Errorf("resolve commit %s on %s: %w", commit, branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{
		Hash:  *hash,
		Force: true,
	}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", commit, err)
	}
	if err := ensureContextAlive(runCtx); err != nil {
		return "", err
	}
	return hash.String(), nil
}

// gitCommitIfChanged stages everything under dir and commits. It reports
// whether a commit was created and its hash.
func gitCommitIfChanged(ctx context.Context, dir, message string) (bool, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitOpTimeout)
	defer cancel()
	if err := ensureContextAlive(runCtx); err != nil {
		return false, "", err
	}
	repo, err := openLocalRepo(dir)
	if err != nil {
		return false, "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddGlob("."); err != nil {
		return false, "", fmt.Errorf("stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, "", fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return false, "", nil
	}
	signature := gitCommitSignature()
	hash, err := wt.Commit(message, &gogit.CommitOptions{
		All:               false,
		AllowEmptyCommits: false,
		Author:            &signature,
		Committer:         &signature,
	})
	if err != nil {
		return false, "", fmt.Errorf("commit: %w", err)
	}
	if err := ensureContextAlive(runCtx); err != nil {
		return false, "", err
	}
	return true, hash.String(), nil
}

func gitPushBranch(ctx context.Context, dir, branch string, auth transport.AuthMethod) error {
	runCtx, cancel := context.WithTimeout(ctx, gitOpTimeout)
	defer cancel()
	repo, err := openLocalRepo(dir)
	if err != nil {
		return err
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(runCtx, &gogit.PushOptions{
		RemoteName: gitRemote,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref.String() + ":" + ref.String())},
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

func gitHeadDetails(ctx context.Context, dir string) (string, string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitReadTimeout)
	defer cancel()
	if err := ensureContextAlive(runCtx); err != nil {
		return "", "", "", err
	}
	repo, err := openLocalRepo(dir)
	if err != nil {
		return "", "", "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", "", "", fmt.Errorf("read head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", "", "", fmt.Errorf("read commit object: %w", err)
	}
	subject := strings.TrimSpace(commitObj.Message)
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = strings.TrimSpace(subject[:idx])
	}
	return head.Name().Short(), head.Hash().String(), subject, nil
}

// redactRepoURL strips userinfo so tokens never reach logs or run records.
func redactRepoURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
