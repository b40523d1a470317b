package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Repo is the source-control collaborator. dir is the workspace a branch is
// checked out in.
type Repo interface {
	// CreateBranch clones mainline into dir and checks out a new branch.
	CreateBranch(ctx context.Context, dir, branch string) error
	// Commit stages every change in dir and returns the head commit hash.
	Commit(ctx context.Context, dir, message string) (string, error)
	// Push force-pushes branch to the remote. Pushing twice is harmless.
	Push(ctx context.Context, dir, branch string) error
	// DeleteBranch removes branch from the remote if it is there.
	DeleteBranch(ctx context.Context, branch string) error
}

// GitRepo implements Repo with go-git against a single remote.
type GitRepo struct {
	URL      string
	Mainline string
	Auth     transport.AuthMethod
	Name     string
	Email    string

	now func() time.Time
}

// NewGitRepo returns a GitRepo. A non-empty token authenticates HTTPS
// remotes the way GitHub expects installation and personal tokens.
func NewGitRepo(url, mainline, token, name, email string) *GitRepo {
	r := &GitRepo{URL: url, Mainline: mainline, Name: name, Email: email, now: time.Now}
	if token != "" {
		r.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	return r
}

func (r *GitRepo) CreateBranch(ctx context.Context, dir, branch string) error {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           r.URL,
		Auth:          r.Auth,
		ReferenceName: plumbing.NewBranchReferenceName(r.Mainline),
		SingleBranch:  true,
	})
	if err != nil {
		return fmt.Errorf("clone %s@%s: %w", r.URL, r.Mainline, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

func (r *GitRepo) Commit(_ context.Context, dir, message string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open workspace: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: r.Name, Email: r.Email, When: r.now()},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, herr := repo.Head()
		if herr != nil {
			return "", fmt.Errorf("read head: %w", herr)
		}
		return head.Hash().String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

func (r *GitRepo) Push(ctx context.Context, dir, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec("+" + ref + ":" + ref)},
		Auth:       r.Auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch works without a local clone so a failed attempt can be
// cleaned up after its workspace is gone.
func (r *GitRepo) DeleteBranch(ctx context.Context, branch string) error {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{r.URL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: r.Auth})
	if err != nil {
		return fmt.Errorf("list remote refs: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	found := false
	for _, rf := range refs {
		if rf.Name() == ref {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	err = remote.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(":" + ref)},
		Auth:       r.Auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("delete remote %s: %w", branch, err)
	}
	return nil
}
