package fixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// workspace is a local clone of a project repository.
type workspace struct {
	dir  string
	repo *git.Repository
	auth transport.AuthMethod
}

// openWorkspace clones url into dir, or opens and fetches an existing clone.
func openWorkspace(ctx context.Context, dir, url string, token config.Secret) (*workspace, error) {
	var auth transport.AuthMethod
	if token.IsSet() {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token.Value()}
	}

	repo, err := git.PlainOpen(dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", dir, err)
		}
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:  url,
			Auth: auth,
		})
		if err != nil {
			return nil, fmt.Errorf("cloning repository: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("opening working copy: %w", err)
	default:
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       auth,
			Force:      true,
			RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("fetching origin: %w", err)
		}
	}

	return &workspace{dir: dir, repo: repo, auth: auth}, nil
}

// checkoutFresh discards local changes and creates branch at origin/base.
func (w *workspace) checkoutFresh(base, branch string) error {
	ref, err := w.repo.Reference(plumbing.NewRemoteReferenceName("origin", base), true)
	if err != nil {
		return fmt.Errorf("resolving origin/%s: %w", base, err)
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Hash:   ref.Hash(),
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
		Force:  true,
	}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// changedFiles lists paths that differ from HEAD, sorted.
func (w *workspace) changedFiles() ([]string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	files := make([]string, 0, len(status))
	for path, st := range status {
		if st.Worktree != git.Unmodified || st.Staging != git.Unmodified {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// commitAll stages every change and commits it.
func (w *workspace) commitAll(message, name, email string, when time.Time) (string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: when},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// push publishes branch to origin.
func (w *workspace) push(ctx context.Context, branch string) error {
	ref := plumbing.NewBranchReferenceName(branch)
	err := w.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       w.auth,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}
