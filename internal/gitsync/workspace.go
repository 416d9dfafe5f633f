package gitsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/sourceplane/marketsync/internal/model"
)

// Cloner gives every job execution a private checkout of the shared
// repository, so concurrently running jobs never see each other's files.
type Cloner struct {
	url        string
	branch     string
	root       string
	sshKeyPath string
}

// NewCloner creates per-job checkouts of url under root
func NewCloner(url, branch, root, sshKeyPath string) *Cloner {
	return &Cloner{url: url, branch: branch, root: root, sshKeyPath: sshKeyPath}
}

// ClonerFromWorktree derives the clone URL from the named remote of an
// existing checkout
func ClonerFromWorktree(dir, remote, branch, root, sshKeyPath string) (*Cloner, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	r, err := repo.Remote(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to get remote %s: %w", remote, err)
	}
	urls := r.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("remote %s has no URL", remote)
	}

	if branch == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		branch = head.Name().Short()
	}

	return NewCloner(urls[0], branch, root, sshKeyPath), nil
}

// Prepare clones the repository into a fresh directory for one job run. The
// returned release removes the directory unless asked to keep it, as after a
// failed sync whose output must survive for the next attempt.
func (c *Cloner) Prepare(ctx context.Context, family model.Family, runID string) (string, func(keep bool), error) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(c.root, fmt.Sprintf("%s-%s-", family, runID))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	auth, err := c.sshAuth()
	if err != nil {
		cleanup()
		return "", nil, err
	}

	opts := &git.CloneOptions{
		URL: c.url,
	}
	if auth != nil {
		opts.Auth = auth
	}
	if c.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(c.branch)
		opts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to clone repository: %w", err)
	}

	release := func(keep bool) {
		if !keep {
			cleanup()
		}
	}
	return filepath.Clean(dir), release, nil
}

// Branch returns the branch checked out in every prepared workspace
func (c *Cloner) Branch() string {
	return c.branch
}

func (c *Cloner) sshAuth() (*ssh.PublicKeys, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}

	if _, err := os.Stat(c.sshKeyPath); os.IsNotExist(err) {
		return nil, nil
	}

	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH key: %w", err)
	}

	return auth, nil
}
