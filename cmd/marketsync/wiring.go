package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourceplane/marketsync/internal/artifact"
	"github.com/sourceplane/marketsync/internal/config"
	"github.com/sourceplane/marketsync/internal/gitsync"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/pipeline"
)

// newArtifactStore opens the artifact store at an absolute root, since job
// workspaces live outside the working directory
func newArtifactStore() (*artifact.FileStore, error) {
	root, err := filepath.Abs(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact directory: %w", err)
	}
	return artifact.NewFileStore(root), nil
}

// buildPipeline wires workspaces, artifacts, sync and run history together
func buildPipeline(workflow *model.Workflow, dryRun, syncEnabled bool, recorder pipeline.RunRecorder) (*pipeline.Pipeline, error) {
	artifacts, err := newArtifactStore()
	if err != nil {
		return nil, err
	}

	maxParallel := cfg.MaxParallelJobs
	remote := cfg.Git.Remote

	var workspaces pipeline.Workspaces
	if dryRun || cfg.Isolation == config.IsolationShared {
		workspaces = pipeline.NewSharedWorkspace(cfg.WorkDir)
		maxParallel = 1
	} else {
		cloner, err := newCloner()
		if err != nil {
			return nil, err
		}
		workspaces = cloner
		// inside a fresh clone the source repository is always origin
		remote = "origin"
	}

	var syncers pipeline.SyncerFactory
	if syncEnabled && !cfg.Git.Disabled {
		opts := gitsync.Options{
			Remote:      remote,
			Branch:      cfg.Git.Branch,
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		}
		syncers = func(dir string) pipeline.Syncer {
			return gitsync.NewSyncer(dir, opts, appLog)
		}
	}

	return pipeline.New(pipeline.Config{
		Workflow:        workflow,
		Artifacts:       artifacts,
		Workspaces:      workspaces,
		Syncers:         syncers,
		Recorder:        recorder,
		MaxParallelJobs: maxParallel,
		DryRun:          dryRun,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		Logger:          appLog,
	})
}

func newCloner() (*gitsync.Cloner, error) {
	root, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	// a remote given as URL is cloned directly, a remote name is looked up
	// in the working checkout
	if strings.Contains(cfg.Git.Remote, "/") || strings.Contains(cfg.Git.Remote, ":") {
		return gitsync.NewCloner(cfg.Git.Remote, cfg.Git.Branch, root, cfg.Git.SSHKeyPath), nil
	}
	return gitsync.ClonerFromWorktree(cfg.WorkDir, cfg.Git.Remote, cfg.Git.Branch, root, cfg.Git.SSHKeyPath)
}
