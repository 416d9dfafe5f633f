// Package gitsync persists a job's owned output files into the shared
// repository without any cross-job lock: stash, pull --rebase, pop, stage
// the owned paths only, commit when something changed, force-push.
//
// Force-push is only safe because job families own disjoint path sets; see
// CheckOwnership.
package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/sourceplane/marketsync/internal/model"
)

// State is a step of the sync state machine
type State string

const (
	StateIdle            State = "Idle"
	StateStashLocal      State = "StashLocal"
	StatePullRebase      State = "PullRebase"
	StateUnstashLocal    State = "UnstashLocal"
	StateStageOwnedPaths State = "StageOwnedPaths"
	StateCommitIfChanged State = "CommitIfChanged"
	StateForcePush       State = "ForcePush"
)

// NoChangesMessage is reported instead of a commit message when nothing changed
const NoChangesMessage = "No changes to commit"

// SyncError reports the state in which a sync failed. Local files are never
// rolled back; the next scheduled run retries.
type SyncError struct {
	State State
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("repository sync failed in %s: %v", e.State, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Options configures identity and destination of pushes
type Options struct {
	Remote      string
	Branch      string // empty resolves the checked-out branch
	AuthorName  string
	AuthorEmail string
}

// Request describes one job's sync
type Request struct {
	Family  model.Family
	Owns    []string
	Message string
}

// Result records how far the sync went and what it produced
type Result struct {
	Family    model.Family
	States    []State
	Stashed   bool
	Staged    []string
	Committed bool
	Pushed    bool
	Commit    string
	Message   string
}

// Syncer runs the merge procedure against one worktree
type Syncer struct {
	dir    string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer creates a syncer for the worktree at dir
func NewSyncer(dir string, opts Options, logger *slog.Logger) *Syncer {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{dir: dir, opts: opts, logger: logger, now: time.Now}
}

// WithClock replaces the clock used for commit message dates
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// Sync runs Idle → StashLocal → PullRebase → UnstashLocal → StageOwnedPaths
// → CommitIfChanged → ForcePush → Idle for one job's owned paths
func (s *Syncer) Sync(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Family: req.Family, States: []State{StateIdle}}
	logger := s.logger.With("job", req.Family)

	enter := func(state State) {
		result.States = append(result.States, state)
		logger.Debug("sync state", "state", state)
	}
	fail := func(state State, err error) (*Result, error) {
		logger.Error("repository sync failed", "state", state, "error", err)
		return result, &SyncError{State: state, Err: err}
	}

	branch, err := s.branch()
	if err != nil {
		return fail(StateIdle, err)
	}

	enter(StateStashLocal)
	stash, err := s.stashPaths(ctx, req.Owns)
	if err != nil {
		return fail(StateStashLocal, err)
	}
	if len(stash) > 0 {
		args := append([]string{"stash", "push", "--include-untracked", "-m", "marketsync " + req.Family.String(), "--"}, stash...)
		if _, err := s.git(ctx, args...); err != nil {
			return fail(StateStashLocal, err)
		}
		result.Stashed = true
	}

	enter(StatePullRebase)
	if _, err := s.git(ctx, "pull", "--rebase", s.opts.Remote, branch); err != nil {
		if result.Stashed {
			// put the collector output back before reporting
			if _, popErr := s.git(ctx, "stash", "pop"); popErr != nil {
				logger.Error("failed to restore stashed changes", "error", popErr)
			}
		}
		return fail(StatePullRebase, err)
	}

	enter(StateUnstashLocal)
	if result.Stashed {
		if _, err := s.git(ctx, "stash", "pop"); err != nil {
			return fail(StateUnstashLocal, err)
		}
	}

	enter(StateStageOwnedPaths)
	files, err := ownedFiles(s.dir, req.Owns)
	if err != nil {
		return fail(StateStageOwnedPaths, err)
	}
	if len(files) > 0 {
		args := append([]string{"add", "--"}, files...)
		if _, err := s.git(ctx, args...); err != nil {
			return fail(StateStageOwnedPaths, err)
		}
	}
	result.Staged = files

	enter(StateCommitIfChanged)
	changed := false
	if len(files) > 0 {
		changed, err = s.hasStagedChanges(ctx, files)
		if err != nil {
			return fail(StateCommitIfChanged, err)
		}
	}
	if !changed {
		result.Message = NoChangesMessage
		logger.Info(NoChangesMessage)
		result.States = append(result.States, StateIdle)
		return result, nil
	}

	message := fmt.Sprintf("%s %s", req.Message, s.now().Format("2006-01-02"))
	args := append([]string{"commit", "-m", message, "--"}, files...)
	if _, err := s.git(ctx, args...); err != nil {
		return fail(StateCommitIfChanged, err)
	}
	result.Committed = true
	result.Message = message
	if hash, err := s.head(); err == nil {
		result.Commit = hash
	}

	enter(StateForcePush)
	if _, err := s.git(ctx, "push", "--force", s.opts.Remote, "HEAD:"+branch); err != nil {
		return fail(StateForcePush, err)
	}
	result.Pushed = true

	result.States = append(result.States, StateIdle)
	logger.Info("repository synced", "commit", result.Commit, "files", len(files), "message", message)
	return result, nil
}

// stashPaths lists what must leave the worktree for the rebase: every
// tracked change, whoever made it, plus the job's own new files. Untracked
// files of other jobs cannot block a rebase and stay where they are.
func (s *Syncer) stashPaths(ctx context.Context, owns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}

	tracked, err := s.git(ctx, "diff", "--name-only", "-z", "HEAD")
	if err != nil {
		return nil, err
	}
	for _, path := range strings.Split(tracked, "\x00") {
		add(path)
	}

	local, err := ownedFiles(s.dir, owns)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 {
		args := append([]string{"status", "--porcelain", "--"}, local...)
		status, err := s.git(ctx, args...)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(status) != "" {
			for _, path := range local {
				add(path)
			}
		}
	}

	sort.Strings(paths)
	return paths, nil
}

// hasStagedChanges reports whether the index differs from HEAD for files.
// `git diff --quiet` exits 1 when there are differences.
func (s *Syncer) hasStagedChanges(ctx context.Context, files []string) (bool, error) {
	args := append([]string{"diff", "--cached", "--quiet", "--"}, files...)
	_, err := s.git(ctx, args...)
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (s *Syncer) branch() (string, error) {
	if s.opts.Branch != "" {
		return s.opts.Branch, nil
	}
	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached; set GIT_BRANCH")
	}
	return ref.Name().Short(), nil
}

func (s *Syncer) head() (string, error) {
	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

func (s *Syncer) git(ctx context.Context, args ...string) (string, error) {
	full := []string{
		"-c", "user.name=" + s.opts.AuthorName,
		"-c", "user.email=" + s.opts.AuthorEmail,
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.String(), fmt.Errorf("git %s: %w", args[0], err)
		}
		return stdout.String(), fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return stdout.String(), nil
}

// ownedFiles expands owned globs inside the worktree into sorted relative paths
func ownedFiles(dir string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, glob := range globs {
		matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(glob)))
		if err != nil {
			return nil, fmt.Errorf("invalid owned path %q: %w", glob, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(dir, match)
			if err != nil {
				return nil, err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, rel)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
