package gitsync

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sourceplane/marketsync/internal/logger"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOptions = Options{AuthorName: "marketsync-test", AuthorEmail: "test@example.com"}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// newRemote creates a bare repository on branch main holding one commit
func newRemote(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")

	runGit(t, root, "init", "-q", "--bare", bare)
	runGit(t, bare, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, root, "init", "-q", seed)
	runGit(t, seed, "checkout", "-q", "-b", "main")
	writeFile(t, filepath.Join(seed, "README.md"), "market data\n")
	runGit(t, seed, "add", "README.md")
	runGit(t, seed, "commit", "-q", "-m", "Initial commit")
	runGit(t, seed, "remote", "add", "origin", bare)
	runGit(t, seed, "push", "-q", "origin", "HEAD:main")
	return bare
}

func cloneRemote(t *testing.T, bare string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	runGit(t, filepath.Dir(dir), "clone", "-q", bare, dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// remoteFile reads a file from the tip of main in the bare repository
func remoteFile(t *testing.T, bare, name string) (string, bool) {
	t.Helper()
	repo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	commit, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	file, err := commit.File(name)
	if err != nil {
		return "", false
	}
	contents, err := file.Contents()
	require.NoError(t, err)
	return contents, true
}

func remoteHead(t *testing.T, bare string) string {
	t.Helper()
	repo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	require.NoError(t, err)
	return ref.Hash().String()
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 2, 5, 20, 0, 0, time.UTC)
}

func TestSync_CommitsOnceThenNoChanges(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	dir := cloneRemote(t, bare)
	ctx := context.Background()

	writeFile(t, filepath.Join(dir, "data", "318A-20260302.csv"), "code,price\n318A,100\n")
	syncer := NewSyncer(dir, testOptions, logger.Discard()).WithClock(fixedClock)
	req := Request{Family: model.FamilyETF, Owns: []string{"data/*.csv"}, Message: "Update ETF data"}

	result, err := syncer.Sync(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Stashed)
	assert.True(t, result.Committed)
	assert.True(t, result.Pushed)
	assert.Equal(t, "Update ETF data 2026-03-02", result.Message)
	assert.Equal(t, []string{"data/318A-20260302.csv"}, result.Staged)
	assert.Equal(t, []State{
		StateIdle, StateStashLocal, StatePullRebase, StateUnstashLocal,
		StateStageOwnedPaths, StateCommitIfChanged, StateForcePush, StateIdle,
	}, result.States)
	assert.Equal(t, result.Commit, remoteHead(t, bare))

	contents, ok := remoteFile(t, bare, "data/318A-20260302.csv")
	require.True(t, ok)
	assert.Equal(t, "code,price\n318A,100\n", contents)

	again, err := syncer.Sync(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Committed)
	assert.False(t, again.Pushed)
	assert.Equal(t, NoChangesMessage, again.Message)
	assert.Equal(t, result.Commit, remoteHead(t, bare))
}

func TestSync_DisjointFamiliesBothLand(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	vixDir := cloneRemote(t, bare)
	fxDir := cloneRemote(t, bare)
	ctx := context.Background()

	writeFile(t, filepath.Join(vixDir, "data", "vix_futures_20260302.csv"), "vix")
	writeFile(t, filepath.Join(fxDir, "data", "fx_data_20260302.csv"), "fx")

	_, err := NewSyncer(vixDir, testOptions, logger.Discard()).Sync(ctx, Request{
		Family:  model.FamilyVIXFutures,
		Owns:    []string{"data/vix_futures_*.csv"},
		Message: "Update VIX futures data",
	})
	require.NoError(t, err)

	// the FX clone is now behind the remote and must rebase onto the VIX commit
	result, err := NewSyncer(fxDir, testOptions, logger.Discard()).Sync(ctx, Request{
		Family:  model.FamilyFXRates,
		Owns:    []string{"data/fx_data_*.csv"},
		Message: "Update FX rate data",
	})
	require.NoError(t, err)
	assert.True(t, result.Pushed)

	vix, ok := remoteFile(t, bare, "data/vix_futures_20260302.csv")
	require.True(t, ok)
	assert.Equal(t, "vix", vix)
	fx, ok := remoteFile(t, bare, "data/fx_data_20260302.csv")
	require.True(t, ok)
	assert.Equal(t, "fx", fx)
}

func TestSync_StagesOwnedPathsOnly(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	dir := cloneRemote(t, bare)

	writeFile(t, filepath.Join(dir, "data", "estimated_navs.csv"), "nav")
	writeFile(t, filepath.Join(dir, "data", "scratch.tmp"), "not ours")

	_, err := NewSyncer(dir, testOptions, logger.Discard()).Sync(context.Background(), Request{
		Family:  model.FamilyNAVCalculations,
		Owns:    []string{"data/estimated_navs.csv"},
		Message: "Update estimated NAVs",
	})
	require.NoError(t, err)

	_, ok := remoteFile(t, bare, "data/estimated_navs.csv")
	assert.True(t, ok)
	_, ok = remoteFile(t, bare, "data/scratch.tmp")
	assert.False(t, ok)
	assert.FileExists(t, filepath.Join(dir, "data", "scratch.tmp"))
}

func TestSync_PullFailureKeepsLocalFiles(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	dir := cloneRemote(t, bare)
	before := remoteHead(t, bare)

	path := filepath.Join(dir, "data", "fx_data_20260302.csv")
	writeFile(t, path, "fx")

	opts := testOptions
	opts.Remote = "does-not-exist"
	result, err := NewSyncer(dir, opts, logger.Discard()).Sync(context.Background(), Request{
		Family:  model.FamilyFXRates,
		Owns:    []string{"data/fx_data_*.csv"},
		Message: "Update FX rate data",
	})

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StatePullRebase, syncErr.State)
	assert.False(t, result.Committed)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "fx", string(data))
	assert.Equal(t, before, remoteHead(t, bare))
}

func TestSync_DirtyTrackedFileOfAnotherFamily(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	dir := cloneRemote(t, bare)

	master := filepath.Join(dir, "data", "vix_futures_master.csv")
	writeFile(t, master, "v1\n")
	runGit(t, dir, "add", "data/vix_futures_master.csv")
	runGit(t, dir, "commit", "-q", "-m", "Add VIX master")
	runGit(t, dir, "push", "-q", "origin", "HEAD:main")

	// the remote moves ahead while VIX output sits uncommitted in the checkout
	other := cloneRemote(t, bare)
	writeFile(t, filepath.Join(other, "README.md"), "market data, updated\n")
	runGit(t, other, "commit", "-q", "-am", "Update README")
	runGit(t, other, "push", "-q", "origin", "HEAD:main")

	writeFile(t, master, "v2 from a failed VIX sync\n")
	writeFile(t, filepath.Join(dir, "data", "fx_data_20260302.csv"), "fx")

	result, err := NewSyncer(dir, testOptions, logger.Discard()).WithClock(fixedClock).Sync(context.Background(), Request{
		Family:  model.FamilyFXRates,
		Owns:    []string{"data/fx_data_*.csv"},
		Message: "Update FX rate data",
	})
	require.NoError(t, err)
	assert.True(t, result.Stashed)
	assert.True(t, result.Pushed)
	assert.Equal(t, []string{"data/fx_data_20260302.csv"}, result.Staged)

	contents, ok := remoteFile(t, bare, "data/fx_data_20260302.csv")
	require.True(t, ok)
	assert.Equal(t, "fx", contents)
	contents, _ = remoteFile(t, bare, "README.md")
	assert.Equal(t, "market data, updated\n", contents)
	contents, _ = remoteFile(t, bare, "data/vix_futures_master.csv")
	assert.Equal(t, "v1\n", contents, "another family's edit is never committed")

	data, err := os.ReadFile(master)
	require.NoError(t, err)
	assert.Equal(t, "v2 from a failed VIX sync\n", string(data))
}

func TestSync_NothingOwnedExists(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	dir := cloneRemote(t, bare)

	result, err := NewSyncer(dir, testOptions, logger.Discard()).Sync(context.Background(), Request{
		Family:  model.FamilyLimitsAlerterMorning,
		Owns:    []string{"data/price_alert_*.log"},
		Message: "Price limits check",
	})
	require.NoError(t, err)
	assert.False(t, result.Stashed)
	assert.Equal(t, NoChangesMessage, result.Message)
}

func TestCloner_Prepare(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	root := t.TempDir()

	cloner := NewCloner(bare, "main", root, "")
	dir, release, err := cloner.Prepare(context.Background(), model.FamilyETF, "run-1")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "README.md"))

	writeFile(t, filepath.Join(dir, "data", "318A-20260302.csv"), "etf")
	result, err := NewSyncer(dir, testOptions, logger.Discard()).Sync(context.Background(), Request{
		Family:  model.FamilyETF,
		Owns:    []string{"data/*.csv"},
		Message: "Update ETF data",
	})
	require.NoError(t, err)
	assert.True(t, result.Pushed)

	release(false)
	assert.NoDirExists(t, dir)
}

func TestCloner_ReleaseKeepsWorkspace(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)

	cloner := NewCloner(bare, "main", t.TempDir(), "")
	dir, release, err := cloner.Prepare(context.Background(), model.FamilyFXRates, "run-2")
	require.NoError(t, err)

	output := filepath.Join(dir, "data", "fx_data_20260302.csv")
	writeFile(t, output, "fx")
	release(true)

	assert.FileExists(t, output)
}

func TestClonerFromWorktree(t *testing.T) {
	requireGit(t)
	bare := newRemote(t)
	dir := cloneRemote(t, bare)

	cloner, err := ClonerFromWorktree(dir, "origin", "", t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "main", cloner.Branch())

	_, err = ClonerFromWorktree(dir, "upstream", "", t.TempDir(), "")
	assert.Error(t, err)
}
