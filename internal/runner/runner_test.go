package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sourceplane/marketsync/internal/logger"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, dryRun bool) (*Runner, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	r := NewRunner(t.TempDir(), &out, &out, dryRun)
	r.Logger = logger.Discard()
	return r, &out
}

func TestRunJob_AllStepsSucceed(t *testing.T) {
	r, _ := newTestRunner(t, false)

	steps := []model.Step{
		{Name: "first", Run: "echo one > first.txt"},
		{Name: "second", Run: "cat first.txt > second.txt"},
	}
	result := r.RunJob(context.Background(), model.FamilyETF, steps, nil)

	require.True(t, result.Succeeded())
	require.Len(t, result.Steps, 2)
	data, err := os.ReadFile(filepath.Join(r.WorkDir, "second.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(data))
}

func TestRunJob_FailureAbortsRemainingSteps(t *testing.T) {
	r, _ := newTestRunner(t, false)

	steps := []model.Step{
		{Name: "extract", Run: "touch extracted"},
		{Name: "download", Run: "exit 3"},
		{Name: "parse", Run: "touch parsed"},
	}
	finally := []model.Step{{Name: "Show logs", Run: "touch logs-shown"}}

	result := r.RunJob(context.Background(), model.FamilyVIXFutures, steps, finally)

	require.False(t, result.Succeeded())
	var stepErr *StepError
	require.ErrorAs(t, result.Err, &stepErr)
	assert.Equal(t, "download", stepErr.Step)
	assert.Equal(t, model.FamilyVIXFutures, stepErr.Family)

	require.Len(t, result.Steps, 4)
	assert.False(t, result.Steps[0].Skipped)
	assert.Error(t, result.Steps[1].Err)
	assert.True(t, result.Steps[2].Skipped)
	assert.True(t, result.Steps[3].Finally)

	assert.FileExists(t, filepath.Join(r.WorkDir, "extracted"))
	assert.NoFileExists(t, filepath.Join(r.WorkDir, "parsed"))
	assert.FileExists(t, filepath.Join(r.WorkDir, "logs-shown"))
}

func TestRunJob_FinallyFailureDoesNotMaskResult(t *testing.T) {
	r, _ := newTestRunner(t, false)

	result := r.RunJob(context.Background(), model.FamilyFXRates,
		[]model.Step{{Name: "download", Run: "true"}},
		[]model.Step{{Name: "Show logs", Run: "exit 1"}, {Name: "after", Run: "touch after"}},
	)

	assert.True(t, result.Succeeded())
	require.Len(t, result.Steps, 3)
	assert.Error(t, result.Steps[1].Err)
	assert.FileExists(t, filepath.Join(r.WorkDir, "after"))
}

func TestRunJob_CancelledContextStillRunsFinally(t *testing.T) {
	r, _ := newTestRunner(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.RunJob(ctx, model.FamilyETF,
		[]model.Step{{Name: "download", Run: "touch downloaded"}},
		[]model.Step{{Name: "Show logs", Run: "touch logs-shown"}},
	)

	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(r.WorkDir, "downloaded"))
	assert.FileExists(t, filepath.Join(r.WorkDir, "logs-shown"))
}

func TestRunJob_Timeout(t *testing.T) {
	r, _ := newTestRunner(t, false)

	result := r.RunJob(context.Background(), model.FamilyETF,
		[]model.Step{{Name: "slow", Run: "sleep 2", Timeout: "100ms"}}, nil)

	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestRunJob_EnvAndArgs(t *testing.T) {
	r, _ := newTestRunner(t, false)

	result := r.RunJob(context.Background(), model.FamilyLimitsAlerterMorning, []model.Step{{
		Name: "check",
		Run:  `printf '%s %s\n' "$MODE"`,
		Args: []string{"--check-only"},
		Env:  map[string]string{"MODE": "alert"},
	}}, nil)
	require.True(t, result.Succeeded())

	out := r.Stdout.(*bytes.Buffer).String()
	assert.Contains(t, out, "alert --check-only")
}

func TestRunJob_DryRun(t *testing.T) {
	r, out := newTestRunner(t, true)

	result := r.RunJob(context.Background(), model.FamilyVIXFutures,
		[]model.Step{{Name: "download", Run: "python cboe_vix_downloader.py", Args: []string{"--debug"}}},
		[]model.Step{{Name: "Show logs", Run: "touch logs-shown"}},
	)

	assert.True(t, result.Succeeded())
	assert.Contains(t, out.String(), "python cboe_vix_downloader.py --debug")
	assert.NoFileExists(t, filepath.Join(r.WorkDir, "logs-shown"))
}

func TestCommand_QuotesArguments(t *testing.T) {
	step := model.Step{Run: "python x.py", Args: []string{"--name", "two words", "it's", ""}}
	assert.Equal(t, `python x.py --name 'two words' 'it'\''s' ''`, Command(step))
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, env)
}
