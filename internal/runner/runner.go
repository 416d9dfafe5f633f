package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sourceplane/marketsync/internal/model"
)

// StepError reports which step of which job failed
type StepError struct {
	Family model.Family
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("job %s step %s failed: %v", e.Family, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepResult records the outcome of one executed step
type StepResult struct {
	Name     string
	Command  string
	Finally  bool
	Skipped  bool
	Duration time.Duration
	Err      error
}

// JobResult records the outcome of a job's step sequence and its finalizers
type JobResult struct {
	Family model.Family
	Steps  []StepResult
	Err    error // first failing regular step; finalizer failures never land here
}

// Succeeded reports whether every regular step passed
func (r *JobResult) Succeeded() bool {
	return r.Err == nil
}

// Runner executes a job's steps sequentially in a working directory
type Runner struct {
	WorkDir string
	Stdout  io.Writer
	Stderr  io.Writer
	DryRun  bool
	Logger  *slog.Logger
}

func NewRunner(workDir string, stdout, stderr io.Writer, dryRun bool) *Runner {
	return &Runner{
		WorkDir: workDir,
		Stdout:  stdout,
		Stderr:  stderr,
		DryRun:  dryRun,
		Logger:  slog.Default(),
	}
}

// RunJob executes steps in order, aborting at the first failure, and then
// always executes finally steps whatever the outcome.
func (r *Runner) RunJob(ctx context.Context, family model.Family, steps, finally []model.Step) (result *JobResult) {
	result = &JobResult{Family: family}
	logger := r.logger().With("job", family)

	defer func() {
		// finalizers run on every outcome, including cancellation, with a
		// context detached from the job's so log collection still happens
		finalCtx := context.WithoutCancel(ctx)
		for _, step := range finally {
			sr := r.runStep(finalCtx, logger, step)
			sr.Finally = true
			if sr.Err != nil {
				logger.Warn("finally step failed", "step", step.Name, "error", sr.Err)
			}
			result.Steps = append(result.Steps, sr)
		}
	}()

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			result.Err = &StepError{Family: family, Step: step.Name, Err: err}
			result.Steps = append(result.Steps, skipped(steps[i:])...)
			return result
		}

		sr := r.runStep(ctx, logger, step)
		result.Steps = append(result.Steps, sr)
		if sr.Err != nil {
			result.Err = &StepError{Family: family, Step: step.Name, Err: sr.Err}
			result.Steps = append(result.Steps, skipped(steps[i+1:])...)
			logger.Error("step failed, aborting remaining steps", "step", step.Name, "error", sr.Err)
			return result
		}
	}

	return result
}

func (r *Runner) runStep(ctx context.Context, logger *slog.Logger, step model.Step) StepResult {
	command := Command(step)
	sr := StepResult{Name: step.Name, Command: command}

	fmt.Fprintf(r.Stdout, "  - Step %s\n", step.Name)
	if r.DryRun {
		fmt.Fprintf(r.Stdout, "    %s\n", command)
		return sr
	}

	if step.Timeout != "" {
		timeout, err := time.ParseDuration(step.Timeout)
		if err != nil {
			sr.Err = fmt.Errorf("invalid timeout %q: %w", step.Timeout, err)
			return sr
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.WorkDir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Env = mergeEnv(os.Environ(), step.Env)

	start := time.Now()
	logger.Debug("step started", "step", step.Name, "command", command)
	err := cmd.Run()
	sr.Duration = time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		sr.Err = err
		return sr
	}

	logger.Info("step succeeded", "step", step.Name, "duration", sr.Duration.Round(time.Millisecond))
	return sr
}

// Command renders the shell command line for a step, quoting its arguments
func Command(step model.Step) string {
	if len(step.Args) == 0 {
		return step.Run
	}
	quoted := make([]string, 0, len(step.Args))
	for _, arg := range step.Args {
		quoted = append(quoted, shellQuote(arg))
	}
	return step.Run + " " + strings.Join(quoted, " ")
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func skipped(steps []model.Step) []StepResult {
	out := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		out = append(out, StepResult{Name: step.Name, Command: Command(step), Skipped: true})
	}
	return out
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
