// Package pipeline turns one firing into job runs: route, gate, fetch,
// execute, publish and sync, recording every run transition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourceplane/marketsync/internal/artifact"
	"github.com/sourceplane/marketsync/internal/gitsync"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/planner"
	"github.com/sourceplane/marketsync/internal/runner"
	"github.com/sourceplane/marketsync/internal/trigger"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPrecondition marks a job aborted before its first step
	ErrPrecondition = errors.New("job precondition failed")
	// ErrUpstreamFailed marks a bundle whose publisher ran in the same
	// firing without succeeding
	ErrUpstreamFailed = errors.New("upstream job did not succeed in this firing")
)

// Syncer persists a job's owned paths into the shared repository
type Syncer interface {
	Sync(ctx context.Context, req gitsync.Request) (*gitsync.Result, error)
}

// SyncerFactory builds a Syncer bound to a job's workspace directory
type SyncerFactory func(dir string) Syncer

// RunRecorder stores JobRun transitions
type RunRecorder interface {
	UpsertRun(ctx context.Context, run model.JobRun) error
}

// Config wires a Pipeline
type Config struct {
	Workflow   *model.Workflow
	Artifacts  artifact.Store
	Workspaces Workspaces
	Syncers    SyncerFactory // nil disables repository sync
	Recorder   RunRecorder   // optional

	MaxParallelJobs int
	DryRun          bool
	Stdout          io.Writer
	Stderr          io.Writer
	Logger          *slog.Logger
}

// Pipeline dispatches firings against a workflow
type Pipeline struct {
	cfg        Config
	router     *trigger.Router
	graph      *planner.JobGraph
	renderer   *planner.StepRenderer
	publishers map[string]model.Family // bundle name to the family publishing it
	logger     *slog.Logger
	now        func() time.Time
}

// firing is what one job sees of the dispatch it belongs to
type firing struct {
	eventID   string
	event     model.Event
	statuses  map[model.Family]model.RunStatus // families finished in earlier levels
	published map[string]artifact.Bundle       // bundles those families published
}

// New validates the workflow graph and builds a pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.Workflow == nil {
		return nil, errors.New("workflow is required")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if cfg.Workspaces == nil {
		return nil, errors.New("workspaces are required")
	}
	if cfg.MaxParallelJobs < 1 {
		cfg.MaxParallelJobs = 1
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	// parallel jobs share the output streams
	cfg.Stdout = &lockedWriter{w: cfg.Stdout}
	cfg.Stderr = &lockedWriter{w: cfg.Stderr}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router, err := trigger.NewRouter(cfg.Workflow)
	if err != nil {
		return nil, err
	}
	graph := planner.NewJobGraph(cfg.Workflow)
	if err := graph.DetectCycles(); err != nil {
		return nil, err
	}

	publishers := make(map[string]model.Family)
	for _, job := range cfg.Workflow.Jobs {
		for _, spec := range job.Publish {
			publishers[spec.Name] = job.Family
		}
	}

	return &Pipeline{
		cfg:        cfg,
		router:     router,
		graph:      graph,
		renderer:   planner.NewStepRenderer(),
		publishers: publishers,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// WithClock replaces the clock used for run timestamps
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Router exposes the trigger router the pipeline dispatches with
func (p *Pipeline) Router() *trigger.Router {
	return p.router
}

// JobReport is the outcome of one family within a dispatch
type JobReport struct {
	Run       model.JobRun
	Steps     []runner.StepResult
	Fetched   []artifact.Bundle
	Published []artifact.Bundle
	Sync      *gitsync.Result
	Err       error
}

// Report is the outcome of one dispatch
type Report struct {
	EventID string
	Event   model.Event
	Levels  [][]model.Family
	Jobs    map[model.Family]*JobReport
}

// Status returns the final status of a family, skipped when it never ran
func (r *Report) Status(family model.Family) model.RunStatus {
	if jr, ok := r.Jobs[family]; ok {
		return jr.Run.Status
	}
	return model.RunStatusSkipped
}

// Failed reports whether any job of the dispatch failed
func (r *Report) Failed() bool {
	for _, jr := range r.Jobs {
		if jr.Run.Status == model.RunStatusFailed {
			return true
		}
	}
	return false
}

// Families returns the reported families in dependency order
func (r *Report) Families() []model.Family {
	var families []model.Family
	for _, level := range r.Levels {
		for _, family := range level {
			if _, ok := r.Jobs[family]; ok {
				families = append(families, family)
			}
		}
	}
	return families
}

// Dispatch runs every family the event selects. Families of one dependency
// level run concurrently up to MaxParallelJobs; a failing job never cancels
// its siblings. Job failures are reported in the Report, not as an error.
func (p *Pipeline) Dispatch(ctx context.Context, event model.Event) (*Report, error) {
	if event.FiredAt.IsZero() {
		event.FiredAt = p.now()
	}
	report := &Report{
		EventID: uuid.NewString(),
		Event:   event,
		Jobs:    make(map[model.Family]*JobReport),
	}
	logger := p.logger.With("event", report.EventID, "trigger", event.Kind)

	candidates := p.router.Candidates(event)
	if len(candidates) == 0 {
		logger.Info("no job family matches firing", "cron", event.Cron)
		return report, nil
	}

	levels, err := p.graph.Levels(candidates)
	if err != nil {
		return nil, err
	}
	report.Levels = levels
	logger.Info("dispatching", "families", len(candidates), "levels", len(levels))

	var mu sync.Mutex
	statuses := make(map[model.Family]model.RunStatus)

	for _, level := range levels {
		mu.Lock()
		f := firing{
			eventID:   report.EventID,
			event:     event,
			statuses:  make(map[model.Family]model.RunStatus, len(statuses)),
			published: make(map[string]artifact.Bundle),
		}
		for family, status := range statuses {
			f.statuses[family] = status
			for _, bundle := range report.Jobs[family].Published {
				f.published[bundle.Name] = bundle
			}
		}
		mu.Unlock()

		g := new(errgroup.Group)
		g.SetLimit(p.cfg.MaxParallelJobs)

		for _, family := range level {
			job := p.cfg.Workflow.Job(family)
			run, err := p.router.ShouldRun(family, event, f.statuses)
			if err != nil {
				return nil, err
			}
			if !run {
				jr := p.skip(ctx, f, job)
				mu.Lock()
				statuses[family] = model.RunStatusSkipped
				report.Jobs[family] = jr
				mu.Unlock()
				continue
			}

			g.Go(func() error {
				jr := p.runJob(ctx, f, job)
				mu.Lock()
				statuses[family] = jr.Run.Status
				report.Jobs[family] = jr
				mu.Unlock()
				return nil
			})
		}

		_ = g.Wait()
	}

	return report, nil
}

// skip records a gated family whose upstream did not all succeed
func (p *Pipeline) skip(ctx context.Context, f firing, job *model.JobSpec) *JobReport {
	now := p.now()
	run := model.JobRun{
		ID:        uuid.NewString(),
		EventID:   f.eventID,
		Family:    job.Family,
		Trigger:   f.event.Kind,
		Status:    model.RunStatusSkipped,
		StartedAt: now,
		EndedAt:   now,
	}

	var waiting []string
	for _, need := range job.Needs {
		if f.statuses[need] != model.RunStatusSucceeded {
			status := f.statuses[need]
			if status == "" {
				status = "not run"
			}
			waiting = append(waiting, fmt.Sprintf("%s=%s", need, status))
		}
	}
	sort.Strings(waiting)
	if len(waiting) > 0 {
		run.Error = fmt.Sprintf("gate closed: %v", waiting)
	}

	p.logger.Info("job skipped", "job", job.Family, "reason", run.Error)
	fmt.Fprintf(p.cfg.Stdout, "○ Job %s skipped\n", job.Family)
	p.record(ctx, run)
	return &JobReport{Run: run}
}

// runJob executes one family: fetch, steps and finalizers, publish, sync.
// Finalizers and always-bundles run on every outcome, including a failed
// fetch.
func (p *Pipeline) runJob(ctx context.Context, f firing, job *model.JobSpec) *JobReport {
	jr := &JobReport{Run: model.JobRun{
		ID:        uuid.NewString(),
		EventID:   f.eventID,
		Family:    job.Family,
		Trigger:   f.event.Kind,
		Status:    model.RunStatusPending,
		StartedAt: p.now(),
	}}
	logger := p.logger.With("job", job.Family, "run", jr.Run.ID)
	p.record(ctx, jr.Run)

	finish := func(err error) *JobReport {
		jr.Run.EndedAt = p.now()
		jr.Err = err
		if err != nil {
			jr.Run.Status = model.RunStatusFailed
			jr.Run.Error = err.Error()
			logger.Error("job failed", "error", err)
			fmt.Fprintf(p.cfg.Stdout, "✗ Job %s failed: %v\n", job.Family, err)
		} else {
			jr.Run.Status = model.RunStatusSucceeded
			logger.Info("job succeeded", "duration", jr.Run.EndedAt.Sub(jr.Run.StartedAt).Round(time.Millisecond))
			fmt.Fprintf(p.cfg.Stdout, "✓ Job %s succeeded\n", job.Family)
		}
		p.record(context.WithoutCancel(ctx), jr.Run)
		return jr
	}

	dir, release, err := p.cfg.Workspaces.Prepare(ctx, job.Family, jr.Run.ID)
	if err != nil {
		return finish(fmt.Errorf("failed to prepare workspace: %w", err))
	}
	keep := false
	defer func() { release(keep) }()

	jr.Run.Status = model.RunStatusRunning
	p.record(ctx, jr.Run)
	fmt.Fprintf(p.cfg.Stdout, "□ Job %s (%s)\n", job.Family, f.event.Kind)

	rctx := planner.NewRenderContext(job.Family, f.event)
	finally, preErr := p.renderer.RenderSteps(job.Finally, rctx)
	if preErr != nil {
		finally = nil
		preErr = fmt.Errorf("%w: %w", ErrPrecondition, preErr)
	}
	if preErr == nil {
		preErr = p.fetch(ctx, logger, f, job, dir, jr)
	}
	var steps []model.Step
	if preErr == nil {
		if steps, err = p.renderer.RenderSteps(job.Steps, rctx); err != nil {
			preErr = fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
	}
	if preErr != nil {
		steps = nil
	}

	r := runner.NewRunner(dir, p.cfg.Stdout, p.cfg.Stderr, p.cfg.DryRun)
	r.Logger = p.logger
	result := r.RunJob(ctx, job.Family, steps, finally)
	jr.Steps = result.Steps

	succeeded := preErr == nil && result.Succeeded()
	publishErr := p.publish(ctx, logger, job, dir, succeeded, jr)

	switch {
	case preErr != nil:
		return finish(preErr)
	case !result.Succeeded():
		return finish(result.Err)
	case publishErr != nil:
		return finish(publishErr)
	}

	if err := p.sync(ctx, job, dir, jr); err != nil {
		var syncErr *gitsync.SyncError
		if errors.As(err, &syncErr) {
			// the collector output stays on disk for the next attempt
			keep = true
			logger.Warn("keeping workspace after failed sync", "dir", dir)
		}
		return finish(err)
	}
	return finish(nil)
}

// fetch restores every bundle the job declares before any step runs. A
// missing, expired or stale bundle aborts the job; overlapping bundle files
// are last-writer-wins in declaration order.
func (p *Pipeline) fetch(ctx context.Context, logger *slog.Logger, f firing, job *model.JobSpec, dir string, jr *JobReport) error {
	if len(job.Fetch) == 0 {
		return nil
	}
	dest := filepath.Join(dir, job.FetchDir)

	if p.cfg.DryRun {
		for _, name := range job.Fetch {
			fmt.Fprintf(p.cfg.Stdout, "  - Fetch %s into %s\n", name, dest)
		}
		return nil
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create fetch directory: %w", ErrPrecondition, err)
	}

	owners := make(map[string]string)
	for _, name := range job.Fetch {
		bundle, err := p.fetchBundle(ctx, f, name, dest)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		for _, file := range bundle.Files {
			if prev, ok := owners[file.Path]; ok {
				logger.Warn("fetched bundles overlap, later bundle wins", "path", file.Path, "overwritten", prev, "by", name)
			}
			owners[file.Path] = name
		}
		jr.Fetched = append(jr.Fetched, *bundle)
		fmt.Fprintf(p.cfg.Stdout, "  - Fetched %s (%s, %d files)\n", bundle.Name, bundle.Version, len(bundle.Files))
	}
	return nil
}

// fetchBundle restores one bundle. When its publisher ran earlier in this
// firing, only the version that run published is accepted; an older version
// is stale. Bundles from families outside the firing come from the newest
// live version.
func (p *Pipeline) fetchBundle(ctx context.Context, f firing, name, dest string) (*artifact.Bundle, error) {
	publisher, known := p.publishers[name]
	status, ran := f.statuses[publisher]
	if !known || !ran {
		return p.cfg.Artifacts.Fetch(ctx, name, dest)
	}
	if status != model.RunStatusSucceeded {
		return nil, fmt.Errorf("%w: %s publishes %s and is %s", ErrUpstreamFailed, publisher, name, status)
	}
	bundle, ok := f.published[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s was not published by %s in this firing", artifact.ErrBundleNotFound, name, publisher)
	}
	return p.cfg.Artifacts.FetchVersion(ctx, name, bundle.Version, dest)
}

// publish uploads the job's bundles. Bundles marked always are published
// even when a step failed, and may be empty.
func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, job *model.JobSpec, dir string, succeeded bool, jr *JobReport) error {
	var firstErr error
	for _, spec := range job.Publish {
		if !succeeded && !spec.Always {
			continue
		}
		if p.cfg.DryRun {
			fmt.Fprintf(p.cfg.Stdout, "  - Publish %s %v\n", spec.Name, spec.Paths)
			continue
		}

		opts := artifact.PublishOptions{Retention: spec.Retention(), AllowEmpty: spec.Always}
		bundle, err := p.cfg.Artifacts.Publish(context.WithoutCancel(ctx), spec.Name, dir, spec.Paths, opts)
		if err != nil {
			logger.Error("failed to publish artifact", "artifact", spec.Name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to publish %s: %w", spec.Name, err)
			}
			continue
		}
		jr.Published = append(jr.Published, *bundle)
		fmt.Fprintf(p.cfg.Stdout, "  - Published %s (%s, %d files)\n", bundle.Name, bundle.Version, len(bundle.Files))
	}
	return firstErr
}

func (p *Pipeline) sync(ctx context.Context, job *model.JobSpec, dir string, jr *JobReport) error {
	if p.cfg.Syncers == nil || job.Commit.Skip || len(job.Owns) == 0 {
		return nil
	}
	if p.cfg.DryRun {
		fmt.Fprintf(p.cfg.Stdout, "  - Sync %v\n", job.Owns)
		return nil
	}

	res, err := p.cfg.Syncers(dir).Sync(ctx, gitsync.Request{
		Family:  job.Family,
		Owns:    job.Owns,
		Message: job.CommitMessage(),
	})
	jr.Sync = res
	if err != nil {
		return err
	}
	jr.Run.Commit = res.Commit
	fmt.Fprintf(p.cfg.Stdout, "  - Sync %s\n", res.Message)
	return nil
}

func (p *Pipeline) record(ctx context.Context, run model.JobRun) {
	if p.cfg.Recorder == nil {
		return
	}
	if err := p.cfg.Recorder.UpsertRun(ctx, run); err != nil {
		p.logger.Warn("failed to record run", "run", run.ID, "status", run.Status, "error", err)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
