// Package scheduler fires the workflow's schedule rules from an in-process
// cron daemon.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/pipeline"
)

// Dispatcher runs one firing
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.Event) (*pipeline.Report, error)
}

// Scheduler registers one cron entry per schedule rule. Each firing carries
// the rule's exact cron string, so routing stays string equality.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	rules      []model.ScheduleRule
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a scheduler evaluating schedules in loc
func New(dispatcher Dispatcher, rules []model.ScheduleRule, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		dispatcher: dispatcher,
		rules:      rules,
		logger:     logger,
		now:        func() time.Time { return time.Now().In(loc) },
	}
}

// Start registers the rules and starts the daemon
func (s *Scheduler) Start() error {
	for _, rule := range s.rules {
		_, err := s.cron.AddFunc(rule.Cron, func() {
			s.Fire(context.Background(), rule.Cron)
		})
		if err != nil {
			return fmt.Errorf("failed to register schedule %q for %s: %w", rule.Cron, rule.Family, err)
		}
		s.logger.Info("schedule registered", "family", rule.Family, "cron", rule.Cron)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "rules", len(s.rules))
	return nil
}

// Stop stops the daemon and waits for running dispatches until ctx ends
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped with dispatches still running")
		return
	}
	s.logger.Info("scheduler stopped")
}

// Fire dispatches one scheduled firing of expr
func (s *Scheduler) Fire(ctx context.Context, expr string) *pipeline.Report {
	s.logger.Info("schedule fired", "cron", expr)
	report, err := s.dispatcher.Dispatch(ctx, model.ScheduledEvent(expr, s.now()))
	if err != nil {
		s.logger.Error("scheduled dispatch failed", "cron", expr, "error", err)
		return nil
	}
	if report.Failed() {
		s.logger.Warn("scheduled dispatch finished with failed jobs", "cron", expr, "event", report.EventID)
	}
	return report
}

