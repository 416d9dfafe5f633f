// Package api exposes manual dispatch and run history over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/pipeline"
	"github.com/sourceplane/marketsync/internal/store"
	"github.com/sourceplane/marketsync/internal/trigger"
)

// Dispatcher runs one firing
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.Event) (*pipeline.Report, error)
}

// RunReader serves run history
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.JobRun, error)
	ListRuns(ctx context.Context, family model.Family, limit int) ([]model.JobRun, error)
}

// Server wires the HTTP handlers
type Server struct {
	dispatcher Dispatcher
	runs       RunReader
	router     *trigger.Router
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates the API server
func NewServer(dispatcher Dispatcher, runs RunReader, router *trigger.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{dispatcher: dispatcher, runs: runs, router: router, logger: logger, now: time.Now}
}

// Handler builds the gin engine
func (s *Server) Handler() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", s.health)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/dispatch", s.dispatch)
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.GET("/schedules", s.schedules)
	}
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
}

// health reports liveness
// GET /healthz
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type dispatchRequest struct {
	// Cron replays a scheduled firing; empty means manual dispatch
	Cron string `json:"cron"`
}

type jobSummary struct {
	Family model.Family    `json:"family"`
	RunID  string          `json:"runId"`
	Status model.RunStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
	Commit string          `json:"commit,omitempty"`
}

// dispatch fires the workflow and waits for the result
// POST /api/v1/dispatch
func (s *Server) dispatch(c *gin.Context) {
	var req dispatchRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		// chunked bodies carry no length; an empty one is a manual dispatch
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	event := model.ManualEvent(s.now())
	if req.Cron != "" {
		event = model.ScheduledEvent(req.Cron, s.now())
	}

	// jobs outlive a dropped client connection
	report, err := s.dispatcher.Dispatch(context.WithoutCancel(c.Request.Context()), event)
	if err != nil {
		s.logger.Error("dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	jobs := make([]jobSummary, 0, len(report.Jobs))
	for _, family := range report.Families() {
		run := report.Jobs[family].Run
		jobs = append(jobs, jobSummary{
			Family: family,
			RunID:  run.ID,
			Status: run.Status,
			Error:  run.Error,
			Commit: run.Commit,
		})
	}

	status := http.StatusOK
	if report.Failed() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"eventId": report.EventID,
		"trigger": report.Event.Kind,
		"jobs":    jobs,
		"count":   len(jobs),
	})
}

// listRuns returns run history, newest first
// GET /api/v1/runs?family=etf-data&limit=20
func (s *Server) listRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), model.Family(c.Query("family")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []model.JobRun{}
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// getRun returns one run
// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

type scheduleEntry struct {
	Family model.Family `json:"family"`
	Cron   string       `json:"cron"`
	Next   time.Time    `json:"next"`
}

// schedules lists the schedule rules with their next firing
// GET /api/v1/schedules
func (s *Server) schedules(c *gin.Context) {
	now := s.now()
	rules := s.router.Rules()
	entries := make([]scheduleEntry, 0, len(rules))
	for _, rule := range rules {
		next, err := s.router.Next(rule.Family, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		entries = append(entries, scheduleEntry{Family: rule.Family, Cron: rule.Cron, Next: next})
	}
	c.JSON(http.StatusOK, gin.H{
		"schedules": entries,
		"count":     len(entries),
	})
}
