package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// ReportDocument is the serialized form of one dispatch
type ReportDocument struct {
	APIVersion string        `json:"apiVersion" yaml:"apiVersion"`
	Kind       string        `json:"kind" yaml:"kind"`
	EventID    string        `json:"eventId" yaml:"eventId"`
	Trigger    string        `json:"trigger" yaml:"trigger"`
	Cron       string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	FiredAt    time.Time     `json:"firedAt" yaml:"firedAt"`
	Jobs       []JobDocument `json:"jobs" yaml:"jobs"`
}

// JobDocument is one family's outcome
type JobDocument struct {
	Family    string         `json:"family" yaml:"family"`
	RunID     string         `json:"runId" yaml:"runId"`
	Status    string         `json:"status" yaml:"status"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Commit    string         `json:"commit,omitempty" yaml:"commit,omitempty"`
	Sync      string         `json:"sync,omitempty" yaml:"sync,omitempty"`
	Fetched   []string       `json:"fetched,omitempty" yaml:"fetched,omitempty"`
	Published []string       `json:"published,omitempty" yaml:"published,omitempty"`
	Steps     []StepDocument `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// StepDocument is one executed, skipped or finalizer step
type StepDocument struct {
	Name     string `json:"name" yaml:"name"`
	Command  string `json:"command" yaml:"command"`
	Finally  bool   `json:"finally,omitempty" yaml:"finally,omitempty"`
	Skipped  bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Renderer turns dispatch reports into documents
type Renderer struct{}

// NewRenderer creates a new renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderReport converts a report, listing jobs in dependency order
func (r *Renderer) RenderReport(report *pipeline.Report) *ReportDocument {
	doc := &ReportDocument{
		APIVersion: "marketsync.io/v1",
		Kind:       "RunReport",
		EventID:    report.EventID,
		Trigger:    string(report.Event.Kind),
		Cron:       report.Event.Cron,
		FiredAt:    report.Event.FiredAt,
		Jobs:       make([]JobDocument, 0, len(report.Jobs)),
	}

	for _, family := range report.Families() {
		jr := report.Jobs[family]
		job := JobDocument{
			Family: family.String(),
			RunID:  jr.Run.ID,
			Status: string(jr.Run.Status),
			Error:  jr.Run.Error,
			Commit: jr.Run.Commit,
			Steps:  r.convertSteps(jr),
		}
		if jr.Sync != nil {
			job.Sync = jr.Sync.Message
		}
		for _, b := range jr.Fetched {
			job.Fetched = append(job.Fetched, b.Name+"@"+b.Version)
		}
		for _, b := range jr.Published {
			job.Published = append(job.Published, b.Name+"@"+b.Version)
		}
		doc.Jobs = append(doc.Jobs, job)
	}

	return doc
}

func (r *Renderer) convertSteps(jr *pipeline.JobReport) []StepDocument {
	steps := make([]StepDocument, 0, len(jr.Steps))
	for _, step := range jr.Steps {
		sd := StepDocument{
			Name:    step.Name,
			Command: step.Command,
			Finally: step.Finally,
			Skipped: step.Skipped,
		}
		if step.Duration > 0 {
			sd.Duration = step.Duration.Round(time.Millisecond).String()
		}
		if step.Err != nil {
			sd.Error = step.Err.Error()
		}
		steps = append(steps, sd)
	}
	return steps
}

// RenderJSON renders a report document as JSON
func (r *Renderer) RenderJSON(doc *ReportDocument) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// RenderYAML renders a report document as YAML
func (r *Renderer) RenderYAML(doc *ReportDocument) ([]byte, error) {
	return yaml.Marshal(doc)
}

// WriteReport writes a report to path (JSON or YAML based on extension)
func (r *Renderer) WriteReport(report *pipeline.Report, path string) error {
	doc := r.RenderReport(report)

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = r.RenderYAML(doc)
	default:
		data, err = r.RenderJSON(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// statusMark is the console glyph for a run status
func statusMark(status model.RunStatus) string {
	switch status {
	case model.RunStatusSucceeded:
		return "✓"
	case model.RunStatusFailed:
		return "✗"
	case model.RunStatusSkipped:
		return "○"
	default:
		return "□"
	}
}
