package render

import (
	"fmt"
	"strings"

	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/pipeline"
)

// PlanViewer draws the jobs of one firing as a tree
type PlanViewer struct {
	workflow *model.Workflow
}

// NewPlanViewer creates a new plan viewer
func NewPlanViewer(workflow *model.Workflow) *PlanViewer {
	return &PlanViewer{workflow: workflow}
}

// ViewDAG returns a tree of levels, families and their steps
func (pv *PlanViewer) ViewDAG(levels [][]model.Family) string {
	if len(levels) == 0 {
		return "No jobs for this firing"
	}

	var sb strings.Builder
	jobs := 0
	for i, level := range levels {
		isLastLevel := i == len(levels)-1
		levelPrefix, levelConnector := "├─ ", "│  "
		if isLastLevel {
			levelPrefix, levelConnector = "└─ ", "   "
		}
		sb.WriteString(fmt.Sprintf("%slevel %d\n", levelPrefix, i))

		for j, family := range level {
			job := pv.workflow.Job(family)
			if job == nil {
				continue
			}
			jobs++
			isLastJob := j == len(level)-1
			jobPrefix, jobConnector := levelConnector+"├─ ", levelConnector+"│  "
			if isLastJob {
				jobPrefix, jobConnector = levelConnector+"└─ ", levelConnector+"   "
			}

			line := jobPrefix + family.String()
			if job.Schedule != "" {
				line += fmt.Sprintf(" [%s]", job.Schedule)
			}
			sb.WriteString(line + "\n")

			lines := pv.jobLines(job)
			for k, text := range lines {
				prefix := jobConnector + "├─ "
				if k == len(lines)-1 {
					prefix = jobConnector + "└─ "
				}
				sb.WriteString(prefix + text + "\n")
			}
		}
	}

	sb.WriteString("═══════════════════════════════════════════════════════════\n")
	sb.WriteString(fmt.Sprintf("Summary: %d levels, %d jobs\n", len(levels), jobs))
	return sb.String()
}

func (pv *PlanViewer) jobLines(job *model.JobSpec) []string {
	var lines []string
	for _, need := range job.Needs {
		lines = append(lines, "(needs) "+need.String())
	}
	for _, name := range job.Fetch {
		lines = append(lines, "(fetch) "+name)
	}
	for _, step := range job.Steps {
		lines = append(lines, step.Name+" | "+truncate(step.Run, 60))
	}
	for _, step := range job.Finally {
		lines = append(lines, "(finally) "+step.Name)
	}
	for _, spec := range job.Publish {
		lines = append(lines, "(publish) "+spec.Name)
	}
	return lines
}

// ViewReport summarizes a finished dispatch, one line per family
func (pv *PlanViewer) ViewReport(report *pipeline.Report) string {
	var sb strings.Builder
	for _, family := range report.Families() {
		jr := report.Jobs[family]
		line := fmt.Sprintf("%s %s", statusMark(jr.Run.Status), family)
		if jr.Run.Error != "" {
			line += ": " + jr.Run.Error
		}
		sb.WriteString(line + "\n")
		for _, step := range jr.Steps {
			mark := "✓"
			switch {
			case step.Skipped:
				mark = "○"
			case step.Err != nil:
				mark = "✗"
			}
			sb.WriteString(fmt.Sprintf("    %s %s\n", mark, step.Name))
		}
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
