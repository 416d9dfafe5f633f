package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/planner"
	"github.com/sourceplane/marketsync/internal/render"
	"github.com/sourceplane/marketsync/internal/trigger"
	"github.com/spf13/cobra"
)

var (
	planEvent string
	planCron  string
	planView  string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which jobs a firing would run",
	Long:  "Show the schedule table and, for one firing, the job families it activates in dependency order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showPlan()
	},
}

func registerPlanCommand(root *cobra.Command) {
	root.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planEvent, "event", "e", "manual", "Event kind (manual/scheduled)")
	planCmd.Flags().StringVar(&planCron, "cron", "", "Cron string of a scheduled firing")
	planCmd.Flags().StringVar(&planView, "view", "table", "Job view (table/dag)")
}

func showPlan() error {
	if planView != "table" && planView != "dag" {
		return fmt.Errorf("unknown view %q (want table or dag)", planView)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	now := time.Now().In(loc)
	event, err := eventFromFlags(planEvent, planCron, now)
	if err != nil {
		return err
	}

	workflow, err := loadWorkflow()
	if err != nil {
		return err
	}
	router, err := trigger.NewRouter(workflow)
	if err != nil {
		return err
	}
	graph := planner.NewJobGraph(workflow)
	if err := graph.DetectCycles(); err != nil {
		return fmt.Errorf("cycle detection failed: %w", err)
	}

	fmt.Println("\nSchedules:")
	schedules := tablewriter.NewWriter(os.Stdout)
	schedules.Header("Family", "Cron", "Next firing")
	for _, rule := range router.Rules() {
		next, err := router.Next(rule.Family, now)
		if err != nil {
			return err
		}
		schedules.Append(rule.Family.String(), rule.Cron, next.Format(time.RFC3339))
	}
	schedules.Render()

	candidates := router.Candidates(event)
	if len(candidates) == 0 {
		fmt.Println("\n✓ No job family matches this firing")
		return nil
	}

	levels, err := graph.Levels(candidates)
	if err != nil {
		return err
	}

	fmt.Printf("\nJobs for %s event:\n", event.Kind)
	if planView == "dag" {
		fmt.Print(render.NewPlanViewer(workflow).ViewDAG(levels))
		return nil
	}
	jobs := tablewriter.NewWriter(os.Stdout)
	jobs.Header("Level", "Family", "Gate", "Fetch", "Publish", "Owns")
	for i, level := range levels {
		for _, family := range level {
			job := workflow.Job(family)
			jobs.Append(
				fmt.Sprintf("%d", i),
				family.String(),
				gateDescription(job, event),
				strings.Join(job.Fetch, ", "),
				strings.Join(publishNames(job), ", "),
				strings.Join(job.Owns, ", "),
			)
		}
	}
	jobs.Render()

	fmt.Printf("✓ %d job families in %d levels\n", len(candidates), len(levels))
	return nil
}

func gateDescription(job *model.JobSpec, event model.Event) string {
	if !job.Gated() {
		return "-"
	}
	if event.Kind == model.EventManual {
		return "bypassed"
	}
	needs := make([]string, 0, len(job.Needs))
	for _, need := range job.Needs {
		needs = append(needs, need.String())
	}
	return "needs " + strings.Join(needs, ", ")
}

func publishNames(job *model.JobSpec) []string {
	names := make([]string, 0, len(job.Publish))
	for _, spec := range job.Publish {
		names = append(names, spec.Name)
	}
	return names
}
