package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/pipeline"
	"github.com/sourceplane/marketsync/internal/render"
	"github.com/sourceplane/marketsync/internal/store"
	"github.com/spf13/cobra"
)

var (
	runEvent   string
	runCron    string
	runExecute bool
	runNoSync  bool
	runReport  string
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dispatch one firing of the workflow",
	Long:  "Dispatch a manual or scheduled firing: route it to job families, run their steps, publish and fetch artifacts, and sync owned files to the repository.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow()
	},
}

func registerRunCommand(root *cobra.Command) {
	root.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runEvent, "event", "e", "manual", "Event kind (manual/scheduled)")
	runCmd.Flags().StringVar(&runCron, "cron", "", "Cron string of a scheduled firing")
	runCmd.Flags().BoolVarP(&runExecute, "execute", "x", false, "Actually execute commands (default is dry-run)")
	runCmd.Flags().BoolVar(&runNoSync, "no-sync", false, "Skip committing owned files to the repository")
	runCmd.Flags().StringVarP(&runReport, "report", "o", "", "Write the run report to a file (.json or .yaml)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show per-step outcomes")
}

// eventFromFlags builds the firing described by --event and --cron
func eventFromFlags(kind, cron string, now time.Time) (model.Event, error) {
	switch model.EventKind(kind) {
	case model.EventManual:
		if cron != "" {
			return model.Event{}, fmt.Errorf("--cron is only valid with --event scheduled")
		}
		return model.ManualEvent(now), nil
	case model.EventScheduled:
		if cron == "" {
			return model.Event{}, fmt.Errorf("--cron is required with --event scheduled")
		}
		return model.ScheduledEvent(cron, now), nil
	default:
		return model.Event{}, fmt.Errorf("unknown event kind %q (want manual or scheduled)", kind)
	}
}

func runWorkflow() error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	event, err := eventFromFlags(runEvent, runCron, time.Now().In(loc))
	if err != nil {
		return err
	}

	workflow, err := loadWorkflow()
	if err != nil {
		return err
	}

	dryRun := !runExecute
	if dryRun {
		fmt.Println("□ Dry-run mode enabled. Use --execute to run commands.")
	}

	var recorder pipeline.RunRecorder
	if !dryRun {
		runs, err := store.Open(cfg.StateDB)
		if err != nil {
			return err
		}
		defer runs.Close()
		recorder = runs
	}

	p, err := buildPipeline(workflow, dryRun, !runNoSync, recorder)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("□ Dispatching %s event...\n", event.Kind)
	report, err := p.Dispatch(ctx, event)
	if err != nil {
		return err
	}

	if len(report.Jobs) == 0 {
		fmt.Println("✓ No job family matches this firing")
		return nil
	}

	printReport(report)
	if runVerbose {
		fmt.Print(render.NewPlanViewer(workflow).ViewReport(report))
	}
	if runReport != "" {
		if err := render.NewRenderer().WriteReport(report, runReport); err != nil {
			return err
		}
		fmt.Printf("✓ Report written to %s\n", runReport)
	}

	if report.Failed() {
		return fmt.Errorf("one or more jobs failed")
	}
	if dryRun {
		fmt.Println("✓ Dry-run complete")
	} else {
		fmt.Println("✓ Run complete")
	}
	return nil
}

func printReport(report *pipeline.Report) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Family", "Status", "Commit", "Detail")
	for _, family := range report.Families() {
		jr := report.Jobs[family]
		detail := jr.Run.Error
		if detail == "" && jr.Sync != nil {
			detail = jr.Sync.Message
		}
		table.Append(family.String(), string(jr.Run.Status), shortHash(jr.Run.Commit), detail)
	}
	table.Render()
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
