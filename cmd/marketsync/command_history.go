package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/sourceplane/marketsync/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyFamily string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory(cmd.Context())
	},
}

func registerHistoryCommand(root *cobra.Command) {
	root.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historyFamily, "family", "f", "", "Only show runs of this job family")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs")
}

func showHistory(ctx context.Context) error {
	runs, err := store.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer runs.Close()

	list, err := runs.ListRuns(ctx, model.Family(historyFamily), historyLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Started", "Family", "Trigger", "Status", "Duration", "Commit", "Error")
	for _, run := range list {
		duration := "-"
		if run.Status.Terminal() && !run.EndedAt.IsZero() {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		table.Append(
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Family.String(),
			string(run.Trigger),
			string(run.Status),
			duration,
			shortHash(run.Commit),
			run.Error,
		)
	}
	table.Render()
	return nil
}
