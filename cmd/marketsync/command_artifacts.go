package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var artifactsCmd = &cobra.Command{
	Use:     "artifacts",
	Aliases: []string{"artifact"},
	Short:   "Inspect and prune the artifact store",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored bundle versions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listArtifacts(cmd.Context())
	},
}

var artifactsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete bundle versions past their retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return pruneArtifacts(cmd.Context())
	},
}

func registerArtifactsCommand(root *cobra.Command) {
	root.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsPruneCmd)
}

func listArtifacts(ctx context.Context) error {
	artifacts, err := newArtifactStore()
	if err != nil {
		return err
	}
	bundles, err := artifacts.List(ctx)
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		fmt.Println("No artifacts stored")
		return nil
	}

	now := time.Now()
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Version", "Created", "Expires", "Files", "Status")
	for _, b := range bundles {
		expires := "never"
		if !b.ExpiresAt.IsZero() {
			expires = b.ExpiresAt.Format(time.RFC3339)
		}
		status := "live"
		if b.Expired(now) {
			status = "expired"
		}
		table.Append(b.Name, b.Version, b.CreatedAt.Format(time.RFC3339), expires, fmt.Sprintf("%d", len(b.Files)), status)
	}
	table.Render()
	return nil
}

func pruneArtifacts(ctx context.Context) error {
	artifacts, err := newArtifactStore()
	if err != nil {
		return err
	}
	fmt.Println("□ Pruning expired bundles...")
	removed, err := artifacts.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Removed %d expired bundle versions\n", removed)
	return nil
}
