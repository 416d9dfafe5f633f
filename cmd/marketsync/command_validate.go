package main

import (
	"fmt"
	"io"

	"github.com/sourceplane/marketsync/internal/loader"
	"github.com/sourceplane/marketsync/internal/planner"
	"github.com/sourceplane/marketsync/internal/trigger"
	"github.com/spf13/cobra"
)

var validatePrintDefault bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the workflow definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if validatePrintDefault {
			return printDefaultWorkflow(cmd.OutOrStdout())
		}
		return validateWorkflow()
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validatePrintDefault, "print-default", false, "Print the embedded default workflow and exit")
}

// printDefaultWorkflow writes the embedded workflow, a starting point for --workflow files
func printDefaultWorkflow(w io.Writer) error {
	_, err := w.Write(loader.DefaultWorkflowYAML())
	return err
}

func validateWorkflow() error {
	workflow, err := loadWorkflow()
	if err != nil {
		return err
	}
	fmt.Println("✓ Workflow matches schema")

	fmt.Println("□ Checking schedules...")
	router, err := trigger.NewRouter(workflow)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %d schedule rules\n", len(router.Rules()))

	fmt.Println("□ Detecting cycles...")
	graph := planner.NewJobGraph(workflow)
	if err := graph.DetectCycles(); err != nil {
		return fmt.Errorf("cycle detection failed: %w", err)
	}
	order, err := graph.TopologicalSort()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Execution order: %v\n", order)

	fmt.Println("✓ All validation passed")
	return nil
}
