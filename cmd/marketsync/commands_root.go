package main

import (
	"fmt"
	"log/slog"

	"github.com/sourceplane/marketsync/internal/config"
	"github.com/sourceplane/marketsync/internal/gitsync"
	"github.com/sourceplane/marketsync/internal/loader"
	"github.com/sourceplane/marketsync/internal/logger"
	"github.com/sourceplane/marketsync/internal/model"
	"github.com/spf13/cobra"
)

var (
	envFile         string
	workflowFile    string
	workDir         string
	strictOwnership bool
	logLevel        string

	cfg    *config.Config
	appLog *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "Scheduled market-data collection pipeline",
	Long:  "marketsync routes cron firings and manual dispatches to collector jobs, hands their output to the NAV aggregator through an artifact store, and commits each job's owned files back to the shared repository.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(envFile)
		if err != nil {
			return err
		}

		// flags win over the environment
		if cmd.Flags().Changed("workflow") {
			loaded.WorkflowFile = workflowFile
		}
		if cmd.Flags().Changed("workdir") {
			loaded.WorkDir = workDir
		}
		if cmd.Flags().Changed("strict-ownership") {
			loaded.StrictOwnership = strictOwnership
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level = logLevel
		}

		cfg = loaded
		appLog = logger.New(logger.Config{
			Level:  logger.ParseLevel(cfg.Log.Level),
			Format: cfg.Log.Format,
			Output: cmd.ErrOrStderr(),
		})
		return nil
	},
}

func init() {
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file with settings")
	rootCmd.PersistentFlags().StringVarP(&workflowFile, "workflow", "w", "", "Workflow definition (default: embedded workflow)")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", ".", "Repository checkout the jobs run in")
	rootCmd.PersistentFlags().BoolVar(&strictOwnership, "strict-ownership", false, "Fail when two families own overlapping paths")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug/info/warn/error)")

	registerValidateCommand(rootCmd)
	registerPlanCommand(rootCmd)
	registerRunCommand(rootCmd)
	registerServeCommand(rootCmd)
	registerArtifactsCommand(rootCmd)
	registerHistoryCommand(rootCmd)
}

// loadWorkflow loads the configured workflow and checks path ownership
func loadWorkflow() (*model.Workflow, error) {
	fmt.Println("□ Loading workflow...")
	workflow, err := loader.LoadWorkflow(cfg.WorkflowFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	if overlaps := gitsync.CheckOwnership(workflow); len(overlaps) > 0 {
		if cfg.StrictOwnership {
			return nil, &gitsync.OwnershipError{Overlaps: overlaps}
		}
		for _, o := range overlaps {
			appLog.Warn("overlapping path ownership, force-push may discard updates", "overlap", o.String())
		}
	}
	return workflow, nil
}
