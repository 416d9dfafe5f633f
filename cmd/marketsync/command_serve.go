package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sourceplane/marketsync/internal/api"
	"github.com/sourceplane/marketsync/internal/scheduler"
	"github.com/sourceplane/marketsync/internal/store"
	"github.com/spf13/cobra"
)

var (
	serveAddr   string
	serveNoCron bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron daemon and the dispatch API",
	Long:  "Fire every schedule rule from an in-process cron daemon and accept manual dispatches over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func registerServeCommand(root *cobra.Command) {
	root.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (default from MARKETSYNC_HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveNoCron, "no-cron", false, "Accept manual dispatches only")
}

func serve() error {
	workflow, err := loadWorkflow()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	runs, err := store.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer runs.Close()

	p, err := buildPipeline(workflow, false, true, runs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if !serveNoCron {
		sched = scheduler.New(p, p.Router().Rules(), loc, appLog)
		if err := sched.Start(); err != nil {
			return err
		}
	}

	addr := cfg.HTTPAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(p, runs, p.Router(), appLog).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	fmt.Printf("✓ Serving on %s (timezone %s, git remote %s)\n", addr, cfg.Timezone, cfg.RemoteDisplay())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	appLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown failed", "error", err)
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	return nil
}
