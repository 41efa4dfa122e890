package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	noIntake bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the case orchestrator and the bus intake worker",
	Long: `Starts the orchestrator worker pool, resumes every unfinished case found in
the repository, subscribes to case requests on the event bus and serves the
HTTP API until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveFlags.noIntake, "no-intake", false, "Do not consume case requests from the event bus")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
	}()

	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	var intake *worker.Worker
	if !serveFlags.noIntake {
		intake = worker.NewWorker(a.bus, a.coord)
		if err := intake.Start(worker.Config{}); err != nil {
			return fmt.Errorf("start intake worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, a.repo, a.cache, a.bus, a.coord, a.engine, a.metrics, Version)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err = <-errCh:
		slog.Error("server failed", "error", err)
	}

	if intake != nil {
		if stopErr := intake.Stop(); stopErr != nil {
			slog.Error("failed to stop intake worker", "error", stopErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("server forced to shutdown", "error", shutdownErr)
	}

	slog.Info("kestrel shutdown complete")
	return err
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  AML investigation orchestration")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /cases                 - Open an investigation case")
	fmt.Println("    GET  /cases/{id}            - Case state, stage outputs and approval")
	fmt.Println("    POST /cases/{id}/approval   - Approve or reject a pending case")
	fmt.Println("    POST /cases/{id}/cancel     - Cancel an open case")
	fmt.Println("    GET  /cases/{id}/report     - Final investigation report")
	fmt.Println("    GET  /rules                 - List loaded custom rules")
	fmt.Println("    POST /rules                 - Create a custom rule")
	fmt.Println("    POST /rules/reload          - Hot-reload rules from database")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println("    GET  /metrics               - Prometheus metrics")
	fmt.Println()
}
