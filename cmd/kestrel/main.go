// Kestrel - AML investigation orchestration with a human in the loop.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "AML investigation orchestration",
	Long: `Kestrel turns a flagged transaction into a tracked investigation case:
enrichment, pattern analysis, explainable risk scoring, human approval for
high-risk cases and a final evidence report.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KESTREL_CONFIG"), "Path to YAML config file (default: $KESTREL_CONFIG)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the JSON logger on w.
func loadConfig(w io.Writer) (*domain.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logLevel := config.LogLevel(cfg)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"lease", cfg.Lease.Type,
		"oracle", cfg.Oracle.Mode,
	)
	return cfg, nil
}
