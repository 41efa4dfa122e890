// Benchmark tool for replaying PaySim fraud data through Kestrel cases.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each row is opened as a case via POST /cases and followed until it is
// terminal or waiting for approval. A case whose assessment reaches the
// --positive level counts as a detection; the PaySim isFraud label is the
// ground truth for the confusion matrix.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

var flags struct {
	csvPath    string
	baseURL    string
	limit      int
	workers    int
	fraudOnly  bool
	sampleRate float64
	positive   string
	timeout    time.Duration
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:          "benchmark",
	Short:        "Replay labeled PaySim transactions through Kestrel and score the dispositions",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.csvPath, "csv", "", "Path to PaySim CSV file")
	f.StringVar(&flags.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	f.IntVar(&flags.limit, "limit", 1000, "Maximum transactions to process (0 = all)")
	f.IntVar(&flags.workers, "workers", 10, "Number of concurrent workers")
	f.BoolVar(&flags.fraudOnly, "fraud-only", false, "Only replay fraud transactions")
	f.Float64Var(&flags.sampleRate, "sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	f.StringVar(&flags.positive, "positive", "Medium", "Lowest risk level counted as a detection")
	f.DurationVar(&flags.timeout, "case-timeout", 30*time.Second, "Per-case wait for an outcome")
	f.BoolVar(&flags.verbose, "verbose", false, "Print each case result")
	_ = rootCmd.MarkFlagRequired("csv")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	positive, err := domain.ParseRiskLevel(flags.positive)
	if err != nil {
		return err
	}

	fmt.Println("KESTREL BENCHMARK - PaySim case replay")
	fmt.Printf("\nCSV File:     %s\n", flags.csvPath)
	fmt.Printf("Kestrel URL:  %s\n", flags.baseURL)
	fmt.Printf("Workers:      %d\n", flags.workers)
	fmt.Printf("Limit:        %d\n", flags.limit)
	fmt.Printf("Positive at:  %s\n", positive)
	fmt.Println()

	client := newClient(flags.baseURL, flags.timeout)
	if err := client.health(cmd.Context()); err != nil {
		return fmt.Errorf("kestrel not reachable at %s: %w", flags.baseURL, err)
	}
	fmt.Println("Kestrel is healthy")

	rows, err := readPaySimCSV(flags.csvPath, flags.limit, flags.fraudOnly, flags.sampleRate)
	if err != nil {
		return fmt.Errorf("read CSV: %w", err)
	}
	fraud := 0
	for _, r := range rows {
		if r.IsFraud {
			fraud++
		}
	}
	fmt.Printf("Loaded %d transactions (%d fraud)\n", len(rows), fraud)

	fmt.Printf("\nRunning benchmark with %d workers...\n", flags.workers)
	start := time.Now()
	m := runBenchmark(cmd.Context(), client, rows, flags.workers, positive, flags.verbose)
	printResults(m, time.Since(start))
	return nil
}
