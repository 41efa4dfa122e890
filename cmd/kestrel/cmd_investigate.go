package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/spf13/cobra"
)

var investigateFlags struct {
	file     string
	decision string
	resolver string
	comment  string
	dbPath   string
	timeout  time.Duration
}

var investigateCmd = &cobra.Command{
	Use:   "investigate -f case.json",
	Short: "Run one case to completion and print the result as JSON",
	Long: `Opens a case from a JSON case request ({"subject": {...}, "related": [...]})
and drives it through the pipeline in-process. Logs go to stderr; the final
case view and report are written to stdout.

A case that needs approval stops at AWAITING_APPROVAL unless --decision is
given, in which case the decision is submitted and the case runs on.

Usage:
  kestrel investigate -f case.json
  kestrel investigate -f case.json --decision approve --resolver analyst-7
  cat case.json | kestrel investigate -f -`,
	Args: cobra.NoArgs,
	RunE: runInvestigate,
}

func init() {
	f := investigateCmd.Flags()
	f.StringVarP(&investigateFlags.file, "file", "f", "", "Case request JSON file ('-' for stdin)")
	f.StringVar(&investigateFlags.decision, "decision", "", "Resolve a pending approval: approve or reject")
	f.StringVar(&investigateFlags.resolver, "resolver", "cli", "Resolver id recorded with --decision")
	f.StringVar(&investigateFlags.comment, "comment", "", "Comment recorded with --decision")
	f.StringVar(&investigateFlags.dbPath, "db", "", "SQLite path override")
	f.DurationVar(&investigateFlags.timeout, "timeout", time.Minute, "Give up waiting after this long")
	_ = investigateCmd.MarkFlagRequired("file")
}

// InvestigationResult is the JSON document printed by investigate.
type InvestigationResult struct {
	Case   *domain.CaseView            `json:"case"`
	Report *domain.InvestigationReport `json:"report,omitempty"`
}

func runInvestigate(cmd *cobra.Command, _ []string) error {
	var decision domain.Decision
	if investigateFlags.decision != "" {
		d, err := domain.ParseDecision(investigateFlags.decision)
		if err != nil {
			return err
		}
		decision = d
	}

	req, err := readCaseRequest(cmd.InOrStdin(), investigateFlags.file)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	if investigateFlags.dbPath != "" {
		cfg.Repository.SQLitePath = investigateFlags.dbPath
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), investigateFlags.timeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := a.Close(closeCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	wake := make(chan struct{}, 1)
	sub, err := a.bus.Subscribe(ctx, domain.TopicCaseTransition, func(context.Context, *domain.Message) ([]byte, error) {
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to transitions: %w", err)
	}
	defer sub.Unsubscribe()

	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	related := make([]*domain.Transaction, len(req.Related))
	for i := range req.Related {
		related[i] = &req.Related[i]
	}
	caseID, err := a.coord.CreateCase(ctx, &req.Subject, related)
	if err != nil {
		return err
	}
	slog.Info("case opened", "case_id", caseID)

	view, err := awaitOutcome(ctx, a.coord, caseID, wake)
	if err != nil {
		return err
	}
	if view.Case.State == domain.StateAwaitingApproval && decision != "" {
		if err := a.coord.SubmitApproval(ctx, caseID, decision, investigateFlags.resolver, investigateFlags.comment); err != nil {
			return err
		}
		if view, err = awaitOutcome(ctx, a.coord, caseID, wake); err != nil {
			return err
		}
	}

	result := InvestigationResult{Case: view}
	if view.Case.State == domain.StateDone {
		if result.Report, err = a.coord.GetReport(ctx, caseID); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if view.Case.State == domain.StateFailed {
		return fmt.Errorf("case %s failed in stage %s: %s", caseID, view.Case.Failure.Stage, view.Case.Failure.Error)
	}
	return nil
}

func readCaseRequest(stdin io.Reader, path string) (*domain.CaseRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var req domain.CaseRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: parse case request: %v", domain.ErrValidation, err)
	}
	return &req, nil
}

// awaitOutcome blocks until the case is terminal or waiting for a human.
// Transition events wake it early; the ticker covers dropped events.
func awaitOutcome(ctx context.Context, coord *orchestrator.Coordinator, caseID string, wake <-chan struct{}) (*domain.CaseView, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		view, err := coord.GetCase(ctx, caseID)
		if err != nil {
			return nil, err
		}
		if s := view.Case.State; s.IsTerminal() || s == domain.StateAwaitingApproval {
			return view, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("case %s still %s after %s", caseID, view.Case.State, investigateFlags.timeout)
			}
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
