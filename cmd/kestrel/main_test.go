package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeCase(t *testing.T, receiverCountry string) string {
	t.Helper()
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id string, ts time.Time) domain.Transaction {
		return domain.Transaction{
			ID: id, Type: "cash_deposit", SenderID: "cli-sender", ReceiverID: "cli-receiver",
			Amount: 9900, Currency: "USD", SenderCountry: "US", ReceiverCountry: receiverCountry,
			Timestamp: ts,
		}
	}
	req := domain.CaseRequest{
		Subject: mk("cli-subject", at),
		Related: []domain.Transaction{
			mk("cli-1", at.Add(-3*time.Hour)),
			mk("cli-2", at.Add(-2*time.Hour)),
			mk("cli-3", at.Add(-time.Hour)),
		},
	}
	data, _ := json.Marshal(req)
	path := filepath.Join(t.TempDir(), "case.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (InvestigationResult, error) {
	t.Helper()
	t.Setenv("KESTREL_SQLITE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("KESTREL_LOG_LEVEL", "error")

	investigateFlags.decision = ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	var res InvestigationResult
	if out.Len() > 0 {
		if jerr := json.Unmarshal(out.Bytes(), &res); jerr != nil {
			t.Fatalf("bad output %q: %v", out.String(), jerr)
		}
	}
	return res, err
}

func TestInvestigateCommand(t *testing.T) {
	t.Run("CompletesWithoutApproval", func(t *testing.T) {
		res, err := runCLI(t, "investigate", "-f", writeCase(t, "US"))
		if err != nil {
			t.Fatalf("investigate failed: %v", err)
		}
		if res.Case.Case.State != domain.StateDone || res.Report == nil {
			t.Fatalf("unexpected result: %+v", res.Case.Case)
		}
		if res.Report.Disposition != domain.DispositionEscalated {
			t.Errorf("disposition = %s", res.Report.Disposition)
		}
	})

	t.Run("StopsAtApproval", func(t *testing.T) {
		res, err := runCLI(t, "investigate", "-f", writeCase(t, "IR"))
		if err != nil {
			t.Fatalf("investigate failed: %v", err)
		}
		if res.Case.Case.State != domain.StateAwaitingApproval || res.Report != nil {
			t.Errorf("state = %s, want AWAITING_APPROVAL without report", res.Case.Case.State)
		}
	})

	t.Run("ApprovesInline", func(t *testing.T) {
		res, err := runCLI(t, "investigate", "-f", writeCase(t, "IR"), "--decision", "approve", "--resolver", "analyst-7")
		if err != nil {
			t.Fatalf("investigate failed: %v", err)
		}
		if res.Report == nil || res.Report.Disposition != domain.DispositionFiled {
			t.Fatalf("expected filed report, got %+v", res.Report)
		}
		if res.Case.Approval.ResolvedBy != "analyst-7" {
			t.Errorf("resolver = %q", res.Case.Approval.ResolvedBy)
		}
	})

	t.Run("RejectsBadDecision", func(t *testing.T) {
		_, err := runCLI(t, "investigate", "-f", writeCase(t, "US"), "--decision", "maybe")
		if err == nil || !strings.Contains(err.Error(), "decision") {
			t.Errorf("expected decision error, got %v", err)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "kestrel dev") {
		t.Errorf("unexpected version output %q", out.String())
	}
}
