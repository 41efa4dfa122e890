package report

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func tx(id string, amount float64, currency string) *domain.Transaction {
	return &domain.Transaction{ID: id, SenderID: "a", ReceiverID: "b", Amount: amount, Currency: currency, Timestamp: now}
}

func caseWith(level domain.RiskLevel) *domain.Case {
	c := domain.NewCase("case-1", "tx-1", now)
	c.StageOutputs[domain.StageEnrich] = []domain.StageOutput{{
		Stage:      domain.StageEnrich,
		Enrichment: &domain.Enrichment{RiskHints: []string{"cross-border transfer"}},
	}}
	c.StageOutputs[domain.StagePatternAnalysis] = []domain.StageOutput{
		{Stage: domain.StagePatternAnalysis, Notes: []string{"stale"}},
		{
			Stage:    domain.StagePatternAnalysis,
			Findings: []domain.PatternFinding{{Kind: domain.PatternStructuring, Strength: 0.6, Evidence: []string{"tx-0", "tx-1"}}},
			Notes:    []string{"detector behavioral-anomaly failed: non-finite features"},
		},
	}
	c.StageOutputs[domain.StageRiskAssessment] = []domain.StageOutput{{
		Stage:      domain.StageRiskAssessment,
		Assessment: &domain.RiskAssessment{Level: level, Score: 56},
	}}
	return c
}

func TestAssemble(t *testing.T) {
	a := &Assembler{Now: func() time.Time { return now }}
	subject := tx("tx-1", 9600.10, "USD")
	related := []*domain.Transaction{tx("tx-0", 9700.20, "USD"), tx("tx-eur", 50, "EUR")}

	r, err := a.Assemble(Input{Case: caseWith(domain.RiskMedium), Subject: subject, Related: related, Narrative: "n"})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if r.CaseID != "case-1" || r.ID == "" || !r.GeneratedAt.Equal(now) {
		t.Errorf("unexpected header: %+v", r)
	}
	if r.Disposition != domain.DispositionEscalated {
		t.Errorf("Disposition = %s, want escalated", r.Disposition)
	}
	if r.Evidence.TotalAmount != "19300.30 USD" {
		t.Errorf("TotalAmount = %s, want 19300.30 USD", r.Evidence.TotalAmount)
	}
	if diff := cmp.Diff([]string{"detector behavioral-anomaly failed: non-finite features"}, r.Evidence.PartialFailures); diff != "" {
		t.Errorf("partial failures mismatch (-want +got):\n%s", diff)
	}
	if len(r.Evidence.Findings) != 1 || r.Evidence.Findings[0].Kind != domain.PatternStructuring {
		t.Errorf("Findings = %+v", r.Evidence.Findings)
	}
	if diff := cmp.Diff([]string{"cross-border transfer"}, r.Evidence.RiskHints); diff != "" {
		t.Errorf("risk hints mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleRequiresAssessment(t *testing.T) {
	a := NewAssembler()
	c := domain.NewCase("case-1", "tx-1", now)
	if _, err := a.Assemble(Input{Case: c, Subject: tx("tx-1", 1, "USD")}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, err := a.Assemble(Input{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestDisposition(t *testing.T) {
	approved := &domain.ApprovalRequest{Status: domain.ApprovalApproved}

	tests := []struct {
		name     string
		level    domain.RiskLevel
		approval *domain.ApprovalRequest
		want     domain.Disposition
	}{
		{"LowCloses", domain.RiskLow, nil, domain.DispositionClosedNoAction},
		{"MediumEscalates", domain.RiskMedium, nil, domain.DispositionEscalated},
		{"HighWithoutApprovalEscalates", domain.RiskHigh, nil, domain.DispositionEscalated},
		{"ApprovedFiles", domain.RiskCritical, approved, domain.DispositionFiled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Disposition(&domain.RiskAssessment{Level: tt.level}, tt.approval)
			if got != tt.want {
				t.Errorf("Disposition = %s, want %s", got, tt.want)
			}
		})
	}
}
