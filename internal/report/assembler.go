// Package report assembles the final investigation report of a case.
package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Input is everything the assembler reads. Only Case and Subject are required.
type Input struct {
	Case      *domain.Case
	Subject   *domain.Transaction
	Related   []*domain.Transaction
	Approval  *domain.ApprovalRequest
	Narrative string
}

// Assembler builds reports. It has no side effects; persisting the report
// is the caller's job.
type Assembler struct {
	Now func() time.Time
}

// NewAssembler creates an assembler using the wall clock.
func NewAssembler() *Assembler {
	return &Assembler{Now: func() time.Time { return time.Now().UTC() }}
}

// Assemble gathers the evidence bundle from the case's current stage outputs
// and picks the disposition.
func (a *Assembler) Assemble(in Input) (*domain.InvestigationReport, error) {
	if in.Case == nil || in.Subject == nil {
		return nil, fmt.Errorf("%w: report needs a case and its subject", domain.ErrValidation)
	}
	assessment := in.Case.Assessment()
	if assessment == nil {
		return nil, fmt.Errorf("%w: case %s has no risk assessment", domain.ErrValidation, in.Case.ID)
	}

	evidence := domain.EvidenceBundle{
		Subject:     in.Subject,
		Related:     in.Related,
		TotalAmount: TotalAmount(in.Subject, in.Related),
		Findings:    []domain.PatternFinding{},
		Assessment:  assessment,
		Approval:    in.Approval,
	}
	if evidence.Related == nil {
		evidence.Related = []*domain.Transaction{}
	}
	if out := in.Case.Latest(domain.StagePatternAnalysis); out != nil {
		evidence.Findings = append(evidence.Findings, out.Findings...)
		evidence.PartialFailures = append(evidence.PartialFailures, out.Notes...)
	}
	if out := in.Case.Latest(domain.StageEnrich); out != nil && out.Enrichment != nil {
		evidence.RiskHints = out.Enrichment.RiskHints
	}

	return &domain.InvestigationReport{
		ID:          uuid.New().String(),
		CaseID:      in.Case.ID,
		Disposition: Disposition(assessment, in.Approval),
		Evidence:    evidence,
		Narrative:   in.Narrative,
		GeneratedAt: a.Now(),
	}, nil
}

// Disposition maps the outcome of a case to its terminal disposition. An
// approved review files a report; any other assessment at Medium or above
// is escalated.
func Disposition(a *domain.RiskAssessment, approval *domain.ApprovalRequest) domain.Disposition {
	if approval != nil && approval.Status == domain.ApprovalApproved {
		return domain.DispositionFiled
	}
	if a != nil && a.Level >= domain.RiskMedium {
		return domain.DispositionEscalated
	}
	return domain.DispositionClosedNoAction
}

// TotalAmount sums the subject and the related transactions in the subject's
// currency, exactly, formatted with two decimals and the currency code.
func TotalAmount(subject *domain.Transaction, related []*domain.Transaction) string {
	total := decimal.NewFromFloat(subject.Amount)
	for _, tx := range related {
		if tx != nil && tx.Currency == subject.Currency && tx.ID != subject.ID {
			total = total.Add(decimal.NewFromFloat(tx.Amount))
		}
	}
	return total.StringFixed(2) + " " + subject.Currency
}
