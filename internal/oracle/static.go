package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Static is a deterministic oracle built from the request alone. It backs
// single-node deployments that have no external analysis service.
type Static struct{}

// Invoke answers enrich and report requests.
func (Static) Invoke(ctx context.Context, stage domain.Stage, req *domain.OracleRequest) (*domain.OracleResponse, error) {
	if req == nil || req.Subject == nil {
		return nil, fmt.Errorf("%w: oracle request needs a subject", domain.ErrValidation)
	}
	switch stage {
	case domain.StageEnrich:
		return enrich(req), nil
	case domain.StageReport:
		return report(req), nil
	default:
		return nil, fmt.Errorf("%w: oracle has no %s stage", domain.ErrValidation, stage)
	}
}

func enrich(req *domain.OracleRequest) *domain.OracleResponse {
	s := req.Subject
	var hints []string
	counterparties := make(map[string]bool)
	for _, tx := range req.Related {
		if tx.SenderID == s.SenderID {
			counterparties[tx.ReceiverID] = true
		}
		if tx.ReceiverID == s.SenderID {
			counterparties[tx.SenderID] = true
		}
	}
	if len(counterparties) >= 5 {
		hints = append(hints, "sender has many distinct counterparties")
	}
	if s.SenderCountry != "" && s.ReceiverCountry != "" && !strings.EqualFold(s.SenderCountry, s.ReceiverCountry) {
		hints = append(hints, "cross-border transfer")
	}

	return &domain.OracleResponse{
		RiskHints: hints,
		Narrative: fmt.Sprintf("Transaction %s of %.2f %s from %s to %s with %d related transactions in the lookback window.",
			s.ID, s.Amount, s.Currency, s.SenderID, s.ReceiverID, len(req.Related)),
		Confidence: 0.5,
	}
}

func report(req *domain.OracleRequest) *domain.OracleResponse {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s concerning transaction %s.", req.CaseID, req.Subject.ID)

	if a := req.Assessment; a != nil {
		fmt.Fprintf(&b, " Assessed %s risk with score %.1f.", a.Level, a.Score)
		if len(a.Reasons) > 0 {
			fmt.Fprintf(&b, " Indicators: %s.", strings.Join(a.Reasons, "; "))
		}
	}

	kinds := make([]string, 0, len(req.Findings))
	for _, f := range req.Findings {
		kinds = append(kinds, string(f.Kind))
	}
	sort.Strings(kinds)
	if len(kinds) > 0 {
		fmt.Fprintf(&b, " Patterns detected: %s.", strings.Join(kinds, ", "))
	} else {
		b.WriteString(" No typology patterns detected.")
	}

	confidence := 0.5
	if req.Assessment != nil {
		confidence = req.Assessment.Confidence
	}
	return &domain.OracleResponse{Narrative: b.String(), Confidence: confidence}
}

var _ domain.Oracle = Static{}
