package rules

import (
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Reason codes emitted by the built-in rules.
const (
	ReasonNearThreshold         = "NEAR_THRESHOLD_AMOUNT"
	ReasonNearThresholdRepeated = "NEAR_THRESHOLD_REPEATED"
	ReasonHighVelocity          = "HIGH_VELOCITY"
	ReasonHighRiskJurisdiction  = "HIGH_RISK_JURISDICTION"
	ReasonTaxHavenJurisdiction  = "TAX_HAVEN_JURISDICTION"
	ReasonSuspiciousKeyword     = "SUSPICIOUS_KEYWORD"
)

// builtin evaluates the fixed rule set. Rules are independent; each returns
// the points it contributes (already capped) and its reason codes.
type builtin struct {
	s         domain.RuleSettings
	highRisk  map[string]bool
	taxHaven  map[string]bool
	keywords  []string
	bandFloor float64
}

func newBuiltin(s domain.RuleSettings) *builtin {
	b := &builtin{
		s:         s,
		highRisk:  toSet(s.HighRiskCountries),
		taxHaven:  toSet(s.TaxHavenCountries),
		bandFloor: s.ReportingThreshold * (1 - s.NearThresholdBand),
	}
	for _, k := range s.SuspiciousKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			b.keywords = append(b.keywords, k)
		}
	}
	return b
}

func toSet(codes []string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[strings.ToUpper(c)] = true
	}
	return m
}

func (b *builtin) nearThreshold(amount float64) bool {
	return amount >= b.bandFloor && amount < b.s.ReportingThreshold
}

// sameSenderSince returns window transactions by the subject's sender with
// timestamps in [subject-d, subject].
func sameSenderSince(tx *domain.Transaction, window []*domain.Transaction, d time.Duration) []*domain.Transaction {
	from := tx.Timestamp.Add(-d)
	var out []*domain.Transaction
	for _, w := range window {
		if w.SenderID != tx.SenderID {
			continue
		}
		if w.Timestamp.Before(from) || w.Timestamp.After(tx.Timestamp) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (b *builtin) scoreNearThreshold(tx *domain.Transaction, window []*domain.Transaction) (int, []string) {
	if !b.nearThreshold(tx.Amount) {
		return 0, nil
	}
	points := b.s.NearThresholdPoints
	reasons := []string{ReasonNearThreshold}

	reps := 0
	for _, w := range sameSenderSince(tx, window, b.s.RepeatWindow) {
		if b.nearThreshold(w.Amount) {
			reps++
		}
	}
	if reps > 0 {
		for i := 1; i <= reps; i++ {
			if i <= b.s.RepeatCap {
				points += b.s.RepeatPoints
			} else {
				points += b.s.RepeatPoints / 2
			}
		}
		reasons = append(reasons, ReasonNearThresholdRepeated)
	}
	return min(points, b.s.NearThresholdCeiling), reasons
}

func (b *builtin) scoreVelocity(tx *domain.Transaction, window []*domain.Transaction) (int, []string) {
	count := 1 + len(sameSenderSince(tx, window, b.s.VelocityWindow))
	excess := count - b.s.VelocityCutoff
	if excess <= 0 {
		return 0, nil
	}
	return min(excess*b.s.VelocityPerExcess, b.s.VelocityCeiling), []string{ReasonHighVelocity}
}

func (b *builtin) scoreGeography(tx *domain.Transaction) (int, []string) {
	countries := tx.Countries()
	for _, c := range countries {
		if b.highRisk[c] {
			return b.s.HighRiskPoints, []string{ReasonHighRiskJurisdiction}
		}
	}
	for _, c := range countries {
		if b.taxHaven[c] {
			return b.s.TaxHavenPoints, []string{ReasonTaxHavenJurisdiction}
		}
	}
	return 0, nil
}

func (b *builtin) scoreKeyword(tx *domain.Transaction) (int, []string) {
	desc := strings.ToLower(tx.Description)
	if desc == "" {
		return 0, nil
	}
	for _, k := range b.keywords {
		if strings.Contains(desc, k) {
			return b.s.KeywordPoints, []string{ReasonSuspiciousKeyword}
		}
	}
	return 0, nil
}

// IsHighRisk reports whether the country code is on the high-risk list.
func (e *Engine) IsHighRisk(country string) bool {
	return e.builtin.highRisk[strings.ToUpper(country)]
}

// IsTaxHaven reports whether the country code is on the tax-haven list.
func (e *Engine) IsTaxHaven(country string) bool {
	return e.builtin.taxHaven[strings.ToUpper(country)]
}
