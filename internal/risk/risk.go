// Package risk combines rule points and pattern findings into a single
// risk assessment.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregator maps rule points and findings onto the risk scale.
type Aggregator struct {
	settings domain.RiskSettings

	// Now is the clock used for AssessedAt.
	Now func() time.Time
}

// NewAggregator validates the weights and bands and returns an aggregator.
func NewAggregator(settings domain.RiskSettings) (*Aggregator, error) {
	if err := Validate(settings); err != nil {
		return nil, err
	}
	return &Aggregator{settings: settings, Now: time.Now}, nil
}

// Validate rejects negative weights and non-monotonic bands.
func Validate(s domain.RiskSettings) error {
	if s.RuleWeight < 0 || s.FindingWeight < 0 {
		return fmt.Errorf("%w: risk weights must be non-negative", domain.ErrValidation)
	}
	if !(0 < s.MediumFrom && s.MediumFrom < s.HighFrom && s.HighFrom < s.CriticalFrom && s.CriticalFrom <= 100) {
		return fmt.Errorf("%w: risk bands must be increasing within (0, 100]", domain.ErrValidation)
	}
	if s.ConfidenceBase < 0 || s.ConfidencePerSignal < 0 {
		return fmt.Errorf("%w: confidence parameters must be non-negative", domain.ErrValidation)
	}
	return nil
}

// Aggregate computes the assessment:
//
//	score = min(100, points*ruleWeight + sum(strength)*findingWeight)
//
// Reasons are the rule reasons followed by one reason per finding, in the
// order given.
func (a *Aggregator) Aggregate(rulePoints int, reasons []string, findings []domain.PatternFinding) *domain.RiskAssessment {
	s := a.settings

	score := float64(max(rulePoints, 0)) * s.RuleWeight
	for _, f := range findings {
		score += clamp01(f.Strength) * s.FindingWeight
	}
	score = math.Min(100, score)

	out := make([]string, 0, len(reasons)+len(findings))
	out = append(out, reasons...)
	for _, f := range findings {
		out = append(out, fmt.Sprintf("%s: %s", f.Kind, f.Reason))
	}

	return &domain.RiskAssessment{
		Level:      a.Level(score),
		Score:      score,
		Confidence: a.confidence(reasons, findings),
		Reasons:    out,
		AssessedAt: a.Now().UTC(),
	}
}

// Level maps a score onto a band. A score equal to a boundary takes the
// higher band.
func (a *Aggregator) Level(score float64) domain.RiskLevel {
	s := a.settings
	switch {
	case score >= s.CriticalFrom:
		return domain.RiskCritical
	case score >= s.HighFrom:
		return domain.RiskHigh
	case score >= s.MediumFrom:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// confidence grows with the number of independent signals: distinct rule
// reasons plus distinct finding kinds.
func (a *Aggregator) confidence(reasons []string, findings []domain.PatternFinding) float64 {
	signals := make(map[string]bool, len(reasons)+len(findings))
	for _, r := range reasons {
		signals["rule:"+r] = true
	}
	for _, f := range findings {
		signals["finding:"+string(f.Kind)] = true
	}
	c := a.settings.ConfidenceBase + a.settings.ConfidencePerSignal*float64(len(signals))
	return math.Min(1, c)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(1, v)
}
