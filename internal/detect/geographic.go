package detect

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Geographic flags cross-border transfers touching a listed jurisdiction.
type Geographic struct {
	highRisk         map[string]bool
	taxHaven         map[string]bool
	highRiskStrength float64
	taxHavenStrength float64
}

// NewGeographic builds the detector with per-tier strengths.
func NewGeographic(lists Lists, highRiskStrength, taxHavenStrength float64) *Geographic {
	return &Geographic{
		highRisk:         upperSet(lists.HighRisk),
		taxHaven:         upperSet(lists.TaxHaven),
		highRiskStrength: highRiskStrength,
		taxHavenStrength: taxHavenStrength,
	}
}

func (d *Geographic) Kind() domain.PatternKind { return domain.PatternGeographicRisk }

func (d *Geographic) Detect(in *Input) (*domain.PatternFinding, error) {
	if err := requireSubject(in); err != nil {
		return nil, err
	}
	from := strings.ToUpper(strings.TrimSpace(in.Subject.SenderCountry))
	to := strings.ToUpper(strings.TrimSpace(in.Subject.ReceiverCountry))
	if from == "" || to == "" || from == to {
		return nil, nil
	}

	tier, strength := "", 0.0
	switch {
	case d.highRisk[from] || d.highRisk[to]:
		tier, strength = "high-risk", d.highRiskStrength
	case d.taxHaven[from] || d.taxHaven[to]:
		tier, strength = "tax-haven", d.taxHavenStrength
	default:
		return nil, nil
	}

	return &domain.PatternFinding{
		Kind:     domain.PatternGeographicRisk,
		Strength: strength,
		Evidence: []string{in.Subject.ID},
		Reason:   fmt.Sprintf("cross-border transfer %s -> %s involves a %s jurisdiction", from, to, tier),
	}, nil
}
