package detect

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Structuring flags repeated sub-threshold transactions by one sender that
// together reach the reporting threshold.
type Structuring struct {
	MinCount     int
	Window       time.Duration
	Threshold    float64
	BaseStrength float64
}

func (d *Structuring) Kind() domain.PatternKind { return domain.PatternStructuring }

func (d *Structuring) Detect(in *Input) (*domain.PatternFinding, error) {
	if err := requireSubject(in); err != nil {
		return nil, err
	}
	subject := in.Subject
	from := subject.Timestamp.Add(-d.Window)
	threshold := decimal.NewFromFloat(d.Threshold)

	var qualifying []*domain.Transaction
	sum := decimal.Zero
	for _, t := range in.all() {
		if t.SenderID != subject.SenderID {
			continue
		}
		if t.Timestamp.Before(from) || t.Timestamp.After(subject.Timestamp) {
			continue
		}
		amount := decimal.NewFromFloat(t.Amount)
		if !amount.LessThan(threshold) {
			continue
		}
		qualifying = append(qualifying, t)
		sum = sum.Add(amount)
	}

	count := len(qualifying)
	if count < d.MinCount || sum.LessThan(threshold) {
		return nil, nil
	}

	return &domain.PatternFinding{
		Kind:     domain.PatternStructuring,
		Strength: min(1, d.BaseStrength*(float64(count)/float64(d.MinCount))),
		Evidence: evidence(qualifying),
		Reason: fmt.Sprintf("%d transactions from %s below %s within %s totalling %s",
			count, subject.SenderID, threshold.String(), d.Window, sum.StringFixed(2)),
	}, nil
}
