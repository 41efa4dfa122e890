package detect

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Smurfing flags many distinct senders funnelling funds to the subject's
// receiver within a short trailing window.
type Smurfing struct {
	MinSenders int
	Window     time.Duration
	MinTotal   float64
}

func (d *Smurfing) Kind() domain.PatternKind { return domain.PatternSmurfing }

func (d *Smurfing) Detect(in *Input) (*domain.PatternFinding, error) {
	if err := requireSubject(in); err != nil {
		return nil, err
	}
	subject := in.Subject
	from := subject.Timestamp.Add(-d.Window)

	var inbound []*domain.Transaction
	senders := make(map[string]bool)
	total := decimal.Zero
	for _, t := range in.all() {
		if t.ReceiverID != subject.ReceiverID {
			continue
		}
		if t.Timestamp.Before(from) || t.Timestamp.After(subject.Timestamp) {
			continue
		}
		inbound = append(inbound, t)
		senders[t.SenderID] = true
		total = total.Add(decimal.NewFromFloat(t.Amount))
	}

	distinct := len(senders)
	if distinct < d.MinSenders || !total.GreaterThan(decimal.NewFromFloat(d.MinTotal)) {
		return nil, nil
	}

	return &domain.PatternFinding{
		Kind:     domain.PatternSmurfing,
		Strength: min(1, 0.5*(float64(distinct)/float64(d.MinSenders))),
		Evidence: evidence(inbound),
		Reason: fmt.Sprintf("%d distinct senders paid %s within %s totalling %s",
			distinct, subject.ReceiverID, d.Window, total.StringFixed(2)),
	}, nil
}
