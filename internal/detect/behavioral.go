package detect

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Behavioral flags amounts far outside the customer's historical profile.
// Mean and standard deviation come from precomputed features.
type Behavioral struct {
	ZCutoff    float64
	MinSamples int
}

func (d *Behavioral) Kind() domain.PatternKind { return domain.PatternBehavioralAnomaly }

func (d *Behavioral) Detect(in *Input) (*domain.PatternFinding, error) {
	if err := requireSubject(in); err != nil {
		return nil, err
	}
	f := in.Features
	if f == nil {
		return nil, nil
	}
	if !finite(f.Mean) || !finite(f.StdDev) {
		return nil, fmt.Errorf("non-finite behavioral features for %s", f.CustomerID)
	}
	if f.StdDev <= 0 || f.SampleSize < d.MinSamples {
		return nil, nil
	}

	z := (in.Subject.Amount - f.Mean) / f.StdDev
	if z <= d.ZCutoff {
		return nil, nil
	}

	return &domain.PatternFinding{
		Kind:     domain.PatternBehavioralAnomaly,
		Strength: math.Min(1, z/d.ZCutoff),
		Evidence: []string{in.Subject.ID},
		Reason:   fmt.Sprintf("amount %.2f is %.1f standard deviations above the mean %.2f", in.Subject.Amount, z, f.Mean),
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
