package detect

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func tx(id, sender, receiver string, amount float64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		Type:       "transfer",
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Currency:   "USD",
		Timestamp:  at,
	}
}

func defaultSet() *Set {
	r := domain.DefaultRules()
	return NewSet(domain.DefaultDetectors(), r.ReportingThreshold, Lists{HighRisk: r.HighRiskCountries, TaxHaven: r.TaxHavenCountries})
}

func defaultStructuring() *Structuring {
	return &Structuring{MinCount: 3, Window: 24 * time.Hour, Threshold: 10000, BaseStrength: 0.6}
}

func TestStructuring(t *testing.T) {
	d := defaultStructuring()

	t.Run("fires on repeated sub-threshold amounts", func(t *testing.T) {
		in := &Input{
			Subject: tx("t4", "S", "R", 9900, base),
			Related: []*domain.Transaction{
				tx("t2", "S", "R", 9900, base.Add(-2*time.Hour)),
				tx("t1", "S", "R", 9900, base.Add(-3*time.Hour)),
				tx("t3", "S", "R", 9900, base.Add(-1*time.Hour)),
			},
		}
		f, err := d.Detect(in)
		if err != nil {
			t.Fatalf("detect failed: %v", err)
		}
		if f == nil {
			t.Fatal("expected structuring finding")
		}
		if math.Abs(f.Strength-0.8) > 1e-9 {
			t.Errorf("expected strength 0.8, got %f", f.Strength)
		}
		if diff := cmp.Diff([]string{"t1", "t2", "t3", "t4"}, f.Evidence); diff != "" {
			t.Errorf("evidence must be sorted by timestamp (-want +got):\n%s", diff)
		}
	})

	t.Run("below minimum count", func(t *testing.T) {
		in := &Input{
			Subject: tx("t2", "S", "R", 9900, base),
			Related: []*domain.Transaction{tx("t1", "S", "R", 9900, base.Add(-time.Hour))},
		}
		if f, _ := d.Detect(in); f != nil {
			t.Errorf("expected no finding, got %+v", f)
		}
	})

	t.Run("sum below threshold", func(t *testing.T) {
		in := &Input{
			Subject: tx("t3", "S", "R", 100, base),
			Related: []*domain.Transaction{
				tx("t1", "S", "R", 100, base.Add(-time.Hour)),
				tx("t2", "S", "R", 100, base.Add(-2*time.Hour)),
			},
		}
		if f, _ := d.Detect(in); f != nil {
			t.Errorf("expected no finding, got %+v", f)
		}
	})

	t.Run("excludes other senders, old and above-threshold transactions", func(t *testing.T) {
		in := &Input{
			Subject: tx("t3", "S", "R", 9900, base),
			Related: []*domain.Transaction{
				tx("t1", "S", "R", 9900, base.Add(-time.Hour)),
				tx("t2", "S", "R", 9900, base.Add(-2*time.Hour)),
				tx("x1", "OTHER", "R", 9900, base.Add(-time.Hour)),
				tx("x2", "S", "R", 9900, base.Add(-30*time.Hour)),
				tx("x3", "S", "R", 12000, base.Add(-time.Hour)),
			},
		}
		f, _ := d.Detect(in)
		if f == nil {
			t.Fatal("expected structuring finding")
		}
		if diff := cmp.Diff([]string{"t2", "t1", "t3"}, f.Evidence); diff != "" {
			t.Errorf("evidence mismatch (-want +got):\n%s", diff)
		}
		if math.Abs(f.Strength-0.6) > 1e-9 {
			t.Errorf("expected strength 0.6, got %f", f.Strength)
		}
	})

	t.Run("strength capped at 1", func(t *testing.T) {
		in := &Input{Subject: tx("s", "S", "R", 9950, base)}
		for i := range 9 {
			in.Related = append(in.Related, tx(fmt.Sprintf("r%d", i), "S", "R", 9950, base.Add(-time.Duration(i+1)*time.Minute)))
		}
		f, _ := d.Detect(in)
		if f == nil || f.Strength != 1 {
			t.Errorf("expected strength 1, got %+v", f)
		}
	})
}

// Amounts within 1% below the threshold repeated at least three times in
// 24h always produce a finding of strength >= 0.6.
func TestStructuringNearThresholdProperty(t *testing.T) {
	d := defaultStructuring()
	for _, amount := range []float64{9900, 9925.5, 9950, 9999.99} {
		for n := 3; n <= 6; n++ {
			in := &Input{Subject: tx("s", "S", "R", amount, base)}
			for i := 1; i < n; i++ {
				in.Related = append(in.Related, tx(fmt.Sprintf("r%d", i), "S", "R", amount, base.Add(-time.Duration(i)*time.Hour)))
			}
			f, err := d.Detect(in)
			if err != nil || f == nil {
				t.Fatalf("amount %.2f x%d: expected finding, got %v %v", amount, n, f, err)
			}
			if f.Strength < 0.6 {
				t.Errorf("amount %.2f x%d: strength %f below 0.6", amount, n, f.Strength)
			}
		}
	}
}

func TestSmurfing(t *testing.T) {
	d := &Smurfing{MinSenders: 3, Window: 15 * time.Minute, MinTotal: 10000}

	t.Run("fires on distinct senders to one receiver", func(t *testing.T) {
		in := &Input{
			Subject: tx("t4", "A", "MULE", 4000, base),
			Related: []*domain.Transaction{
				tx("t1", "B", "MULE", 4000, base.Add(-10*time.Minute)),
				tx("t2", "C", "MULE", 4000, base.Add(-5*time.Minute)),
				tx("t3", "C", "MULE", 1000, base.Add(-4*time.Minute)),
				tx("x1", "D", "MULE", 9000, base.Add(-20*time.Minute)),
				tx("x2", "E", "OTHER", 9000, base.Add(-time.Minute)),
			},
		}
		f, err := d.Detect(in)
		if err != nil || f == nil {
			t.Fatalf("expected smurfing finding, got %v %v", f, err)
		}
		if f.Strength != 0.5 {
			t.Errorf("expected strength 0.5, got %f", f.Strength)
		}
		if diff := cmp.Diff([]string{"t1", "t2", "t3", "t4"}, f.Evidence); diff != "" {
			t.Errorf("evidence mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("total must exceed minimum", func(t *testing.T) {
		in := &Input{
			Subject: tx("t3", "A", "MULE", 3000, base),
			Related: []*domain.Transaction{
				tx("t1", "B", "MULE", 3500, base.Add(-time.Minute)),
				tx("t2", "C", "MULE", 3500, base.Add(-2*time.Minute)),
			},
		}
		if f, _ := d.Detect(in); f != nil {
			t.Errorf("total of exactly 10000 must not fire, got %+v", f)
		}
	})

	t.Run("too few senders", func(t *testing.T) {
		in := &Input{
			Subject: tx("t2", "A", "MULE", 9000, base),
			Related: []*domain.Transaction{tx("t1", "B", "MULE", 9000, base.Add(-time.Minute))},
		}
		if f, _ := d.Detect(in); f != nil {
			t.Errorf("expected no finding, got %+v", f)
		}
	})
}

func TestBehavioral(t *testing.T) {
	d := &Behavioral{ZCutoff: 3, MinSamples: 5}
	subject := tx("t1", "S", "R", 5000, base)

	tests := []struct {
		name     string
		features *domain.BehaviorFeatures
		fires    bool
		wantErr  bool
	}{
		{"no features", nil, false, false},
		{"zero stddev", &domain.BehaviorFeatures{Mean: 100, StdDev: 0, SampleSize: 50}, false, false},
		{"small sample", &domain.BehaviorFeatures{Mean: 100, StdDev: 10, SampleSize: 2}, false, false},
		{"within profile", &domain.BehaviorFeatures{Mean: 4800, StdDev: 200, SampleSize: 50}, false, false},
		{"anomalous", &domain.BehaviorFeatures{Mean: 100, StdDev: 50, SampleSize: 50}, true, false},
		{"nan mean", &domain.BehaviorFeatures{Mean: math.NaN(), StdDev: 50, SampleSize: 50}, false, true},
		{"infinite stddev", &domain.BehaviorFeatures{Mean: 100, StdDev: math.Inf(1), SampleSize: 50}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := d.Detect(&Input{Subject: subject, Features: tt.features})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if (f != nil) != tt.fires {
				t.Fatalf("finding = %+v, want fires=%v", f, tt.fires)
			}
			if f != nil && (f.Strength <= 0 || f.Strength > 1) {
				t.Errorf("strength out of range: %f", f.Strength)
			}
		})
	}
}

func TestGeographic(t *testing.T) {
	r := domain.DefaultRules()
	d := NewGeographic(Lists{HighRisk: r.HighRiskCountries, TaxHaven: r.TaxHavenCountries}, 1.0, 0.5)

	tests := []struct {
		from, to string
		strength float64
	}{
		{"US", "IR", 1.0},
		{"kp", "US", 1.0},
		{"US", "KY", 0.5},
		{"KY", "IR", 1.0},
		{"US", "GB", 0},
		{"IR", "IR", 0},
		{"", "IR", 0},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			subject := tx("t1", "S", "R", 100, base)
			subject.SenderCountry, subject.ReceiverCountry = tt.from, tt.to
			f, err := d.Detect(&Input{Subject: subject})
			if err != nil {
				t.Fatalf("detect failed: %v", err)
			}
			if tt.strength == 0 {
				if f != nil {
					t.Errorf("expected no finding, got %+v", f)
				}
				return
			}
			if f == nil || f.Strength != tt.strength {
				t.Errorf("expected strength %v, got %+v", tt.strength, f)
			}
		})
	}
}

type failingDetector struct{ panic bool }

func (failingDetector) Kind() domain.PatternKind { return "broken" }

func (d failingDetector) Detect(*Input) (*domain.PatternFinding, error) {
	if d.panic {
		panic("boom")
	}
	return nil, errors.New("feature store unavailable")
}

func TestSetRun(t *testing.T) {
	t.Run("fixed order and all detectors may fire", func(t *testing.T) {
		subject := tx("t4", "S", "R", 9900, base)
		subject.SenderCountry, subject.ReceiverCountry = "US", "SY"
		in := &Input{
			Subject: subject,
			Related: []*domain.Transaction{
				tx("t1", "S", "R", 9900, base.Add(-3*time.Hour)),
				tx("t2", "S", "R", 9900, base.Add(-2*time.Hour)),
				tx("t3", "S", "R", 9900, base.Add(-time.Hour)),
				tx("t3", "S", "R", 9900, base.Add(-time.Hour)),
				subject,
			},
			Features: &domain.BehaviorFeatures{CustomerID: "S", Mean: 200, StdDev: 100, SampleSize: 30},
		}
		res := defaultSet().Run(in)
		if len(res.Notes) != 0 {
			t.Errorf("unexpected notes: %v", res.Notes)
		}
		var kinds []domain.PatternKind
		for _, f := range res.Findings {
			kinds = append(kinds, f.Kind)
		}
		want := []domain.PatternKind{domain.PatternStructuring, domain.PatternBehavioralAnomaly, domain.PatternGeographicRisk}
		if diff := cmp.Diff(want, kinds); diff != "" {
			t.Errorf("finding order mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"t1", "t2", "t3", "t4"}, res.Findings[0].Evidence); diff != "" {
			t.Errorf("duplicate ids must be ignored (-want +got):\n%s", diff)
		}
	})

	t.Run("failures become notes", func(t *testing.T) {
		set := NewSetOf(failingDetector{}, failingDetector{panic: true}, defaultStructuring())
		res := set.Run(&Input{Subject: tx("t1", "S", "R", 100, base)})
		if len(res.Notes) != 2 {
			t.Fatalf("expected 2 notes, got %v", res.Notes)
		}
		if !strings.Contains(res.Notes[1], "panic") {
			t.Errorf("expected panic note, got %q", res.Notes[1])
		}
		if len(res.Findings) != 0 {
			t.Errorf("expected no findings, got %v", res.Findings)
		}
	})

	t.Run("missing subject is reported per detector", func(t *testing.T) {
		res := NewSetOf(defaultStructuring()).Run(&Input{})
		if len(res.Notes) != 1 {
			t.Errorf("expected one note, got %v", res.Notes)
		}
	})
}
