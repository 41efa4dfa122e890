package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a, err := NewAggregator(domain.DefaultRisk())
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}
	a.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func finding(kind domain.PatternKind, strength float64) domain.PatternFinding {
	return domain.PatternFinding{Kind: kind, Strength: strength, Reason: string(kind) + " detected"}
}

func TestAggregate(t *testing.T) {
	a := newTestAggregator(t)

	t.Run("no signals", func(t *testing.T) {
		got := a.Aggregate(0, nil, nil)
		if got.Score != 0 || got.Level != domain.RiskLow {
			t.Errorf("expected Low/0, got %s/%v", got.Level, got.Score)
		}
		if got.Confidence != 0.25 {
			t.Errorf("expected base confidence 0.25, got %v", got.Confidence)
		}
	})

	t.Run("structuring case is medium", func(t *testing.T) {
		got := a.Aggregate(50, []string{"NEAR_THRESHOLD_AMOUNT", "NEAR_THRESHOLD_REPEATED"},
			[]domain.PatternFinding{finding(domain.PatternStructuring, 0.8)})
		if math.Abs(got.Score-56) > 1e-9 {
			t.Errorf("expected score 56, got %v", got.Score)
		}
		if got.Level != domain.RiskMedium {
			t.Errorf("expected Medium, got %s", got.Level)
		}
		want := []string{"NEAR_THRESHOLD_AMOUNT", "NEAR_THRESHOLD_REPEATED", "structuring: structuring detected"}
		if diff := cmp.Diff(want, got.Reasons); diff != "" {
			t.Errorf("reasons mismatch (-want +got):\n%s", diff)
		}
		// 3 signals
		if math.Abs(got.Confidence-0.7) > 1e-9 {
			t.Errorf("expected confidence 0.7, got %v", got.Confidence)
		}
	})

	t.Run("sanctioned structuring case is critical", func(t *testing.T) {
		got := a.Aggregate(75, []string{"NEAR_THRESHOLD_AMOUNT", "NEAR_THRESHOLD_REPEATED", "HIGH_RISK_JURISDICTION"},
			[]domain.PatternFinding{finding(domain.PatternStructuring, 0.8), finding(domain.PatternGeographicRisk, 1)})
		if got.Score < 75 || got.Level != domain.RiskCritical {
			t.Errorf("expected Critical >= 75, got %s/%v", got.Level, got.Score)
		}
		if math.Abs(got.Confidence-1) > 1e-9 {
			t.Errorf("expected confidence capped at 1, got %v", got.Confidence)
		}
	})

	t.Run("score capped at 100", func(t *testing.T) {
		got := a.Aggregate(500, []string{"X"}, nil)
		if got.Score != 100 {
			t.Errorf("expected 100, got %v", got.Score)
		}
	})
}

func TestLevelBoundaries(t *testing.T) {
	a := newTestAggregator(t)

	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{39.99, domain.RiskLow},
		{40, domain.RiskMedium},
		{64.99, domain.RiskMedium},
		{65, domain.RiskHigh},
		{75, domain.RiskCritical},
		{100, domain.RiskCritical},
	}
	for _, tt := range tests {
		if got := a.Level(tt.score); got != tt.want {
			t.Errorf("Level(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestAggregateMonotonic(t *testing.T) {
	a := newTestAggregator(t)
	kinds := []domain.PatternKind{domain.PatternStructuring, domain.PatternSmurfing, domain.PatternGeographicRisk}

	for points := 0; points <= 80; points += 20 {
		for i := range kinds {
			for s := 0.0; s < 1.0; s += 0.1 {
				findings := []domain.PatternFinding{finding(kinds[0], 0.3), finding(kinds[1], 0.5), finding(kinds[2], 0.7)}

				findings[i].Strength = s
				lower := a.Aggregate(points, nil, findings)

				findings[i].Strength = s + 0.1
				higher := a.Aggregate(points, nil, findings)

				if higher.Score < lower.Score {
					t.Fatalf("score decreased: points=%d finding=%d %v -> %v", points, i, lower.Score, higher.Score)
				}
				if higher.Level < lower.Level {
					t.Fatalf("level decreased: %s -> %s", lower.Level, higher.Level)
				}
			}
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.RiskSettings)
	}{
		{"negative rule weight", func(s *domain.RiskSettings) { s.RuleWeight = -1 }},
		{"negative finding weight", func(s *domain.RiskSettings) { s.FindingWeight = -0.1 }},
		{"bands out of order", func(s *domain.RiskSettings) { s.HighFrom = 30 }},
		{"critical above 100", func(s *domain.RiskSettings) { s.CriticalFrom = 120 }},
		{"zero medium", func(s *domain.RiskSettings) { s.MediumFrom = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := domain.DefaultRisk()
			tt.mutate(&s)
			if _, err := NewAggregator(s); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
