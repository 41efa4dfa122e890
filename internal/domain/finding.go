package domain

import (
	"fmt"
	"time"
)

// PatternKind identifies the detector that produced a finding.
type PatternKind string

const (
	PatternStructuring       PatternKind = "structuring"
	PatternSmurfing          PatternKind = "smurfing"
	PatternBehavioralAnomaly PatternKind = "behavioral-anomaly"
	PatternGeographicRisk    PatternKind = "geographic-risk"
)

// PatternFinding is a detector's typed output. Immutable once created.
type PatternFinding struct {
	Kind     PatternKind `json:"kind"`
	Strength float64     `json:"strength"` // 0.0 to 1.0
	Evidence []string    `json:"evidence"` // transaction ids, ordered
	Reason   string      `json:"reason"`
}

// RiskLevel is the fixed ordinal risk scale.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"Low", "Medium", "High", "Critical"}

func (l RiskLevel) String() string {
	if l < RiskLow || l > RiskCritical {
		return "Unknown"
	}
	return riskLevelNames[l]
}

// MarshalText encodes the level by name.
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *RiskLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// ParseRiskLevel parses a level name (case-sensitive as produced by String).
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, name := range riskLevelNames {
		if name == s {
			return RiskLevel(i), nil
		}
	}
	return RiskLow, fmt.Errorf("%w: unknown risk level %q", ErrValidation, s)
}

// RiskAssessment is the aggregated result of a RISK_ASSESSMENT stage run.
type RiskAssessment struct {
	Level      RiskLevel `json:"level"`
	Score      float64   `json:"score"`      // 0 to 100
	Confidence float64   `json:"confidence"` // 0.0 to 1.0
	Reasons    []string  `json:"reasons"`
	AssessedAt time.Time `json:"assessedAt"`
}
