// Package detect implements the pattern detectors run during the pattern
// analysis stage. Detectors are pure and run in a fixed order.
package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is the read-only view a detector operates on.
type Input struct {
	Subject  *domain.Transaction
	Related  []*domain.Transaction
	Features *domain.BehaviorFeatures
}

// Detector analyzes a transaction and its related window.
// A nil finding with a nil error means the pattern is absent.
type Detector interface {
	Kind() domain.PatternKind
	Detect(in *Input) (*domain.PatternFinding, error)
}

// Lists are the static country lists shared with the rule engine.
type Lists struct {
	HighRisk []string
	TaxHaven []string
}

// Set runs detectors in a fixed order.
type Set struct {
	detectors []Detector
}

// NewSet returns the standard detectors in invocation order:
// structuring, smurfing, behavioral, geographic.
func NewSet(cfg domain.DetectorSettings, threshold float64, lists Lists) *Set {
	return &Set{detectors: []Detector{
		&Structuring{MinCount: cfg.StructuringMinCount, Window: cfg.StructuringWindow, Threshold: threshold, BaseStrength: cfg.StructuringBaseStrength},
		&Smurfing{MinSenders: cfg.SmurfingMinSenders, Window: cfg.SmurfingWindow, MinTotal: cfg.SmurfingMinTotal},
		&Behavioral{ZCutoff: cfg.BehavioralZCutoff, MinSamples: cfg.BehavioralMinSamples},
		NewGeographic(lists, cfg.GeoHighRiskStrength, cfg.GeoTaxHavenStrength),
	}}
}

// NewSetOf builds a set from explicit detectors, preserving their order.
func NewSetOf(detectors ...Detector) *Set {
	return &Set{detectors: detectors}
}

// Result is the outcome of running every detector once.
type Result struct {
	Findings []domain.PatternFinding
	// Notes records detectors that failed; a failure contributes no finding.
	Notes []string
}

// Run invokes each detector in order. A failing or panicking detector is
// recorded as a note and does not stop the others.
func (s *Set) Run(in *Input) Result {
	var res Result
	in = normalize(in)
	for _, d := range s.detectors {
		f, err := safeDetect(d, in)
		if err != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("detector %s failed: %v", d.Kind(), err))
			continue
		}
		if f != nil {
			res.Findings = append(res.Findings, *f)
		}
	}
	return res
}

func safeDetect(d Detector, in *Input) (f *domain.PatternFinding, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Detect(in)
}

// normalize drops nil entries, duplicate ids and the subject from Related.
func normalize(in *Input) *Input {
	if in == nil || in.Subject == nil {
		return in
	}
	seen := map[string]bool{in.Subject.ID: true}
	related := make([]*domain.Transaction, 0, len(in.Related))
	for _, t := range in.Related {
		if t == nil || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		related = append(related, t)
	}
	return &Input{Subject: in.Subject, Related: related, Features: in.Features}
}

// all returns the subject followed by the related transactions.
func (in *Input) all() []*domain.Transaction {
	return append([]*domain.Transaction{in.Subject}, in.Related...)
}

func requireSubject(in *Input) error {
	if in == nil || in.Subject == nil {
		return fmt.Errorf("%w: subject transaction is required", domain.ErrValidation)
	}
	return nil
}

// evidence returns ids ordered by timestamp, ties broken by id.
func evidence(txs []*domain.Transaction) []string {
	sorted := append([]*domain.Transaction(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})
	ids := make([]string, len(sorted))
	for i, t := range sorted {
		ids[i] = t.ID
	}
	return ids
}

func upperSet(codes []string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[strings.ToUpper(c)] = true
	}
	return m
}
