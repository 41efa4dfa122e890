package domain

import (
	"fmt"
	"time"
)

// CaseState is the lifecycle state of an investigation case.
type CaseState string

const (
	StateNew              CaseState = "NEW"
	StateEnriching        CaseState = "ENRICHING"
	StateAnalyzing        CaseState = "ANALYZING"
	StateAssessing        CaseState = "ASSESSING"
	StateAwaitingApproval CaseState = "AWAITING_APPROVAL"
	StateReporting        CaseState = "REPORTING"
	StateDone             CaseState = "DONE"
	StateFailed           CaseState = "FAILED"
	StateRejected         CaseState = "REJECTED"
	StateCancelled        CaseState = "CANCELLED"
)

// transitions is the complete table of legal state changes.
// FAILED and CANCELLED are reachable from every non-terminal state.
var transitions = map[CaseState][]CaseState{
	StateNew:              {StateEnriching, StateFailed, StateCancelled},
	StateEnriching:        {StateAnalyzing, StateFailed, StateCancelled},
	StateAnalyzing:        {StateAssessing, StateFailed, StateCancelled},
	StateAssessing:        {StateAwaitingApproval, StateReporting, StateFailed, StateCancelled},
	StateAwaitingApproval: {StateReporting, StateRejected, StateFailed, StateCancelled},
	StateReporting:        {StateDone, StateFailed, StateCancelled},
	StateDone:             nil,
	StateFailed:           nil,
	StateRejected:         nil,
	StateCancelled:        nil,
}

// IsTerminal reports whether no further transitions are possible.
func (s CaseState) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Valid reports whether s is a known state.
func (s CaseState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to CaseState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stage names a unit of work executed by the orchestrator.
type Stage string

const (
	StageEnrich          Stage = "enrich"
	StagePatternAnalysis Stage = "pattern_analysis"
	StageRiskAssessment  Stage = "risk_assessment"
	StageApproval        Stage = "approval"
	StageReport          Stage = "report"
)

// StageFor returns the stage executed while a case is in the given state.
func StageFor(s CaseState) (Stage, bool) {
	switch s {
	case StateEnriching:
		return StageEnrich, true
	case StateAnalyzing:
		return StagePatternAnalysis, true
	case StateAssessing:
		return StageRiskAssessment, true
	case StateAwaitingApproval:
		return StageApproval, true
	case StateReporting:
		return StageReport, true
	}
	return "", false
}

// Disposition is the terminal outcome of an investigation.
type Disposition string

const (
	DispositionClosedNoAction Disposition = "closed-no-action"
	DispositionEscalated      Disposition = "escalated"
	DispositionFiled          Disposition = "filed"
)

// Case is the unit of work tracked by the orchestrator.
type Case struct {
	ID           string    `json:"id"`
	SubjectTxID  string    `json:"subjectTxId"`
	RelatedTxIDs []string  `json:"relatedTxIds"`
	State        CaseState `json:"state"`

	// StageOutputs is append-only; the last entry per stage is current.
	StageOutputs map[Stage][]StageOutput `json:"stageOutputs"`
	Retries      map[Stage]int           `json:"retries"`

	// NextAttemptAt holds back the next step of a stage that is backing off.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`

	Disposition *Disposition `json:"disposition,omitempty"`
	Failure     *CaseFailure `json:"failure,omitempty"`
	History     []Transition `json:"history"`
	Archived    bool         `json:"archived,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// StageOutput is the typed result of one successful stage execution.
type StageOutput struct {
	Stage       Stage     `json:"stage"`
	Attempt     int       `json:"attempt"`
	CompletedAt time.Time `json:"completedAt"`

	Enrichment *Enrichment      `json:"enrichment,omitempty"`
	Findings   []PatternFinding `json:"findings,omitempty"`
	Notes      []string         `json:"notes,omitempty"`
	Assessment *RiskAssessment  `json:"assessment,omitempty"`
	ApprovalID string           `json:"approvalId,omitempty"`
	ReportID   string           `json:"reportId,omitempty"`
}

// Enrichment is the output of the enrichment stage.
type Enrichment struct {
	Features   *BehaviorFeatures `json:"features,omitempty"`
	RiskHints  []string          `json:"riskHints,omitempty"`
	Narrative  string            `json:"narrative,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Transition is one audit-trail entry.
type Transition struct {
	From   CaseState `json:"from"`
	To     CaseState `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// CaseFailure records why a case reached FAILED.
type CaseFailure struct {
	Stage    Stage  `json:"stage"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// NewCase creates a case in state NEW.
func NewCase(id, subjectTxID string, now time.Time) *Case {
	return &Case{
		ID:           id,
		SubjectTxID:  subjectTxID,
		RelatedTxIDs: []string{},
		State:        StateNew,
		StageOutputs: make(map[Stage][]StageOutput),
		Retries:      make(map[Stage]int),
		History:      []Transition{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AddRelated appends transaction ids not already referenced by the case.
// Insertion order is preserved.
func (c *Case) AddRelated(ids ...string) {
	seen := make(map[string]bool, len(c.RelatedTxIDs)+1)
	seen[c.SubjectTxID] = true
	for _, id := range c.RelatedTxIDs {
		seen[id] = true
	}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c.RelatedTxIDs = append(c.RelatedTxIDs, id)
	}
}

// TransitionTo moves the case to a new state and appends an audit entry.
func (c *Case) TransitionTo(to CaseState, reason string, now time.Time) error {
	if c.State.IsTerminal() {
		return fmt.Errorf("%w: case %s is %s", ErrTerminalState, c.ID, c.State)
	}
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.History = append(c.History, Transition{From: c.State, To: to, At: now, Reason: reason})
	c.State = to
	c.UpdatedAt = now
	return nil
}

// Archive marks a terminal case as archived. Reports and history are kept.
func (c *Case) Archive(now time.Time) error {
	if !c.State.IsTerminal() {
		return fmt.Errorf("%w: case %s is %s and cannot be archived", ErrInvalidTransition, c.ID, c.State)
	}
	if !c.Archived {
		c.Archived = true
		c.UpdatedAt = now
	}
	return nil
}

// RecordOutput appends a stage output. Earlier outputs are retained.
func (c *Case) RecordOutput(out StageOutput) error {
	if c.State.IsTerminal() {
		return fmt.Errorf("%w: case %s is %s", ErrTerminalState, c.ID, c.State)
	}
	if c.StageOutputs == nil {
		c.StageOutputs = make(map[Stage][]StageOutput)
	}
	c.StageOutputs[out.Stage] = append(c.StageOutputs[out.Stage], out)
	c.UpdatedAt = out.CompletedAt
	return nil
}

// Latest returns the current output of a stage, or nil if it never completed.
func (c *Case) Latest(stage Stage) *StageOutput {
	outs := c.StageOutputs[stage]
	if len(outs) == 0 {
		return nil
	}
	return &outs[len(outs)-1]
}

// Assessment returns the current risk assessment, if any.
func (c *Case) Assessment() *RiskAssessment {
	if out := c.Latest(StageRiskAssessment); out != nil {
		return out.Assessment
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (c *Case) Clone() *Case {
	cp := *c
	cp.RelatedTxIDs = append([]string(nil), c.RelatedTxIDs...)
	cp.History = append([]Transition(nil), c.History...)
	cp.StageOutputs = make(map[Stage][]StageOutput, len(c.StageOutputs))
	for k, v := range c.StageOutputs {
		cp.StageOutputs[k] = append([]StageOutput(nil), v...)
	}
	cp.Retries = make(map[Stage]int, len(c.Retries))
	for k, v := range c.Retries {
		cp.Retries[k] = v
	}
	if c.Disposition != nil {
		d := *c.Disposition
		cp.Disposition = &d
	}
	if c.Failure != nil {
		f := *c.Failure
		cp.Failure = &f
	}
	return &cp
}
