package domain

import "time"

// InvestigationReport is the final, immutable artifact of a DONE case.
type InvestigationReport struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"caseId"`
	Disposition Disposition    `json:"disposition"`
	Evidence    EvidenceBundle `json:"evidence"`
	Narrative   string         `json:"narrative,omitempty"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// EvidenceBundle holds everything the disposition was based on.
type EvidenceBundle struct {
	Subject         *Transaction     `json:"subject"`
	Related         []*Transaction   `json:"related"`
	TotalAmount     string           `json:"totalAmount"`
	Findings        []PatternFinding `json:"findings"`
	Assessment      *RiskAssessment  `json:"assessment"`
	Approval        *ApprovalRequest `json:"approval,omitempty"`
	RiskHints       []string         `json:"riskHints,omitempty"`
	PartialFailures []string         `json:"partialFailures,omitempty"`
}

// CaseView is the externally visible snapshot of a case.
type CaseView struct {
	Case     *Case            `json:"case"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
}
