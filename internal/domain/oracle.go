package domain

import "context"

// Oracle is the external analysis capability invoked by the enrichment and
// report stages. The core only reads the structured response fields.
// Any error is treated as a stage failure subject to retry.
type Oracle interface {
	Invoke(ctx context.Context, stage Stage, req *OracleRequest) (*OracleResponse, error)
}

// OracleRequest is the structured context handed to the oracle.
type OracleRequest struct {
	CaseID     string           `json:"caseId"`
	Subject    *Transaction     `json:"subject"`
	Related    []*Transaction   `json:"related,omitempty"`
	Findings   []PatternFinding `json:"findings,omitempty"`
	Assessment *RiskAssessment  `json:"assessment,omitempty"`
}

// OracleResponse carries the structured fields the core consumes.
type OracleResponse struct {
	RiskHints  []string `json:"riskHints,omitempty"`
	Narrative  string   `json:"narrative,omitempty"`
	Confidence float64  `json:"confidence"`
}
