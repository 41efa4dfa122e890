package domain

import (
	"fmt"
	"time"
)

// ApprovalStatus is the resolution of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Decision is a reviewer's answer to an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionReject:
		return Decision(s), nil
	}
	return "", fmt.Errorf("%w: decision must be %q or %q", ErrValidation, DecisionApprove, DecisionReject)
}

// ApprovalRequest asks a human to decide on a case before it may proceed.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"caseId"`
	RequestedAt time.Time      `json:"requestedAt"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	RiskScore   float64        `json:"riskScore"`
	Status      ApprovalStatus `json:"status"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Comment     string         `json:"comment,omitempty"`
}

// Resolved reports whether a decision has been recorded.
func (r *ApprovalRequest) Resolved() bool {
	return r.Status != ApprovalPending
}

// ApprovalSubmission is the API request payload for resolving an approval.
type ApprovalSubmission struct {
	Decision   string `json:"decision"`
	ResolverID string `json:"resolverId"`
	Comment    string `json:"comment,omitempty"`
}
