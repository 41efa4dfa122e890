// Package approval decides when a case needs human sign-off and owns the
// lifecycle of approval requests.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Gate is the only code path that creates or resolves approval requests.
// Callers hold the case lease, so at most one Open or Resolve runs per case.
type Gate struct {
	repo      domain.Repository
	threshold domain.RiskLevel

	// Now is the clock used for request and resolution timestamps.
	Now func() time.Time
}

// NewGate creates an approval gate.
func NewGate(repo domain.Repository, settings domain.ApprovalSettings) *Gate {
	return &Gate{
		repo:      repo,
		threshold: settings.Threshold,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequiresApproval reports whether the assessment is at or above the threshold.
func (g *Gate) RequiresApproval(a *domain.RiskAssessment) bool {
	return a != nil && a.Level >= g.threshold
}

// Open creates a pending request for the case. A case with an unresolved
// request gets ErrConflict.
func (g *Gate) Open(ctx context.Context, caseID string, a *domain.RiskAssessment) (*domain.ApprovalRequest, error) {
	if caseID == "" || a == nil {
		return nil, fmt.Errorf("%w: case id and assessment are required", domain.ErrValidation)
	}

	pending, err := g.Pending(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: case %s already has pending approval %s", domain.ErrConflict, caseID, pending.ID)
	}

	req := &domain.ApprovalRequest{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		RequestedAt: g.Now(),
		RiskLevel:   a.Level,
		RiskScore:   a.Score,
		Status:      domain.ApprovalPending,
	}
	if err := g.repo.SaveApproval(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Resolve records a decision on a pending request.
func (g *Gate) Resolve(ctx context.Context, requestID string, d domain.Decision, resolver, comment string) (*domain.ApprovalRequest, error) {
	if strings.TrimSpace(resolver) == "" {
		return nil, fmt.Errorf("%w: resolver id is required", domain.ErrValidation)
	}

	req, err := g.repo.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Resolved() {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyResolved, req.ID, req.Status)
	}

	switch d {
	case domain.DecisionApprove:
		req.Status = domain.ApprovalApproved
	case domain.DecisionReject:
		req.Status = domain.ApprovalRejected
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", domain.ErrValidation, d)
	}
	now := g.Now()
	req.ResolvedBy = resolver
	req.ResolvedAt = &now
	req.Comment = comment

	if err := g.repo.SaveApproval(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Pending returns the case's unresolved request, or nil.
func (g *Gate) Pending(ctx context.Context, caseID string) (*domain.ApprovalRequest, error) {
	reqs, err := g.repo.ListApprovals(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if !r.Resolved() {
			return r, nil
		}
	}
	return nil, nil
}

// Latest returns the most recent request for the case, or nil.
func (g *Gate) Latest(ctx context.Context, caseID string) (*domain.ApprovalRequest, error) {
	reqs, err := g.repo.ListApprovals(ctx, caseID)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return reqs[len(reqs)-1], nil
}
