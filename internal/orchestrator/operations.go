package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// CreateCase stores the subject and any supplied related transactions,
// opens a case in NEW and schedules it. A subject that already has an
// active case gets ErrConflict.
func (c *Coordinator) CreateCase(ctx context.Context, subject *domain.Transaction, related []*domain.Transaction) (string, error) {
	if err := subject.Validate(); err != nil {
		return "", err
	}
	for _, tx := range related {
		if err := tx.Validate(); err != nil {
			return "", err
		}
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	existing, err := c.Repo.FindActiveCaseBySubject(ctx, subject.ID)
	if err == nil {
		return "", fmt.Errorf("%w: transaction %s already has active case %s", domain.ErrConflict, subject.ID, existing.ID)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	ids := make([]string, 0, len(related))
	for _, tx := range append([]*domain.Transaction{subject}, related...) {
		if err := c.Repo.SaveTransaction(ctx, tx); err != nil {
			return "", fmt.Errorf("save transaction %s: %w", tx.ID, err)
		}
		ids = append(ids, tx.ID)
	}

	cs := domain.NewCase(uuid.New().String(), subject.ID, c.now())
	cs.AddRelated(ids...)
	if err := c.Repo.SaveCase(ctx, cs); err != nil {
		return "", fmt.Errorf("save case: %w", err)
	}
	c.History.Invalidate(ctx, subject.SenderID)

	if c.Metrics != nil {
		c.Metrics.CasesCreated.Inc()
	}
	c.publish(ctx, domain.TopicCaseTransition, domain.CaseEvent{
		CaseID:    cs.ID,
		To:        domain.StateNew,
		Reason:    "case opened",
		Timestamp: cs.CreatedAt.UnixNano(),
	})
	slog.Info("case created",
		"case_id", cs.ID,
		"subject_tx_id", subject.ID,
		"related_count", len(cs.RelatedTxIDs),
	)

	if err := c.Trigger(cs.ID); err != nil {
		slog.Warn("case scheduling deferred", "case_id", cs.ID, "error", err)
		c.later(cs.ID, c.cfg.BaseBackoff)
	}
	return cs.ID, nil
}

// SubmitApproval resolves the pending approval request of a case and moves
// it to REPORTING or REJECTED. It waits for any in-flight step of the case.
func (c *Coordinator) SubmitApproval(ctx context.Context, caseID string, d domain.Decision, resolverID, comment string) error {
	l, err := c.Locker.Acquire(ctx, caseID)
	if err != nil {
		return fmt.Errorf("acquire case %s: %w", caseID, err)
	}
	defer c.release(caseID, l)

	cs, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}

	pending, err := c.Gate.Pending(ctx, caseID)
	if err != nil {
		return err
	}
	if pending == nil {
		latest, err := c.Gate.Latest(ctx, caseID)
		if err != nil {
			return err
		}
		if latest != nil {
			return fmt.Errorf("%w: case %s approval %s is %s", domain.ErrAlreadyResolved, caseID, latest.ID, latest.Status)
		}
		return fmt.Errorf("case %s has no approval request: %w", caseID, domain.ErrNotFound)
	}
	if cs.State.IsTerminal() {
		return fmt.Errorf("%w: case %s is %s", domain.ErrTerminalState, caseID, cs.State)
	}

	req, err := c.Gate.Resolve(ctx, pending.ID, d, resolverID, comment)
	if err != nil {
		return err
	}
	slog.Info("approval resolved",
		"case_id", caseID,
		"approval_id", req.ID,
		"status", req.Status,
		"resolver_id", resolverID,
	)

	if cs.State != domain.StateAwaitingApproval {
		// The decision is applied when the case parks.
		return nil
	}

	n := len(cs.History)
	if err := c.applyDecision(cs, req); err != nil {
		return err
	}
	if err := c.persist(ctx, cs, n); err != nil {
		return err
	}
	if cs.State == domain.StateReporting {
		if err := c.Trigger(caseID); err != nil {
			c.later(caseID, c.cfg.BaseBackoff)
		}
	}
	return nil
}

// GetReport returns the report of a DONE case. Any other existing case
// gets ErrNotReady.
func (c *Coordinator) GetReport(ctx context.Context, caseID string) (*domain.InvestigationReport, error) {
	cs, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	notReady := fmt.Errorf("%w: case %s is %s", domain.ErrNotReady, caseID, cs.State)
	if cs.State != domain.StateDone {
		// a report saved by an unfinished REPORTING step stays hidden
		return nil, notReady
	}
	rep, err := c.Repo.GetReport(ctx, caseID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, notReady
	}
	return rep, err
}

// GetCase returns a snapshot of the case with its latest approval request.
// Failed cases carry the failing stage and last error.
func (c *Coordinator) GetCase(ctx context.Context, caseID string) (*domain.CaseView, error) {
	cs, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	approval, err := c.Gate.Latest(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &domain.CaseView{Case: cs, Approval: approval}, nil
}

// Cancel moves a non-terminal case to CANCELLED. A running step finishes
// first; no later step runs.
func (c *Coordinator) Cancel(ctx context.Context, caseID, reason string) error {
	l, err := c.Locker.Acquire(ctx, caseID)
	if err != nil {
		return fmt.Errorf("acquire case %s: %w", caseID, err)
	}
	defer c.release(caseID, l)

	cs, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled on request"
	}

	n := len(cs.History)
	if err := cs.TransitionTo(domain.StateCancelled, reason, c.now()); err != nil {
		return err
	}
	return c.persist(ctx, cs, n)
}

// Archive hides a terminal case from default listings. Its report and
// audit trail are kept. Archiving an archived case is a no-op.
func (c *Coordinator) Archive(ctx context.Context, caseID string) error {
	l, err := c.Locker.Acquire(ctx, caseID)
	if err != nil {
		return fmt.Errorf("acquire case %s: %w", caseID, err)
	}
	defer c.release(caseID, l)

	cs, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if cs.Archived {
		return nil
	}
	if err := cs.Archive(c.now()); err != nil {
		return err
	}
	if err := c.Repo.SaveCase(ctx, cs); err != nil {
		return fmt.Errorf("save case %s: %w", caseID, err)
	}
	slog.Info("case archived", "case_id", caseID, "state", cs.State)
	return nil
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// ListCases returns one page of cases, newest first. An unset or oversized
// limit is clamped.
func (c *Coordinator) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	if filter.State != "" && !filter.State.Valid() {
		return nil, fmt.Errorf("%w: unknown case state %q", domain.ErrValidation, filter.State)
	}
	if filter.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrValidation)
	}
	filter.Limit = pageSize(filter.Limit)
	return c.Repo.ListCases(ctx, filter)
}

// PendingApprovals returns the reviewer queue: unresolved approval
// requests, oldest first.
func (c *Coordinator) PendingApprovals(ctx context.Context, limit, offset int) ([]*domain.ApprovalRequest, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", domain.ErrValidation)
	}
	return c.Repo.ListPendingApprovals(ctx, pageSize(limit), offset)
}
