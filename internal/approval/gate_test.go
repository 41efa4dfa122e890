package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "approval.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	g := NewGate(repo, domain.ApprovalSettings{Threshold: domain.RiskHigh})
	clock := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	g.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return g
}

func TestRequiresApproval(t *testing.T) {
	g := NewGate(nil, domain.ApprovalSettings{Threshold: domain.RiskHigh})

	tests := []struct {
		level domain.RiskLevel
		want  bool
	}{
		{domain.RiskLow, false},
		{domain.RiskMedium, false},
		{domain.RiskHigh, true},
		{domain.RiskCritical, true},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := g.RequiresApproval(&domain.RiskAssessment{Level: tt.level}); got != tt.want {
				t.Errorf("RequiresApproval(%s) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}

	if g.RequiresApproval(nil) {
		t.Error("nil assessment should not require approval")
	}
}

func TestOpenAndResolve(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	assessment := &domain.RiskAssessment{Level: domain.RiskCritical, Score: 96}

	req, err := g.Open(ctx, "case-1", assessment)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if req.Status != domain.ApprovalPending || req.RiskLevel != domain.RiskCritical || req.RiskScore != 96 {
		t.Errorf("unexpected request: %+v", req)
	}

	t.Run("SecondOpenConflicts", func(t *testing.T) {
		if _, err := g.Open(ctx, "case-1", assessment); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("ResolverRequired", func(t *testing.T) {
		if _, err := g.Resolve(ctx, req.ID, domain.DecisionApprove, " ", ""); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("Approve", func(t *testing.T) {
		resolved, err := g.Resolve(ctx, req.ID, domain.DecisionApprove, "reviewer-7", "documented source of funds")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if resolved.Status != domain.ApprovalApproved || resolved.ResolvedBy != "reviewer-7" || resolved.ResolvedAt == nil {
			t.Errorf("unexpected resolution: %+v", resolved)
		}

		pending, err := g.Pending(ctx, "case-1")
		if err != nil || pending != nil {
			t.Errorf("Pending = %v, %v; want none", pending, err)
		}
	})

	t.Run("AlreadyResolved", func(t *testing.T) {
		_, err := g.Resolve(ctx, req.ID, domain.DecisionReject, "reviewer-8", "")
		if !errors.Is(err, domain.ErrAlreadyResolved) {
			t.Errorf("err = %v, want ErrAlreadyResolved", err)
		}
	})

	t.Run("ReopenAfterResolution", func(t *testing.T) {
		next, err := g.Open(ctx, "case-1", assessment)
		if err != nil {
			t.Fatalf("Open after resolution failed: %v", err)
		}
		latest, err := g.Latest(ctx, "case-1")
		if err != nil || latest.ID != next.ID {
			t.Errorf("Latest = %v, %v; want %s", latest, err, next.ID)
		}
	})
}

func TestResolveNotFound(t *testing.T) {
	g := newGate(t)
	_, err := g.Resolve(context.Background(), "missing", domain.DecisionApprove, "reviewer", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOneUnresolvedPerCase(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	a := &domain.RiskAssessment{Level: domain.RiskHigh, Score: 70}

	for i := 0; i < 5; i++ {
		_, _ = g.Open(ctx, "case-2", a)
	}

	reqs, err := g.repo.ListApprovals(ctx, "case-2")
	if err != nil {
		t.Fatalf("ListApprovals failed: %v", err)
	}
	pending := 0
	for _, r := range reqs {
		if !r.Resolved() {
			pending++
		}
	}
	if pending != 1 {
		t.Errorf("pending requests = %d, want 1", pending)
	}
}
