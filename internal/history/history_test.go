package history

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func tx(id, sender, receiver string, amount float64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		Type:       "transfer",
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     amount,
		Currency:   "USD",
		Timestamp:  at,
	}
}

func ids(txs []*domain.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, t := range txs {
		out = append(out, t.ID)
	}
	return out
}

func TestRelatedWindow(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	subject := tx("subj", "alice", "bob", 9600, base)
	stored := []*domain.Transaction{
		subject,
		tx("a-old", "alice", "carol", 100, base.Add(-8*24*time.Hour)),
		tx("a-1", "alice", "carol", 200, base.Add(-2*time.Hour)),
		tx("b-1", "dave", "bob", 300, base.Add(-3*time.Hour)),
		tx("a-b", "alice", "bob", 400, base.Add(-time.Hour)),
		tx("future", "alice", "bob", 500, base.Add(time.Hour)),
		tx("other", "erin", "frank", 600, base.Add(-time.Hour)),
	}
	for _, s := range stored {
		if err := repo.SaveTransaction(ctx, s); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	svc := NewService(repo, nil, domain.HistorySettings{RelatedLookback: 7 * 24 * time.Hour})

	got, err := svc.RelatedWindow(ctx, subject)
	if err != nil {
		t.Fatalf("RelatedWindow failed: %v", err)
	}
	want := []string{"b-1", "a-1", "a-b"}
	if diff := cmp.Diff(want, ids(got)); diff != "" {
		t.Errorf("window mismatch (-want +got):\n%s", diff)
	}

	t.Run("MaxRelatedKeepsMostRecent", func(t *testing.T) {
		capped := NewService(repo, nil, domain.HistorySettings{RelatedLookback: 7 * 24 * time.Hour, MaxRelated: 2})
		got, err := capped.RelatedWindow(ctx, subject)
		if err != nil {
			t.Fatalf("RelatedWindow failed: %v", err)
		}
		if diff := cmp.Diff([]string{"a-1", "a-b"}, ids(got)); diff != "" {
			t.Errorf("window mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("InvalidSubject", func(t *testing.T) {
		if _, err := svc.RelatedWindow(ctx, &domain.Transaction{ID: "x"}); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestFeatures(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	amounts := []float64{100, 200, 300, 400, 500}
	for i, a := range amounts {
		if err := repo.SaveTransaction(ctx, tx(fmt.Sprintf("h-%d", i), "alice", "bob", a, base.Add(-time.Duration(i+1)*24*time.Hour))); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}
	// Incoming transfers are not part of the sender profile.
	_ = repo.SaveTransaction(ctx, tx("in-1", "zed", "alice", 99999, base.Add(-time.Hour)))

	lru := cache.NewLRUCache(100)
	defer lru.Close()

	svc := NewService(repo, lru, domain.HistorySettings{
		FeatureLookback: 90 * 24 * time.Hour,
		FeatureCacheTTL: time.Minute,
	})
	subject := tx("subj", "alice", "bob", 5000, base)

	f, err := svc.Features(ctx, subject)
	if err != nil {
		t.Fatalf("Features failed: %v", err)
	}
	if f.SampleSize != 5 || f.Mean != 300 {
		t.Errorf("features = %+v, want 5 samples with mean 300", f)
	}
	if want := math.Sqrt(25000); math.Abs(f.StdDev-want) > 1e-9 {
		t.Errorf("StdDev = %v, want %v", f.StdDev, want)
	}

	cached, _ := lru.GetFeatures(ctx, "alice")
	if cached == nil || cached.Mean != 300 {
		t.Fatalf("features not cached: %+v", cached)
	}

	t.Run("ServedFromCache", func(t *testing.T) {
		_ = lru.SetFeatures(ctx, "alice", &domain.BehaviorFeatures{CustomerID: "alice", Mean: 1, StdDev: 1, SampleSize: 9}, time.Minute)
		f, err := svc.Features(ctx, subject)
		if err != nil {
			t.Fatalf("Features failed: %v", err)
		}
		if f.SampleSize != 9 {
			t.Errorf("expected cached features, got %+v", f)
		}
	})

	t.Run("Invalidate", func(t *testing.T) {
		svc.Invalidate(ctx, "alice")
		f, err := svc.Features(ctx, subject)
		if err != nil {
			t.Fatalf("Features failed: %v", err)
		}
		if f.SampleSize != 5 {
			t.Errorf("expected recomputed features, got %+v", f)
		}
	})
}

func TestComputeFeatures(t *testing.T) {
	tests := []struct {
		name    string
		amounts []float64
		mean    float64
		std     float64
	}{
		{"Empty", nil, 0, 0},
		{"Single", []float64{42}, 42, 0},
		{"Constant", []float64{10, 10, 10}, 10, 0},
		{"Pair", []float64{10, 20}, 15, math.Sqrt(50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ComputeFeatures("c", tt.amounts)
			if f.SampleSize != len(tt.amounts) {
				t.Errorf("SampleSize = %d", f.SampleSize)
			}
			if math.Abs(f.Mean-tt.mean) > 1e-9 || math.Abs(f.StdDev-tt.std) > 1e-9 {
				t.Errorf("got mean=%v std=%v, want mean=%v std=%v", f.Mean, f.StdDev, tt.mean, tt.std)
			}
		})
	}
}
