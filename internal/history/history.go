// Package history loads the transaction context a case is enriched with:
// the related-transaction window around the subject and the sender's
// precomputed behavioral features.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service reads history from the repository and caches derived features.
type Service struct {
	repo     domain.Repository
	features domain.Cache
	settings domain.HistorySettings
}

// NewService creates a history service. cache may be nil.
func NewService(repo domain.Repository, c domain.Cache, settings domain.HistorySettings) *Service {
	return &Service{
		repo:     repo,
		features: c,
		settings: settings,
	}
}

// RelatedWindow returns stored transactions that share a party with the
// subject and fall within the lookback before it, oldest first. The subject
// is excluded. When more than MaxRelated match, the most recent are kept.
func (s *Service) RelatedWindow(ctx context.Context, subject *domain.Transaction) ([]*domain.Transaction, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	since := subject.Timestamp.Add(-s.settings.RelatedLookback)

	seen := map[string]bool{subject.ID: true}
	var out []*domain.Transaction
	for _, party := range []string{subject.SenderID, subject.ReceiverID} {
		txs, err := s.repo.GetTransactionsByParty(ctx, party, since, subject.Timestamp)
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("load history for %s: %w", party, err))
		}
		for _, tx := range txs {
			if seen[tx.ID] {
				continue
			}
			seen[tx.ID] = true
			out = append(out, tx)
		}
	}

	sortByTime(out)
	if limit := s.settings.MaxRelated; limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Features returns the behavioral profile of the subject's sender, computed
// from their outgoing transactions in the feature lookback before the
// subject. Results are cached per sender; cache failures fall through to
// the repository.
func (s *Service) Features(ctx context.Context, subject *domain.Transaction) (*domain.BehaviorFeatures, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	sender := subject.SenderID

	if s.features != nil {
		f, err := s.features.GetFeatures(ctx, sender)
		if err != nil {
			slog.Warn("feature cache read failed", "customer_id", sender, "error", err)
		} else if f != nil {
			return f, nil
		}
	}

	since := subject.Timestamp.Add(-s.settings.FeatureLookback)
	txs, err := s.repo.GetTransactionsByParty(ctx, sender, since, subject.Timestamp)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load features for %s: %w", sender, err))
	}

	var amounts []float64
	for _, tx := range txs {
		if tx.ID != subject.ID && tx.SenderID == sender {
			amounts = append(amounts, tx.Amount)
		}
	}
	f := ComputeFeatures(sender, amounts)

	if s.features != nil {
		if err := s.features.SetFeatures(ctx, sender, f, s.settings.FeatureCacheTTL); err != nil {
			slog.Warn("feature cache write failed", "customer_id", sender, "error", err)
		}
	}
	return f, nil
}

// ComputeFeatures returns the mean and sample standard deviation of amounts.
// Fewer than two samples give a zero deviation.
func ComputeFeatures(customerID string, amounts []float64) *domain.BehaviorFeatures {
	f := &domain.BehaviorFeatures{CustomerID: customerID, SampleSize: len(amounts)}
	if len(amounts) == 0 {
		return f
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	f.Mean = sum / float64(len(amounts))

	if len(amounts) > 1 {
		var sq float64
		for _, a := range amounts {
			d := a - f.Mean
			sq += d * d
		}
		f.StdDev = math.Sqrt(sq / float64(len(amounts)-1))
	}
	return f
}

func sortByTime(txs []*domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].ID < txs[j].ID
	})
}

// Invalidate drops cached features for a customer after new activity.
func (s *Service) Invalidate(ctx context.Context, customerID string) {
	if s.features == nil {
		return
	}
	if err := s.features.Delete(ctx, cache.FeaturesKey(customerID)); err != nil {
		slog.Warn("feature cache invalidation failed", "customer_id", customerID, "error", err)
	}
}
