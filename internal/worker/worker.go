// Package worker opens investigation cases from alerts delivered on the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CaseOpener creates a case for a subject transaction.
type CaseOpener interface {
	CreateCase(ctx context.Context, subject *domain.Transaction, related []*domain.Transaction) (string, error)
}

// Worker consumes case requests from the EventBus.
type Worker struct {
	bus    domain.EventBus
	opener CaseOpener

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume; empty means domain.TopicCaseRequested.
	Topics []string
}

// Reply is sent back when a case request arrives through Request.
type Reply struct {
	CaseID string `json:"caseId,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status"`
}

// Reply statuses.
const (
	StatusOpened    = "opened"
	StatusDuplicate = "duplicate"
	StatusInvalid   = "invalid"
	StatusError     = "error"
)

// NewWorker creates an intake worker.
func NewWorker(bus domain.EventBus, opener CaseOpener) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		opener: opener,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicCaseRequested}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
		slog.Info("intake worker started", "topic", topic)
	}
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) ([]byte, error) {
	reply := w.openCase(ctx, msg)
	return json.Marshal(reply)
}

// openCase never returns an error: a bad request is answered, not dropped.
func (w *Worker) openCase(ctx context.Context, msg *domain.Message) Reply {
	start := time.Now()

	var req domain.CaseRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Warn("failed to parse case request",
			"message_id", msg.ID,
			"error", err,
		)
		return Reply{Status: StatusInvalid, Error: err.Error()}
	}

	related := make([]*domain.Transaction, len(req.Related))
	for i := range req.Related {
		related[i] = &req.Related[i]
	}

	caseID, err := w.opener.CreateCase(ctx, &req.Subject, related)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrValidation):
		slog.Warn("rejected case request", "message_id", msg.ID, "tx_id", req.Subject.ID, "error", err)
		return Reply{Status: StatusInvalid, Error: err.Error()}
	case errors.Is(err, domain.ErrConflict):
		slog.Info("case already open", "message_id", msg.ID, "tx_id", req.Subject.ID)
		return Reply{Status: StatusDuplicate, Error: err.Error()}
	default:
		slog.Error("failed to open case", "message_id", msg.ID, "tx_id", req.Subject.ID, "error", err)
		return Reply{Status: StatusError, Error: err.Error()}
	}

	slog.Info("case opened from bus",
		"case_id", caseID,
		"tx_id", req.Subject.ID,
		"related_count", len(related),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Reply{Status: StatusOpened, CaseID: caseID}
}

// Stop unsubscribes from all topics.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("intake worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
