package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func subject() *domain.Transaction {
	return &domain.Transaction{
		ID:              "tx-1",
		Type:            "wire",
		SenderID:        "alice",
		ReceiverID:      "bob",
		Amount:          9600,
		Currency:        "USD",
		SenderCountry:   "US",
		ReceiverCountry: "KY",
		Timestamp:       time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	o := Static{}

	t.Run("Enrich", func(t *testing.T) {
		resp, err := o.Invoke(ctx, domain.StageEnrich, &domain.OracleRequest{CaseID: "c-1", Subject: subject()})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if len(resp.RiskHints) != 1 || resp.RiskHints[0] != "cross-border transfer" {
			t.Errorf("RiskHints = %v", resp.RiskHints)
		}
		if !strings.Contains(resp.Narrative, "tx-1") {
			t.Errorf("Narrative = %q", resp.Narrative)
		}
	})

	t.Run("Report", func(t *testing.T) {
		resp, err := o.Invoke(ctx, domain.StageReport, &domain.OracleRequest{
			CaseID:     "c-1",
			Subject:    subject(),
			Findings:   []domain.PatternFinding{{Kind: domain.PatternStructuring, Strength: 0.6}},
			Assessment: &domain.RiskAssessment{Level: domain.RiskMedium, Score: 56, Confidence: 0.7, Reasons: []string{"NEAR_THRESHOLD_AMOUNT"}},
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		for _, want := range []string{"Medium", "56.0", "NEAR_THRESHOLD_AMOUNT", "structuring"} {
			if !strings.Contains(resp.Narrative, want) {
				t.Errorf("Narrative %q missing %q", resp.Narrative, want)
			}
		}
		if resp.Confidence != 0.7 {
			t.Errorf("Confidence = %v, want 0.7", resp.Confidence)
		}
	})

	t.Run("UnknownStage", func(t *testing.T) {
		_, err := o.Invoke(ctx, domain.StageRiskAssessment, &domain.OracleRequest{Subject: subject()})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestBusOracle_RoundTrip(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	subs, err := Serve(ctx, b, Static{}, domain.StageEnrich, domain.StageReport)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if len(subs) != 2 || subs[0].Topic() != "kestrel.oracle.enrich" {
		t.Fatalf("unexpected subscriptions: %v", subs)
	}

	client := NewBusOracle(b, time.Second)
	resp, err := client.Invoke(ctx, domain.StageEnrich, &domain.OracleRequest{CaseID: "c-1", Subject: subject()})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Confidence != 0.5 || len(resp.RiskHints) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestBusOracle_FailuresAreTransient(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()
	client := NewBusOracle(b, 50*time.Millisecond)

	t.Run("NoResponder", func(t *testing.T) {
		_, err := client.Invoke(ctx, domain.StageEnrich, &domain.OracleRequest{Subject: subject()})
		if !errors.Is(err, domain.ErrTransient) || !errors.Is(err, bus.ErrNoResponders) {
			t.Errorf("err = %v, want transient no-responders", err)
		}
	})

	t.Run("MalformedReply", func(t *testing.T) {
		sub, _ := b.Subscribe(ctx, Topic(domain.StageReport), func(ctx context.Context, msg *domain.Message) ([]byte, error) {
			return []byte("not json"), nil
		})
		defer sub.Unsubscribe()

		_, err := client.Invoke(ctx, domain.StageReport, &domain.OracleRequest{Subject: subject()})
		if !errors.Is(err, domain.ErrTransient) {
			t.Errorf("err = %v, want transient", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		sub, _ := b.Subscribe(ctx, Topic(domain.StageEnrich), func(ctx context.Context, msg *domain.Message) ([]byte, error) {
			return nil, errors.New("responder down")
		})
		defer sub.Unsubscribe()

		_, err := client.Invoke(ctx, domain.StageEnrich, &domain.OracleRequest{Subject: subject()})
		if !errors.Is(err, domain.ErrTransient) || !domain.IsRetryable(err) {
			t.Errorf("err = %v, want retryable transient", err)
		}
	})
}
