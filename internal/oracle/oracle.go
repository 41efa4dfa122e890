// Package oracle connects the investigation core to the external analysis
// oracle. Requests travel over the event bus as JSON on one topic per stage.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Topic returns the request/reply topic for a stage.
func Topic(stage domain.Stage) string {
	return domain.TopicOraclePrefix + string(stage)
}

// BusOracle invokes a remote oracle through EventBus.Request.
// It does not retry; every failure is reported as transient and the
// orchestrator decides whether to try again.
type BusOracle struct {
	bus     domain.EventBus
	timeout time.Duration
}

// NewBusOracle creates an oracle client. timeout bounds a single call when
// positive; the caller's deadline applies otherwise.
func NewBusOracle(bus domain.EventBus, timeout time.Duration) *BusOracle {
	return &BusOracle{bus: bus, timeout: timeout}
}

// Invoke sends req to the stage topic and decodes the structured reply.
func (o *BusOracle) Invoke(ctx context.Context, stage domain.Stage, req *domain.OracleRequest) (*domain.OracleResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode oracle request: %v", domain.ErrValidation, err)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	reply, err := o.bus.Request(ctx, Topic(stage), payload)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("oracle %s: %w", stage, err))
	}

	var resp domain.OracleResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, domain.Transient(fmt.Errorf("oracle %s: malformed reply: %w", stage, err))
	}
	resp.Confidence = clamp01(resp.Confidence)
	return &resp, nil
}

// Serve subscribes o to the oracle topics of stages on bus so that a
// BusOracle on the same bus reaches it. The returned subscriptions are
// released by the caller.
func Serve(ctx context.Context, bus domain.EventBus, o domain.Oracle, stages ...domain.Stage) ([]domain.Subscription, error) {
	subs := make([]domain.Subscription, 0, len(stages))
	for _, stage := range stages {
		sub, err := bus.Subscribe(ctx, Topic(stage), func(ctx context.Context, msg *domain.Message) ([]byte, error) {
			var req domain.OracleRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode oracle request: %w", err)
			}
			resp, err := o.Invoke(ctx, stage, &req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe oracle %s: %w", stage, err)
		}
		subs = append(subs, sub)
		slog.Debug("oracle responder subscribed", "stage", stage)
	}
	return subs, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var _ domain.Oracle = (*BusOracle)(nil)
