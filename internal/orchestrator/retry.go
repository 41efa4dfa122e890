package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per previous attempt, capped at max.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// handleFailure applies the retry policy to a failed stage. cs is the case
// as loaded before the stage ran.
func (c *Coordinator) handleFailure(ctx context.Context, cs *domain.Case, stage domain.Stage, err error, took time.Duration) {
	if c.ctx.Err() != nil {
		slog.Info("stage interrupted by shutdown",
			"case_id", cs.ID,
			"stage", stage,
			"error", err,
		)
		return
	}

	if !domain.IsRetryable(err) {
		c.fail(ctx, cs, stage, err, cs.Retries[stage]+1, took)
		return
	}

	if cs.Retries == nil {
		cs.Retries = make(map[domain.Stage]int)
	}
	cs.Retries[stage]++
	attempts := cs.Retries[stage]
	if attempts >= c.cfg.MaxAttempts {
		c.fail(ctx, cs, stage, err, attempts, took)
		return
	}

	if c.Metrics != nil {
		c.Metrics.ObserveStage(stage, metrics.OutcomeRetry, took)
	}
	// The deadline is persisted so that early triggers and restarts wait it out.
	delay := Backoff(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempts)
	cs.UpdatedAt = c.now()
	cs.NextAttemptAt = cs.UpdatedAt.Add(delay)
	if saveErr := c.Repo.SaveCase(ctx, cs); saveErr != nil {
		slog.Error("failed to record retry", "case_id", cs.ID, "stage", stage, "error", saveErr)
	}

	slog.Warn("stage failed, retrying",
		"case_id", cs.ID,
		"stage", stage,
		"attempt", attempts,
		"max_attempts", c.cfg.MaxAttempts,
		"delay_ms", delay.Milliseconds(),
		"error", err,
	)
	c.later(cs.ID, delay)
}

// fail moves the case to FAILED with the stage and last error recorded.
func (c *Coordinator) fail(ctx context.Context, cs *domain.Case, stage domain.Stage, err error, attempts int, took time.Duration) {
	if c.Metrics != nil {
		c.Metrics.ObserveStage(stage, metrics.OutcomeFailed, took)
	}

	n := len(cs.History)
	cs.Failure = &domain.CaseFailure{Stage: stage, Error: err.Error(), Attempts: attempts}
	if tErr := cs.TransitionTo(domain.StateFailed, "stage "+string(stage)+" failed", c.now()); tErr != nil {
		slog.Error("failed to mark case failed", "case_id", cs.ID, "error", tErr)
		return
	}
	if pErr := c.persist(ctx, cs, n); pErr != nil {
		slog.Error("failed to persist failed case", "case_id", cs.ID, "error", pErr)
		return
	}
	slog.Error("case failed",
		"case_id", cs.ID,
		"stage", stage,
		"attempts", attempts,
		"error", err,
	)
}
