package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/report"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// advance executes the step for the case's current state and reports
// whether the case should be queued again.
func (c *Coordinator) advance(ctx context.Context, cs *domain.Case) bool {
	n := len(cs.History)

	switch cs.State {
	case domain.StateNew:
		if err := cs.TransitionTo(domain.StateEnriching, "investigation started", c.now()); err != nil {
			slog.Error("failed to start case", "case_id", cs.ID, "error", err)
			return false
		}
		if err := c.persist(ctx, cs, n); err != nil {
			slog.Error("failed to persist case", "case_id", cs.ID, "error", err)
			c.later(cs.ID, c.cfg.BaseBackoff)
			return false
		}
		return true

	case domain.StateAwaitingApproval:
		return c.reconcileApproval(ctx, cs)
	}

	stage, ok := domain.StageFor(cs.State)
	if !ok {
		slog.Error("case in unknown state", "case_id", cs.ID, "state", cs.State)
		return false
	}

	if wait := cs.NextAttemptAt.Sub(c.now()); wait > 0 {
		slog.Debug("stage backing off",
			"case_id", cs.ID,
			"stage", stage,
			"wait_ms", wait.Milliseconds(),
		)
		c.later(cs.ID, wait)
		return false
	}

	work := cs.Clone()
	work.NextAttemptAt = time.Time{}
	attempt := cs.Retries[stage] + 1
	start := time.Now()

	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	stageCtx, span := tracer.Start(stageCtx, "stage "+string(stage),
		trace.WithAttributes(
			attribute.String("case.id", cs.ID),
			attribute.String("stage", string(stage)),
			attribute.Int("attempt", attempt),
		),
	)
	err := c.runStage(stageCtx, stage, work, attempt)
	if err == nil {
		err = c.persist(ctx, work, n)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	cancel()
	took := time.Since(start)

	if err != nil {
		c.handleFailure(ctx, cs, stage, err, took)
		return false
	}

	if c.Metrics != nil {
		c.Metrics.ObserveStage(stage, metrics.OutcomeSuccess, took)
	}
	slog.Debug("stage complete",
		"case_id", cs.ID,
		"stage", stage,
		"attempt", attempt,
		"state", work.State,
		"duration_ms", took.Milliseconds(),
	)
	return !work.State.IsTerminal() && work.State != domain.StateAwaitingApproval
}

func (c *Coordinator) runStage(ctx context.Context, stage domain.Stage, cs *domain.Case, attempt int) error {
	switch stage {
	case domain.StageEnrich:
		return c.enrich(ctx, cs, attempt)
	case domain.StagePatternAnalysis:
		return c.analyze(ctx, cs, attempt)
	case domain.StageRiskAssessment:
		return c.assess(ctx, cs, attempt)
	case domain.StageReport:
		return c.report(ctx, cs, attempt)
	}
	return fmt.Errorf("%w: no executor for stage %s", domain.ErrValidation, stage)
}

func (c *Coordinator) loadSubject(ctx context.Context, cs *domain.Case) (*domain.Transaction, error) {
	tx, err := c.Repo.GetTransaction(ctx, cs.SubjectTxID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: subject transaction %s is missing", domain.ErrValidation, cs.SubjectTxID)
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load subject %s: %w", cs.SubjectTxID, err))
	}
	return tx, nil
}

func (c *Coordinator) loadRelated(ctx context.Context, cs *domain.Case) ([]*domain.Transaction, error) {
	txs, err := c.Repo.GetTransactions(ctx, cs.RelatedTxIDs)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load related transactions: %w", err))
	}
	return txs, nil
}

func (c *Coordinator) invokeOracle(ctx context.Context, stage domain.Stage, req *domain.OracleRequest) (*domain.OracleResponse, error) {
	resp, err := c.Oracle.Invoke(ctx, stage, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &domain.OracleResponse{}
	}
	return resp, nil
}

// enrich loads the related window and behavioral features and asks the
// oracle for context.
func (c *Coordinator) enrich(ctx context.Context, cs *domain.Case, attempt int) error {
	subject, err := c.loadSubject(ctx, cs)
	if err != nil {
		return err
	}
	window, err := c.History.RelatedWindow(ctx, subject)
	if err != nil {
		return err
	}
	features, err := c.History.Features(ctx, subject)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(window))
	for _, tx := range window {
		ids = append(ids, tx.ID)
	}
	cs.AddRelated(ids...)

	related, err := c.loadRelated(ctx, cs)
	if err != nil {
		return err
	}
	resp, err := c.invokeOracle(ctx, domain.StageEnrich, &domain.OracleRequest{
		CaseID:  cs.ID,
		Subject: subject,
		Related: related,
	})
	if err != nil {
		return err
	}

	now := c.now()
	if err := cs.RecordOutput(domain.StageOutput{
		Stage:       domain.StageEnrich,
		Attempt:     attempt,
		CompletedAt: now,
		Enrichment: &domain.Enrichment{
			Features:   features,
			RiskHints:  resp.RiskHints,
			Narrative:  resp.Narrative,
			Confidence: resp.Confidence,
		},
	}); err != nil {
		return err
	}
	return cs.TransitionTo(domain.StateAnalyzing, fmt.Sprintf("enriched with %d related transactions", len(related)), now)
}

// analyze runs every detector. Detector failures become notes.
func (c *Coordinator) analyze(ctx context.Context, cs *domain.Case, attempt int) error {
	subject, err := c.loadSubject(ctx, cs)
	if err != nil {
		return err
	}
	related, err := c.loadRelated(ctx, cs)
	if err != nil {
		return err
	}

	var features *domain.BehaviorFeatures
	if out := cs.Latest(domain.StageEnrich); out != nil && out.Enrichment != nil {
		features = out.Enrichment.Features
	}

	res := c.Detectors.Run(&detect.Input{Subject: subject, Related: related, Features: features})
	for _, note := range res.Notes {
		slog.Warn("detector failed", "case_id", cs.ID, "note", note)
	}

	now := c.now()
	if err := cs.RecordOutput(domain.StageOutput{
		Stage:       domain.StagePatternAnalysis,
		Attempt:     attempt,
		CompletedAt: now,
		Findings:    res.Findings,
		Notes:       res.Notes,
	}); err != nil {
		return err
	}
	return cs.TransitionTo(domain.StateAssessing, fmt.Sprintf("%d patterns found", len(res.Findings)), now)
}

// assess scores the case and either parks it for approval or moves it on
// to reporting.
func (c *Coordinator) assess(ctx context.Context, cs *domain.Case, attempt int) error {
	subject, err := c.loadSubject(ctx, cs)
	if err != nil {
		return err
	}
	related, err := c.loadRelated(ctx, cs)
	if err != nil {
		return err
	}

	points, reasons, err := c.Rules.Score(subject, related)
	if err != nil {
		return err
	}
	var findings []domain.PatternFinding
	if out := cs.Latest(domain.StagePatternAnalysis); out != nil {
		findings = out.Findings
	}
	assessment := c.Risk.Aggregate(points, reasons, findings)

	now := c.now()
	out := domain.StageOutput{
		Stage:       domain.StageRiskAssessment,
		Attempt:     attempt,
		CompletedAt: now,
		Assessment:  assessment,
	}

	if !c.Gate.RequiresApproval(assessment) {
		if err := cs.RecordOutput(out); err != nil {
			return err
		}
		return cs.TransitionTo(domain.StateReporting,
			fmt.Sprintf("%s risk (score %.1f)", assessment.Level, assessment.Score), now)
	}

	req, err := c.Gate.Open(ctx, cs.ID, assessment)
	if errors.Is(err, domain.ErrConflict) {
		// left behind by an attempt whose case save failed
		req, err = c.Gate.Pending(ctx, cs.ID)
		if err == nil && req == nil {
			err = domain.Transient(errors.New("approval request vanished"))
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		return domain.Transient(fmt.Errorf("open approval: %w", err))
	}

	out.ApprovalID = req.ID
	if err := cs.RecordOutput(out); err != nil {
		return err
	}
	return cs.TransitionTo(domain.StateAwaitingApproval,
		fmt.Sprintf("%s risk (score %.1f) requires approval", assessment.Level, assessment.Score), now)
}

// report assembles and stores the report once, then closes the case.
func (c *Coordinator) report(ctx context.Context, cs *domain.Case, attempt int) error {
	existing, err := c.Repo.GetReport(ctx, cs.ID)
	if err == nil {
		return c.closeWithReport(cs, existing, attempt)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Transient(fmt.Errorf("load report: %w", err))
	}

	subject, err := c.loadSubject(ctx, cs)
	if err != nil {
		return err
	}
	related, err := c.loadRelated(ctx, cs)
	if err != nil {
		return err
	}
	approval, err := c.Gate.Latest(ctx, cs.ID)
	if err != nil {
		return domain.Transient(fmt.Errorf("load approval: %w", err))
	}

	req := &domain.OracleRequest{
		CaseID:     cs.ID,
		Subject:    subject,
		Related:    related,
		Assessment: cs.Assessment(),
	}
	if out := cs.Latest(domain.StagePatternAnalysis); out != nil {
		req.Findings = out.Findings
	}
	resp, err := c.invokeOracle(ctx, domain.StageReport, req)
	if err != nil {
		return err
	}

	rep, err := c.Reports.Assemble(report.Input{
		Case:      cs,
		Subject:   subject,
		Related:   related,
		Approval:  approval,
		Narrative: resp.Narrative,
	})
	if err != nil {
		return err
	}

	if err := c.Repo.SaveReport(ctx, rep); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Transient(fmt.Errorf("save report: %w", err))
		}
		if rep, err = c.Repo.GetReport(ctx, cs.ID); err != nil {
			return domain.Transient(fmt.Errorf("load report: %w", err))
		}
	}
	return c.closeWithReport(cs, rep, attempt)
}

func (c *Coordinator) closeWithReport(cs *domain.Case, rep *domain.InvestigationReport, attempt int) error {
	now := c.now()
	d := rep.Disposition
	if err := cs.RecordOutput(domain.StageOutput{
		Stage:       domain.StageReport,
		Attempt:     attempt,
		CompletedAt: now,
		ReportID:    rep.ID,
	}); err != nil {
		return err
	}
	if err := cs.TransitionTo(domain.StateDone, "report "+string(d), now); err != nil {
		return err
	}
	cs.Disposition = &d
	return nil
}

// reconcileApproval applies a recorded decision to a parked case. It
// covers decisions whose case update was lost; SubmitApproval normally
// applies them directly.
func (c *Coordinator) reconcileApproval(ctx context.Context, cs *domain.Case) bool {
	req, err := c.Gate.Latest(ctx, cs.ID)
	if err != nil {
		slog.Warn("failed to load approval", "case_id", cs.ID, "error", err)
		return false
	}
	if req == nil || !req.Resolved() {
		return false
	}

	n := len(cs.History)
	if err := c.applyDecision(cs, req); err != nil {
		slog.Error("failed to apply approval decision", "case_id", cs.ID, "error", err)
		return false
	}
	if err := c.persist(ctx, cs, n); err != nil {
		slog.Error("failed to persist approval decision", "case_id", cs.ID, "error", err)
		c.later(cs.ID, c.cfg.BaseBackoff)
		return false
	}
	return !cs.State.IsTerminal()
}

func (c *Coordinator) applyDecision(cs *domain.Case, req *domain.ApprovalRequest) error {
	now := c.now()
	switch req.Status {
	case domain.ApprovalApproved:
		return cs.TransitionTo(domain.StateReporting, "approved by "+req.ResolvedBy, now)
	case domain.ApprovalRejected:
		if err := cs.TransitionTo(domain.StateRejected, "rejected by "+req.ResolvedBy, now); err != nil {
			return err
		}
		d := domain.DispositionClosedNoAction
		cs.Disposition = &d
		return nil
	}
	return fmt.Errorf("%w: approval %s is %s", domain.ErrValidation, req.ID, req.Status)
}
