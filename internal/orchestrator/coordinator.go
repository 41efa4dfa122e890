// Package orchestrator drives investigation cases through their stages.
//
// A Coordinator owns a bounded queue of case ids drained by a fixed worker
// pool. Each dispatch runs exactly one step of one case while holding that
// case's lease, persists the result and re-enqueues the case unless it is
// parked or terminal. Triggers for a case that is already queued or running
// are coalesced.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/lease"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("kestrel-orchestrator")

var (
	// ErrQueueFull is returned by Trigger when the work queue has no room.
	ErrQueueFull = errors.New("work queue is full")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// Deps are the collaborators a Coordinator drives cases with.
// Bus and Metrics are optional.
type Deps struct {
	Repo      domain.Repository
	Bus       domain.EventBus
	Locker    lease.Locker
	Rules     *rules.Engine
	Detectors *detect.Set
	Risk      *risk.Aggregator
	Gate      *approval.Gate
	History   *history.Service
	Oracle    domain.Oracle
	Reports   *report.Assembler
	Metrics   *metrics.Metrics
}

func (d Deps) validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: orchestrator dependency %s is required", domain.ErrValidation, name)
	}
	switch {
	case d.Repo == nil:
		return missing("Repo")
	case d.Locker == nil:
		return missing("Locker")
	case d.Rules == nil:
		return missing("Rules")
	case d.Detectors == nil:
		return missing("Detectors")
	case d.Risk == nil:
		return missing("Risk")
	case d.Gate == nil:
		return missing("Gate")
	case d.History == nil:
		return missing("History")
	case d.Oracle == nil:
		return missing("Oracle")
	case d.Reports == nil:
		return missing("Reports")
	}
	return nil
}

// slot tracks a case id known to the scheduler.
type slot int

const (
	slotQueued slot = iota + 1
	slotRunning
	slotRunningDirty // triggered again while running
)

// Coordinator is the case orchestrator.
type Coordinator struct {
	Deps
	cfg domain.OrchestratorConfig

	queue chan string

	mu    sync.Mutex
	slots map[string]slot

	// serializes the active-subject check with case creation
	createMu sync.Mutex

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	now func() time.Time
}

// New creates a coordinator. Zero-valued settings take the defaults.
func New(deps Deps, cfg domain.OrchestratorConfig) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	def := domain.DefaultOrchestrator()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.BaseBackoff)
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		Deps:   deps,
		cfg:    cfg,
		queue:  make(chan string, cfg.QueueSize),
		slots:  make(map[string]slot),
		timers: make(map[*time.Timer]struct{}),
		ctx:    ctx,
		cancel: cancel,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start launches the worker pool and resumes every persisted non-terminal
// case. ctx bounds the lifetime of the workers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, c.cancel)
	g, gctx := errgroup.WithContext(c.ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stop()
		return nil
	})
	c.group = g

	slog.Info("orchestrator started",
		"workers", c.cfg.Workers,
		"queue_size", c.cfg.QueueSize,
		"max_attempts", c.cfg.MaxAttempts,
	)

	n, err := c.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume cases: %w", err)
	}
	if n > 0 {
		slog.Info("resumed cases", "count", n)
	}
	return nil
}

// Stop cancels in-flight stages, drops scheduled retries and waits for the
// workers to exit. Interrupted stages do not consume retry budget; the cases
// are picked up again by the next Start.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancel()

	c.timerMu.Lock()
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.timerMu.Unlock()

	if c.group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()

	select {
	case err := <-done:
		slog.Info("orchestrator stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger schedules the case for its next step. It is a no-op when the
// case is already queued; a running case is re-queued once it finishes.
func (c *Coordinator) Trigger(caseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(caseID)
}

func (c *Coordinator) enqueueLocked(caseID string) error {
	switch c.slots[caseID] {
	case slotQueued, slotRunningDirty:
		return nil
	case slotRunning:
		c.slots[caseID] = slotRunningDirty
		return nil
	}

	select {
	case c.queue <- caseID:
		c.slots[caseID] = slotQueued
		c.observeQueue()
		return nil
	default:
		return fmt.Errorf("%w: case %s", ErrQueueFull, caseID)
	}
}

// Resume enqueues every non-terminal case found in the repository.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	cases, err := c.Repo.ListActiveCases(ctx)
	if err != nil {
		return 0, err
	}
	for _, cs := range cases {
		if err := c.Trigger(cs.ID); err != nil {
			c.later(cs.ID, c.cfg.BaseBackoff)
		}
	}
	return len(cases), nil
}

func (c *Coordinator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case caseID := <-c.queue:
			c.mu.Lock()
			c.slots[caseID] = slotRunning
			c.observeQueue()
			c.mu.Unlock()

			again := c.dispatch(ctx, caseID)
			c.finish(caseID, again)
		}
	}
}

func (c *Coordinator) finish(caseID string, again bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirty := c.slots[caseID] == slotRunningDirty
	delete(c.slots, caseID)
	if !again && !dirty {
		return
	}
	if err := c.enqueueLocked(caseID); err != nil {
		slog.Warn("requeue deferred", "case_id", caseID, "error", err)
		c.later(caseID, c.cfg.BaseBackoff)
	}
}

// later triggers the case after d unless the coordinator stops first.
func (c *Coordinator) later(caseID string, d time.Duration) {
	if c.ctx.Err() != nil {
		return
	}

	var t *time.Timer
	c.timerMu.Lock()
	t = time.AfterFunc(d, func() {
		c.timerMu.Lock()
		delete(c.timers, t)
		c.timerMu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		if err := c.Trigger(caseID); err != nil {
			c.later(caseID, c.cfg.MaxBackoff)
		}
	})
	c.timers[t] = struct{}{}
	c.timerMu.Unlock()
}

// dispatch runs one step of the case under its lease and reports whether
// the case should be queued again.
func (c *Coordinator) dispatch(ctx context.Context, caseID string) bool {
	l, ok, err := c.Locker.TryAcquire(ctx, caseID)
	if err != nil {
		slog.Warn("case lease unavailable", "case_id", caseID, "error", err)
		c.later(caseID, c.cfg.BaseBackoff)
		return false
	}
	if !ok {
		slog.Debug("case lease held elsewhere", "case_id", caseID)
		c.later(caseID, c.cfg.BaseBackoff)
		return false
	}
	defer c.release(caseID, l)

	cs, err := c.Repo.GetCase(ctx, caseID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("dropping unknown case", "case_id", caseID)
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to load case", "case_id", caseID, "error", err)
			c.later(caseID, c.cfg.BaseBackoff)
		}
		return false
	}
	if cs.State.IsTerminal() {
		return false
	}
	return c.advance(ctx, cs)
}

func (c *Coordinator) release(caseID string, l lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		slog.Warn("failed to release case lease", "case_id", caseID, "error", err)
	}
}

// persist saves the case and announces the transitions appended after index n.
func (c *Coordinator) persist(ctx context.Context, cs *domain.Case, n int) error {
	if err := c.Repo.SaveCase(ctx, cs); err != nil {
		return domain.Transient(fmt.Errorf("save case %s: %w", cs.ID, err))
	}
	for _, t := range cs.History[n:] {
		slog.Info("case transition",
			"case_id", cs.ID,
			"from", t.From,
			"to", t.To,
			"reason", t.Reason,
		)
		if c.Metrics != nil {
			c.Metrics.ObserveTransition(t.From, t.To)
		}

		ev := domain.CaseEvent{CaseID: cs.ID, From: t.From, To: t.To, Reason: t.Reason, Timestamp: t.At.UnixNano()}
		c.publish(ctx, domain.TopicCaseTransition, ev)
		switch t.To {
		case domain.StateAwaitingApproval:
			c.publish(ctx, domain.TopicApprovalRequired, ev)
		case domain.StateDone:
			c.publish(ctx, domain.TopicReportReady, ev)
		}
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, topic string, ev domain.CaseEvent) {
	if c.Bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err == nil {
		err = c.Bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Warn("failed to publish case event",
			"topic", topic,
			"case_id", ev.CaseID,
			"error", err,
		)
	}
}

func (c *Coordinator) observeQueue() {
	if c.Metrics != nil {
		c.Metrics.QueueDepth.Set(float64(len(c.queue)))
	}
}
