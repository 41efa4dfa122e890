package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/lease"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/oracle"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// app holds every long-lived component built from one configuration.
type app struct {
	cfg     *domain.Config
	repo    *repository.SQLRepository
	cache   domain.Cache
	bus     domain.EventBus
	locker  lease.Locker
	engine  *rules.Engine
	metrics *metrics.Metrics
	coord   *orchestrator.Coordinator

	oracleSubs []domain.Subscription
	closers    []func(context.Context) error
}

// newApp wires the components in dependency order. On error everything
// built so far is closed.
func newApp(ctx context.Context, cfg *domain.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.repo.Close() })
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.cache.Close() })
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.bus.Close() })
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	a.locker, err = lease.New(cfg.Lease)
	if err != nil {
		return nil, fmt.Errorf("initialize case lease: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.locker.Close() })
	slog.Info("case lease initialized", "type", cfg.Lease.Type)

	a.engine, err = rules.NewEngine(cfg.Rules, 100)
	if err != nil {
		return nil, fmt.Errorf("initialize rule engine: %w", err)
	}
	if err := loadRulesFromDatabase(ctx, a.repo, a.engine); err != nil {
		return nil, err
	}
	slog.Info("rule engine initialized", "custom_rules", a.engine.RulesCount())

	agg, err := risk.NewAggregator(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("initialize risk aggregator: %w", err)
	}

	orc, err := a.oracle(ctx)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.New()
	a.coord, err = orchestrator.New(orchestrator.Deps{
		Repo:   a.repo,
		Bus:    a.bus,
		Locker: a.locker,
		Rules:  a.engine,
		Detectors: detect.NewSet(cfg.Detectors, cfg.Rules.ReportingThreshold, detect.Lists{
			HighRisk: cfg.Rules.HighRiskCountries,
			TaxHaven: cfg.Rules.TaxHavenCountries,
		}),
		Risk:    agg,
		Gate:    approval.NewGate(a.repo, cfg.Approval),
		History: history.NewService(a.repo, a.cache, cfg.History),
		Oracle:  orc,
		Reports: report.NewAssembler(),
		Metrics: a.metrics,
	}, cfg.Orchestrator)
	if err != nil {
		return nil, fmt.Errorf("initialize orchestrator: %w", err)
	}
	return a, nil
}

// oracle returns the bus-backed oracle client. In static mode the built-in
// responder is served on the same bus.
func (a *app) oracle(ctx context.Context) (domain.Oracle, error) {
	if a.cfg.Oracle.Mode == "static" {
		subs, err := oracle.Serve(ctx, a.bus, oracle.Static{}, domain.StageEnrich, domain.StageReport)
		if err != nil {
			return nil, fmt.Errorf("serve static oracle: %w", err)
		}
		a.oracleSubs = subs
	}
	slog.Info("oracle initialized", "mode", a.cfg.Oracle.Mode, "timeout", a.cfg.Oracle.Timeout)
	return oracle.NewBusOracle(a.bus, a.cfg.Oracle.Timeout), nil
}

// Close stops the coordinator and releases resources in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		errs = append(errs, a.coord.Stop(ctx))
	}
	for _, sub := range a.oracleSubs {
		errs = append(errs, sub.Unsubscribe())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// loadRulesFromDatabase loads the stored custom rules into the engine.
// Built-in rules are always active; custom rules are added via POST /rules.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}
	if len(dbRules) == 0 {
		slog.Info("no custom rules in database - configure via POST /rules API")
		return nil
	}

	slog.Info("loading rules from database", "count", len(dbRules))
	if err := engine.ReloadRules(dbRules); err != nil {
		return fmt.Errorf("load custom rules: %w", err)
	}
	return nil
}
