// Package rules provides the deterministic rule engine: fixed built-in AML
// rules followed by operator-defined CEL rules.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine scores a transaction against its recent window.
// Score is safe for concurrent use and never mutates its inputs.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	builtin       *builtin
	compiledRules []*CompiledRule // sorted by rule id
	customCeiling int
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a rule engine for the given settings.
func NewEngine(settings domain.RuleSettings, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if settings.ReportingThreshold <= 0 {
		return nil, fmt.Errorf("%w: reporting threshold must be positive", domain.ErrValidation)
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("receiver_id", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("sender_country", cel.StringType),
		cel.Variable("receiver_country", cel.StringType),
		// Same-sender transactions in the recent window, subject excluded
		cel.Variable("window_count", cel.IntType),
		cel.Variable("window_total", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		builtin:       newBuiltin(settings),
		customCeiling: settings.CustomRuleCeiling,
		maxWorkers:    maxWorkers,
	}, nil
}

// Score evaluates every rule in fixed order and returns the summed points
// and the reason codes in evaluation order. The subject itself and duplicate
// ids are ignored if present in window.
func (e *Engine) Score(tx *domain.Transaction, window []*domain.Transaction) (int, []string, error) {
	if err := tx.Validate(); err != nil {
		return 0, nil, err
	}
	window = normalizeWindow(tx, window)

	var (
		total   int
		reasons []string
	)
	add := func(p int, r []string) {
		total += p
		reasons = append(reasons, r...)
	}

	b := e.builtin
	add(b.scoreNearThreshold(tx, window))
	add(b.scoreVelocity(tx, window))
	add(b.scoreGeography(tx))
	add(b.scoreKeyword(tx))
	add(e.scoreCustom(tx, window))

	return total, reasons, nil
}

func normalizeWindow(tx *domain.Transaction, window []*domain.Transaction) []*domain.Transaction {
	seen := map[string]bool{tx.ID: true}
	out := make([]*domain.Transaction, 0, len(window))
	for _, w := range window {
		if w == nil || seen[w.ID] {
			continue
		}
		seen[w.ID] = true
		out = append(out, w)
	}
	return out
}

// customResult is one CEL rule outcome, kept in an indexed slot so that
// parallel evaluation still yields rule-id order.
type customResult struct {
	points int
	reason string
}

func (e *Engine) scoreCustom(tx *domain.Transaction, window []*domain.Transaction) (int, []string) {
	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	if len(rules) == 0 {
		return 0, nil
	}

	var count int64
	var sum float64
	for _, w := range window {
		if w.SenderID == tx.SenderID {
			count++
			sum += w.Amount
		}
	}
	activation := map[string]any{
		"amount":           tx.Amount,
		"currency":         tx.Currency,
		"sender_id":        tx.SenderID,
		"receiver_id":      tx.ReceiverID,
		"tx_type":          tx.Type,
		"description":      tx.Description,
		"sender_country":   strings.ToUpper(tx.SenderCountry),
		"receiver_country": strings.ToUpper(tx.ReceiverCountry),
		"window_count":     count,
		"window_total":     sum,
	}

	results := make([]customResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = e.evaluateRule(r, activation)
		}(i, rule)
	}
	wg.Wait()

	var total int
	var reasons []string
	for _, r := range results {
		if r.reason == "" {
			continue
		}
		total += r.points
		reasons = append(reasons, r.reason)
	}
	return total, reasons
}

func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) customResult {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		slog.Warn("custom rule evaluation failed", "rule_id", rule.Config.ID, "error", err)
		return customResult{}
	}
	if v, ok := out.(types.Bool); !ok || !bool(v) {
		return customResult{}
	}
	points := rule.Config.Points
	if e.customCeiling > 0 {
		points = min(points, e.customCeiling)
	}
	return customResult{points: points, reason: CustomReason(rule.Config.ID)}
}

// CustomReason returns the reason code emitted by a firing custom rule.
func CustomReason(ruleID string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return "CUSTOM_" + strings.ToUpper(r.Replace(ruleID))
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrValidation)
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and adds (or replaces) one rule.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*CompiledRule, 0, len(e.compiledRules)+1)
	for _, r := range e.compiledRules {
		if r.Config.ID != cfg.ID {
			next = append(next, r)
		}
	}
	e.compiledRules = sortRules(append(next, compiled))
	return nil
}

// ReloadRules replaces the custom rule set atomically. Disabled rules are
// skipped; on any compile error the loaded set is left unchanged.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	next := make([]*CompiledRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	e.mu.Lock()
	e.compiledRules = sortRules(next)
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded custom rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded custom rule configurations in evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, r := range e.compiledRules {
		out = append(out, r.Config)
	}
	return out
}

// Close drops all custom rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = nil
	return nil
}

func sortRules(rules []*CompiledRule) []*CompiledRule {
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Config.ID < rules[j].Config.ID
	})
	return rules
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrValidation)
	}
	if cfg.Points <= 0 {
		return nil, fmt.Errorf("%w: rule %s: points must be positive", domain.ErrValidation, cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrValidation, cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrValidation, cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}
