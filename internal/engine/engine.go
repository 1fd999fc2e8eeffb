// Package engine is the evaluation facade: it holds the loaded rules,
// groups, enrichments and datasets, and exposes the evaluate and enrich
// entrypoints.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/enrich"
	"github.com/apexrules/apex/internal/errctx"
	"github.com/apexrules/apex/internal/expr"
	"github.com/apexrules/apex/internal/lookup"
	"github.com/apexrules/apex/internal/monitor"
)

// Engine wires the evaluator, lookup service, enrichment processor,
// monitor and error recovery behind one registry of loaded
// configuration. Loaded definitions are immutable; reloads swap whole
// maps under the lock.
type Engine struct {
	mu          sync.RWMutex
	rules       map[string]*domain.Rule
	groups      map[string]*domain.RuleGroup
	enrichments map[string]*domain.Enrichment

	evaluator *expr.Evaluator
	recovery  *errctx.Recovery
	processor *enrich.Processor
	lookups   *lookup.Service
	monitor   *monitor.Monitor
	strategy  domain.RecoveryStrategy
	logger    *slog.Logger
}

// New creates an engine from the engine configuration. cache may be nil
// to run without lookup-result caching.
func New(cfg domain.EngineConfig, cache domain.Cache, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	evaluator, err := expr.NewEvaluator(cfg.ExpressionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}

	mon := monitor.New(cfg.HistorySize)
	lookups := lookup.New(cache, cfg.LookupTimeout, logger)
	processor := enrich.New(evaluator, lookups, mon, cfg.FailurePolicy, cfg.MaxWorkers, logger)

	strategy := cfg.RecoveryStrategy
	if strategy == "" {
		strategy = domain.ContinueWithDefault
	}

	e := &Engine{
		rules:       make(map[string]*domain.Rule),
		groups:      make(map[string]*domain.RuleGroup),
		enrichments: make(map[string]*domain.Enrichment),
		evaluator:   evaluator,
		recovery:    errctx.NewRecovery(evaluator),
		processor:   processor,
		lookups:     lookups,
		monitor:     mon,
		strategy:    strategy,
		logger:      logger,
	}

	logger.Info("rule engine initialized",
		"expression_cache_size", cfg.ExpressionCacheSize,
		"recovery_strategy", strategy,
		"failure_policy", cfg.FailurePolicy)
	return e, nil
}

// Lookups exposes the lookup service for dataset and connector
// registration.
func (e *Engine) Lookups() *lookup.Service { return e.lookups }

// Monitor exposes the performance monitor.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// Evaluator exposes the shared expression evaluator.
func (e *Engine) Evaluator() *expr.Evaluator { return e.evaluator }

// LoadRule validates and registers one rule. The condition is compiled
// eagerly so syntax defects surface at load time.
func (e *Engine) LoadRule(rule *domain.Rule) error {
	if rule.ID == "" {
		return domain.NewConfigurationError("", "rule missing id")
	}
	if rule.Condition == "" {
		return domain.NewConfigurationError(rule.ID, "rule missing condition")
	}
	if _, _, err := e.evaluator.Compile(rule.Condition); err != nil {
		return domain.NewConfigurationError(rule.ID, "invalid condition: %v", err)
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	return nil
}

// LoadRules registers a batch of rules, failing on the first defect.
func (e *Engine) LoadRules(rules []*domain.Rule) error {
	for _, rule := range rules {
		if err := e.LoadRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// LoadGroup validates and registers a rule group. Member rules are
// registered as well.
func (e *Engine) LoadGroup(group *domain.RuleGroup) error {
	if group.ID == "" {
		return domain.NewConfigurationError("", "rule group missing id")
	}
	seen := make(map[int]bool, len(group.Rules))
	for _, gr := range group.Rules {
		if gr.Rule == nil {
			return domain.NewConfigurationError(group.ID, "group entry missing rule")
		}
		if seen[gr.Sequence] {
			return domain.NewConfigurationError(group.ID, "duplicate sequence number %d", gr.Sequence)
		}
		seen[gr.Sequence] = true
		if err := e.LoadRule(gr.Rule); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.groups[group.ID] = group
	e.mu.Unlock()
	return nil
}

// LoadEnrichments validates payloads and the dependency order eagerly,
// then registers the batch.
func (e *Engine) LoadEnrichments(enrichments []*domain.Enrichment) error {
	if err := enrich.ValidateConfigs(enrichments); err != nil {
		return err
	}

	e.mu.Lock()
	for _, en := range enrichments {
		e.enrichments[en.ID] = en
	}
	e.mu.Unlock()
	return nil
}

// ReloadRules atomically replaces the loaded rule set.
func (e *Engine) ReloadRules(rules []*domain.Rule) error {
	next := make(map[string]*domain.Rule, len(rules))
	for _, rule := range rules {
		if rule.ID == "" || rule.Condition == "" {
			return domain.NewConfigurationError(rule.ID, "rule missing id or condition")
		}
		if _, _, err := e.evaluator.Compile(rule.Condition); err != nil {
			return domain.NewConfigurationError(rule.ID, "invalid condition: %v", err)
		}
		next[rule.ID] = rule
	}

	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()

	e.logger.Info("rules reloaded", "count", len(next))
	return nil
}

// Rule returns a loaded rule by id.
func (e *Engine) Rule(id string) (*domain.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns all loaded rules.
func (e *Engine) Rules() []*domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteRule removes a rule from the registry.
func (e *Engine) DeleteRule(id string) {
	e.mu.Lock()
	delete(e.rules, id)
	e.mu.Unlock()
}

// Group returns a loaded rule group by id.
func (e *Engine) Group(id string) (*domain.RuleGroup, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.groups[id]
	return g, ok
}

// Groups returns all loaded rule groups.
func (e *Engine) Groups() []*domain.RuleGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.RuleGroup, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteGroup removes a rule group from the registry. Member rules stay
// registered.
func (e *Engine) DeleteGroup(id string) {
	e.mu.Lock()
	delete(e.groups, id)
	e.mu.Unlock()
}

// Enrichment returns a loaded enrichment by id.
func (e *Engine) Enrichment(id string) (*domain.Enrichment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.enrichments[id]
	return en, ok
}

// Enrichments returns all loaded enrichments.
func (e *Engine) Enrichments() []*domain.Enrichment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Enrichment, 0, len(e.enrichments))
	for _, en := range e.enrichments {
		out = append(out, en)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteEnrichment removes an enrichment from the registry.
func (e *Engine) DeleteEnrichment(id string) {
	e.mu.Lock()
	delete(e.enrichments, id)
	e.mu.Unlock()
}

// EvaluateRule evaluates one rule against the variable bindings.
// Evaluation errors are classified and recovered per the configured
// strategy; the returned error is non-nil only under fail-fast.
func (e *Engine) EvaluateRule(ctx context.Context, rule *domain.Rule, vars map[string]any) (domain.RuleResult, error) {
	if !rule.Enabled {
		return domain.Skipped(rule.Name, "rule disabled"), nil
	}

	var (
		matched bool
		evalErr error
	)
	compiled, hit, compileErr := e.evaluator.Compile(rule.Condition)

	complexity := 0
	if compiled != nil {
		complexity = compiled.Complexity
	}
	metrics := e.monitor.Track(rule.ID, rule.Condition, complexity, hit, func() error {
		if compileErr != nil {
			evalErr = compileErr
			return evalErr
		}
		matched, evalErr = e.evaluator.EvaluateBool(compiled, vars)
		return evalErr
	})

	if evalErr != nil {
		ec := errctx.Classify(evalErr, rule.Condition, rule.ID, vars)
		e.logger.Warn("rule evaluation failed",
			"rule_id", rule.ID,
			"error_type", ec.Type,
			"error", evalErr)

		result, fatal := e.recovery.Recover(e.strategy, rule, ec, vars, evalErr)
		return result.WithMetrics(metrics), fatal
	}

	if matched {
		return domain.MatchWithSeverity(rule.Name, rule.Message, rule.Severity).WithMetrics(metrics), nil
	}
	return domain.NoMatch().WithMetrics(metrics), nil
}

// EvaluateRuleByID evaluates a loaded rule.
func (e *Engine) EvaluateRuleByID(ctx context.Context, ruleID string, vars map[string]any) (domain.RuleResult, error) {
	rule, ok := e.Rule(ruleID)
	if !ok {
		return domain.RuleResult{}, fmt.Errorf("rule not found: %s", ruleID)
	}
	return e.EvaluateRule(ctx, rule, vars)
}

// EvaluateGroup evaluates the group's rules in ascending sequence order,
// combining outcomes with the group operator. Disabled rules do not
// participate. An empty group is NO_RULES, never an error.
func (e *Engine) EvaluateGroup(ctx context.Context, group *domain.RuleGroup, vars map[string]any) (domain.RuleResult, error) {
	members := make([]domain.GroupRule, 0, len(group.Rules))
	for _, gr := range group.Rules {
		if gr.Rule != nil && gr.Rule.Enabled {
			members = append(members, gr)
		}
	}
	if len(members) == 0 {
		return domain.NoRules(), nil
	}

	sort.SliceStable(members, func(i, j int) bool { return members[i].Sequence < members[j].Sequence })

	var (
		failedRule     *domain.Rule
		failedSeverity string
		firstMatch     *domain.RuleResult
		allMatched     = true
		anyMatched     = false
	)

	for _, gr := range members {
		result, err := e.EvaluateRule(ctx, gr.Rule, vars)
		if err != nil {
			return result, err
		}

		if result.Triggered {
			anyMatched = true
			if firstMatch == nil {
				r := result
				firstMatch = &r
			}
			if group.Operator == domain.OperatorOr && group.StopOnFirstFailure {
				break
			}
		} else {
			allMatched = false
			if failedRule == nil || domain.HigherSeverity(failedSeverity, gr.Rule.Severity) == gr.Rule.Severity {
				failedRule = gr.Rule
				failedSeverity = gr.Rule.Severity
			}
			if group.Operator == domain.OperatorAnd && group.StopOnFirstFailure {
				break
			}
		}
	}

	switch group.Operator {
	case domain.OperatorOr:
		if anyMatched {
			return domain.MatchWithSeverity(firstMatch.RuleName, firstMatch.Message, firstMatch.Severity), nil
		}
	default: // AND
		if allMatched {
			return domain.Match(group.Name, "all rules matched"), nil
		}
	}

	if failedRule != nil {
		return domain.NoMatchWithFailureInfo(failedRule.Name, failedRule.Message, failedRule.Severity), nil
	}
	return domain.NoMatch(), nil
}

// EvaluateGroupByID evaluates a loaded group.
func (e *Engine) EvaluateGroupByID(ctx context.Context, groupID string, vars map[string]any) (domain.RuleResult, error) {
	group, ok := e.Group(groupID)
	if !ok {
		return domain.RuleResult{}, fmt.Errorf("rule group not found: %s", groupID)
	}
	return e.EvaluateGroup(ctx, group, vars)
}

// Enrich runs the given enrichments against the target. With a nil
// config slice the engine's loaded enrichments run instead.
func (e *Engine) Enrich(ctx context.Context, enrichments []*domain.Enrichment, target map[string]any) (map[string]any, []domain.EnrichmentOutcome, error) {
	if enrichments == nil {
		enrichments = e.Enrichments()
	}
	return e.processor.Process(ctx, enrichments, target)
}

// EnrichBatch enriches many objects in parallel with the same config.
func (e *Engine) EnrichBatch(ctx context.Context, enrichments []*domain.Enrichment, targets []map[string]any) ([]map[string]any, [][]domain.EnrichmentOutcome, error) {
	if enrichments == nil {
		enrichments = e.Enrichments()
	}
	return e.processor.ProcessBatch(ctx, enrichments, targets)
}
