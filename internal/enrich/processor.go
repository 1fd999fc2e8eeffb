// Package enrich runs configured enrichment pipelines against target
// objects: lookup, field, calculation and conditional-mapping steps in
// dependency order.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/errctx"
	"github.com/apexrules/apex/internal/expr"
	"github.com/apexrules/apex/internal/lookup"
	"github.com/apexrules/apex/internal/monitor"
)

// Processor orchestrates enrichment steps. Definitions are immutable and
// the processor holds no per-run state, so a single Processor serves
// concurrent callers.
type Processor struct {
	evaluator  *expr.Evaluator
	lookups    *lookup.Service
	monitor    *monitor.Monitor
	policy     domain.FailurePolicy
	maxWorkers int
	logger     *slog.Logger
}

// New creates an enrichment processor. The failure policy is global per
// processor: fail-fast aborts a run on the first failed step,
// continue-with-default records the failure and moves on.
func New(evaluator *expr.Evaluator, lookups *lookup.Service, mon *monitor.Monitor, policy domain.FailurePolicy, maxWorkers int, logger *slog.Logger) *Processor {
	if policy == "" {
		policy = domain.PolicyContinueWithDefault
	}
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		evaluator:  evaluator,
		lookups:    lookups,
		monitor:    mon,
		policy:     policy,
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

// Process runs the enrichments against target and returns the enriched
// copy plus one outcome per executed step. The input object is never
// mutated. Under fail-fast the first failed step also returns an error.
func (p *Processor) Process(ctx context.Context, enrichments []*domain.Enrichment, target map[string]any) (map[string]any, []domain.EnrichmentOutcome, error) {
	ordered, err := Order(enrichments)
	if err != nil {
		return nil, nil, err
	}

	acc := cloneObject(target)
	outcomes := make([]domain.EnrichmentOutcome, 0, len(ordered))

	for _, e := range ordered {
		select {
		case <-ctx.Done():
			return acc, outcomes, ctx.Err()
		default:
		}

		if !e.Enabled {
			outcomes = append(outcomes, domain.EnrichmentOutcome{
				EnrichmentID: e.ID,
				Status:       domain.OutcomeSkipped,
			})
			continue
		}

		outcome := p.runStep(ctx, e, acc)
		outcomes = append(outcomes, outcome)

		if outcome.Status == domain.OutcomeFailed && p.policy == domain.PolicyFailFast {
			return acc, outcomes, fmt.Errorf("enrichment %s failed: %s", e.ID, outcome.Error)
		}
	}

	return acc, outcomes, nil
}

// ProcessBatch enriches many objects with the same configuration in
// parallel, bounded by the worker limit. Cancellation is cooperative
// between objects; under fail-fast the first failure stops new objects
// from starting.
func (p *Processor) ProcessBatch(ctx context.Context, enrichments []*domain.Enrichment, targets []map[string]any) ([]map[string]any, [][]domain.EnrichmentOutcome, error) {
	if _, err := Order(enrichments); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]map[string]any, len(targets))
	outcomes := make([][]domain.EnrichmentOutcome, len(targets))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, p.maxWorkers)

	for i, target := range targets {
		select {
		case <-ctx.Done():
			wg.Wait()
			if firstErr != nil {
				return results, outcomes, firstErr
			}
			return results, outcomes, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, target map[string]any) {
			defer wg.Done()
			defer func() { <-sem }()

			enriched, out, err := p.Process(ctx, enrichments, target)
			results[i] = enriched
			outcomes[i] = out
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("object %d: %w", i, err)
				}
				mu.Unlock()
				cancel()
			}
		}(i, target)
	}

	wg.Wait()
	return results, outcomes, firstErr
}

// runStep executes one enrichment against the accumulated object,
// mutating acc in place (Process owns the copy). The whole step is timed
// under the enrichment's id.
func (p *Processor) runStep(ctx context.Context, e *domain.Enrichment, acc map[string]any) domain.EnrichmentOutcome {
	outcome := domain.EnrichmentOutcome{EnrichmentID: e.ID}

	primary := primaryExpression(e)
	var stepErr error
	metrics := p.monitor.Track(e.ID, primary, expr.ComplexityScore(primary), false, func() error {
		if e.Condition != "" {
			ok, err := p.evaluator.EvalBoolString(e.Condition, acc)
			if err != nil {
				stepErr = fmt.Errorf("condition: %w", err)
				return stepErr
			}
			if !ok {
				outcome.Status = domain.OutcomeSkipped
				return nil
			}
		}

		fields, status, err := p.dispatch(ctx, e, acc)
		if err != nil {
			stepErr = err
			return stepErr
		}
		outcome.Status = status
		outcome.Fields = fields
		return nil
	})
	outcome.Metrics = metrics

	if stepErr != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Error = stepErr.Error()
		outcome.ErrorContext = errctx.Classify(stepErr, primary, e.ID, acc)
		p.logger.Warn("enrichment step failed",
			"enrichment", e.ID,
			"type", e.Type,
			"error", stepErr)
	}
	return outcome
}

func (p *Processor) dispatch(ctx context.Context, e *domain.Enrichment, acc map[string]any) ([]string, domain.OutcomeStatus, error) {
	switch e.Type {
	case domain.EnrichmentLookup:
		return p.applyLookup(ctx, e, acc)
	case domain.EnrichmentField:
		return p.applyField(e, acc)
	case domain.EnrichmentCalculation:
		return p.applyCalculation(e, acc)
	case domain.EnrichmentConditionalMapping:
		return p.applyConditionalMapping(ctx, e, acc)
	default:
		return nil, domain.OutcomeFailed, domain.NewConfigurationError(e.ID, "unknown enrichment type %q", e.Type)
	}
}

// applyLookup resolves the key expression against the dataset and copies
// mapped record fields onto the object. A miss applies mapping-level
// defaults; a required mapping without a default escalates to a hard
// failure.
func (p *Processor) applyLookup(ctx context.Context, e *domain.Enrichment, acc map[string]any) ([]string, domain.OutcomeStatus, error) {
	cfg := e.Lookup

	key, err := p.evaluator.EvalString(cfg.LookupKey, acc)
	if err != nil {
		return nil, domain.OutcomeFailed, fmt.Errorf("lookup key: %w", err)
	}

	ds := cfg.Dataset
	if ds == nil {
		registered, ok := p.lookups.Dataset(cfg.DatasetRef)
		if !ok {
			return nil, domain.OutcomeFailed, fmt.Errorf("%w: %s", lookup.ErrDatasetNotFound, cfg.DatasetRef)
		}
		ds = registered
	}

	rec, found, err := p.lookups.ResolveDataset(ctx, ds, key)
	if err != nil {
		return nil, domain.OutcomeFailed, err
	}
	if !found {
		var fields []string
		for _, m := range cfg.FieldMappings {
			if m.Required && m.DefaultValue == nil {
				return nil, domain.OutcomeFailed,
					fmt.Errorf("required mapping %s -> %s: no record for key %v", m.SourceField, m.TargetField, key)
			}
			if m.DefaultValue != nil {
				acc[m.TargetField] = m.DefaultValue
				fields = append(fields, m.TargetField)
			}
		}
		if len(fields) == 0 {
			return nil, domain.OutcomeNoData, nil
		}
		return fields, domain.OutcomeApplied, nil
	}

	fields, err := p.applyMappings(cfg.FieldMappings, rec, acc)
	if err != nil {
		return nil, domain.OutcomeFailed, err
	}
	return fields, domain.OutcomeApplied, nil
}

// applyField maps fields of the object onto itself, optionally through
// transformation expressions, and applies the first matching conditional
// mapping.
func (p *Processor) applyField(e *domain.Enrichment, acc map[string]any) ([]string, domain.OutcomeStatus, error) {
	fields, err := p.applyMappings(e.FieldMappings, acc, acc)
	if err != nil {
		return nil, domain.OutcomeFailed, err
	}

	for _, cm := range e.ConditionalMappings {
		ok, err := p.evalConditionGroup(cm.Conditions, acc)
		if err != nil {
			return nil, domain.OutcomeFailed, fmt.Errorf("conditional mapping: %w", err)
		}
		if !ok {
			continue
		}
		more, err := p.applyMappings(cm.FieldMappings, acc, acc)
		if err != nil {
			return nil, domain.OutcomeFailed, err
		}
		fields = append(fields, more...)
		break
	}

	if len(fields) == 0 {
		return nil, domain.OutcomeNoData, nil
	}
	return fields, domain.OutcomeApplied, nil
}

func (p *Processor) applyCalculation(e *domain.Enrichment, acc map[string]any) ([]string, domain.OutcomeStatus, error) {
	val, err := p.evaluator.EvalString(e.Calculation.Expression, acc)
	if err != nil {
		return nil, domain.OutcomeFailed, fmt.Errorf("calculation: %w", err)
	}
	acc[e.Calculation.ResultField] = val
	return []string{e.Calculation.ResultField}, domain.OutcomeApplied, nil
}

// applyConditionalMapping evaluates mapping rules in ascending priority
// and applies the first whose condition tree matches. With stopOnFirstMatch
// disabled every matching rule applies, later writes winning.
func (p *Processor) applyConditionalMapping(ctx context.Context, e *domain.Enrichment, acc map[string]any) ([]string, domain.OutcomeStatus, error) {
	rules := make([]domain.MappingRule, len(e.MappingRules))
	copy(rules, e.MappingRules)
	sort.SliceStable(rules, func(a, b int) bool { return rules[a].Priority < rules[b].Priority })

	matched := false
	for _, rule := range rules {
		ok, err := p.evalConditionGroup(rule.Conditions, acc)
		if err != nil {
			return nil, domain.OutcomeFailed, fmt.Errorf("mapping rule %s: %w", rule.ID, err)
		}
		if !ok {
			continue
		}

		val, err := p.mappingValue(ctx, rule.Mapping, acc)
		if err != nil {
			if rule.Mapping.FallbackValue == nil {
				return nil, domain.OutcomeFailed, fmt.Errorf("mapping rule %s: %w", rule.ID, err)
			}
			val = rule.Mapping.FallbackValue
		}
		acc[e.TargetField] = val
		matched = true

		if e.ExecutionSettings.LogMatchedRule {
			p.logger.Info("mapping rule matched",
				"enrichment", e.ID,
				"rule", rule.ID,
				"target", e.TargetField)
		}
		if e.ExecutionSettings.StopOnFirstMatchOrDefault() {
			break
		}
	}

	if !matched {
		return nil, domain.OutcomeNoData, nil
	}
	return []string{e.TargetField}, domain.OutcomeApplied, nil
}

// mappingValue produces the mapped value for a matched rule: a direct
// transformation of a source field, or a nested lookup.
func (p *Processor) mappingValue(ctx context.Context, m domain.MappingConfig, acc map[string]any) (any, error) {
	switch m.Type {
	case "lookup":
		if m.Lookup == nil {
			return nil, fmt.Errorf("lookup mapping missing lookup payload")
		}
		key, err := p.evaluator.EvalString(m.Lookup.LookupKey, acc)
		if err != nil {
			return nil, err
		}
		ds := m.Lookup.Dataset
		if ds == nil {
			registered, ok := p.lookups.Dataset(m.Lookup.DatasetRef)
			if !ok {
				return nil, fmt.Errorf("%w: %s", lookup.ErrDatasetNotFound, m.Lookup.DatasetRef)
			}
			ds = registered
		}
		rec, found, err := p.lookups.ResolveDataset(ctx, ds, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("no record for key %v in dataset %s", key, ds.ID)
		}
		if len(m.Lookup.FieldMappings) > 0 {
			return rec[m.Lookup.FieldMappings[0].SourceField], nil
		}
		return map[string]any(rec), nil

	default: // direct
		if m.Transformation != "" {
			vars := acc
			if m.SourceField != "" {
				v, _ := getField(acc, m.SourceField)
				vars = withValue(acc, v)
			}
			return p.evaluator.EvalString(m.Transformation, vars)
		}
		if m.SourceField != "" {
			v, ok := getField(acc, m.SourceField)
			if !ok {
				return nil, fmt.Errorf("source field %s not present", m.SourceField)
			}
			return v, nil
		}
		return m.FallbackValue, nil
	}
}

// applyMappings copies source fields to target fields, through optional
// transformations. source and acc may be the same map for field
// enrichments.
func (p *Processor) applyMappings(mappings []domain.FieldMapping, source map[string]any, acc map[string]any) ([]string, error) {
	var fields []string
	for _, m := range mappings {
		val, ok := getField(source, m.SourceField)
		if !ok || val == nil {
			if m.DefaultValue != nil {
				val = m.DefaultValue
			} else if m.Required {
				return nil, fmt.Errorf("required mapping %s -> %s: no resolved value", m.SourceField, m.TargetField)
			} else {
				continue
			}
		} else if m.Transformation != "" {
			transformed, err := p.evaluator.EvalString(m.Transformation, withValue(acc, val))
			if err != nil {
				return nil, fmt.Errorf("transformation for %s: %w", m.TargetField, err)
			}
			val = transformed
		}

		target := m.TargetField
		if target == "" {
			target = m.SourceField
		}
		acc[target] = val
		fields = append(fields, target)
	}
	return fields, nil
}

// primaryExpression picks the step's representative expression for
// metrics and error context.
func primaryExpression(e *domain.Enrichment) string {
	switch e.Type {
	case domain.EnrichmentLookup:
		if e.Lookup != nil {
			return e.Lookup.LookupKey
		}
	case domain.EnrichmentCalculation:
		if e.Calculation != nil {
			return e.Calculation.Expression
		}
	}
	if e.Condition != "" {
		return e.Condition
	}
	return ""
}
