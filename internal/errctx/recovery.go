package errctx

import (
	"log/slog"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/expr"
)

// Recovery applies a configured strategy after a rule evaluation error.
//
// State machine: Evaluating -> Classifying -> Recovering -> one of
// Matched, NotMatched, Failed. No cycles; the single retry permitted by
// RetryWithSafeExpression falls back to the default path on a second
// failure.
type Recovery struct {
	evaluator *expr.Evaluator
}

// NewRecovery creates a recovery service bound to the shared evaluator.
func NewRecovery(evaluator *expr.Evaluator) *Recovery {
	return &Recovery{evaluator: evaluator}
}

// Recover converts a classified failure into a rule result according to
// the strategy. The returned error is non-nil only under FailFast, where
// the original failure must abort the enclosing run.
func (r *Recovery) Recover(strategy domain.RecoveryStrategy, rule *domain.Rule, ec *domain.ErrorContext, vars map[string]any, cause error) (domain.RuleResult, error) {
	switch strategy {
	case domain.RetryWithSafeExpression:
		return r.retrySafe(rule, ec, vars), nil

	case domain.SkipRule:
		slog.Warn("rule skipped after evaluation error",
			"rule_id", rule.ID,
			"expression", ec.Expression,
			"error_type", ec.Type,
		)
		return domain.Skipped(rule.Name, "skipped after "+string(ec.Type)), nil

	case domain.FailFast:
		return domain.Error(rule.Name, ec.Cause), cause

	case domain.ContinueWithDefault:
		fallthrough
	default:
		return domain.NoMatch(), nil
	}
}

// retrySafe rewrites the condition with null-safe chains and evaluates it
// once more. Any failure on the retry degrades to the default result.
func (r *Recovery) retrySafe(rule *domain.Rule, ec *domain.ErrorContext, vars map[string]any) domain.RuleResult {
	safe := expr.SafeExpression(rule.Condition)
	if safe == rule.Condition {
		return domain.NoMatch()
	}

	slog.Debug("retrying rule with safe expression",
		"rule_id", rule.ID,
		"safe_expression", safe,
	)

	matched, err := r.evaluator.EvalBoolString(safe, vars)
	if err != nil {
		return domain.NoMatch()
	}
	if matched {
		return domain.MatchWithSeverity(rule.Name, rule.Message, rule.Severity)
	}
	return domain.NoMatch()
}
