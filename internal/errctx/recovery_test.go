package errctx

import (
	"errors"
	"testing"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/expr"
)

func newRecovery(t *testing.T) *Recovery {
	t.Helper()
	evaluator, err := expr.NewEvaluator(100)
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	return NewRecovery(evaluator)
}

func TestRecoverContinueWithDefault(t *testing.T) {
	r := newRecovery(t)
	rule := domain.NewRule("r1", "age-check", "age >= 18", "adult")

	cause := errors.New("no such attribute(s): age")
	ec := Classify(cause, rule.Condition, rule.ID, nil)

	result, err := r.Recover(domain.ContinueWithDefault, rule, ec, nil, cause)
	if err != nil {
		t.Fatalf("continue-with-default must not propagate the error: %v", err)
	}
	if result.Type != domain.ResultNoMatch {
		t.Errorf("expected NO_MATCH, got %s", result.Type)
	}
	if result.Triggered {
		t.Error("recovered default must not be triggered")
	}
}

func TestRecoverSkipRule(t *testing.T) {
	r := newRecovery(t)
	rule := domain.NewRule("r2", "tier-check", "tier > 2", "high tier")

	cause := errors.New("no such attribute(s): tier")
	ec := Classify(cause, rule.Condition, rule.ID, nil)

	result, err := r.Recover(domain.SkipRule, rule, ec, nil, cause)
	if err != nil {
		t.Fatalf("skip-rule must not propagate the error: %v", err)
	}
	if result.Type != domain.ResultSkipped {
		t.Errorf("expected SKIPPED, got %s", result.Type)
	}
	if result.Triggered {
		t.Error("skipped result must not be triggered")
	}
}

func TestRecoverFailFast(t *testing.T) {
	r := newRecovery(t)
	rule := domain.NewRule("r3", "amount-check", "amount > 100.0", "large")

	cause := errors.New("no such attribute(s): amount")
	ec := Classify(cause, rule.Condition, rule.ID, nil)

	result, err := r.Recover(domain.FailFast, rule, ec, nil, cause)
	if err == nil {
		t.Fatal("fail-fast must propagate the original error")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the original cause back")
	}
	if result.Type != domain.ResultError {
		t.Errorf("expected ERROR result, got %s", result.Type)
	}
}

func TestRecoverRetryWithSafeExpression(t *testing.T) {
	r := newRecovery(t)

	// The direct chain fails against a partial object; the null-safe
	// rewrite evaluates to false and recovers to NO_MATCH.
	rule := domain.NewRule("r4", "vip-check", "customer.flags.vip", "vip customer")
	vars := map[string]any{
		"customer": map[string]any{"name": "Acme"},
	}

	cause := errors.New("no such key: flags")
	ec := Classify(cause, rule.Condition, rule.ID, vars)

	result, err := r.Recover(domain.RetryWithSafeExpression, rule, ec, vars, cause)
	if err != nil {
		t.Fatalf("retry must not propagate the error: %v", err)
	}
	if result.Type != domain.ResultNoMatch {
		t.Errorf("expected NO_MATCH after safe retry, got %s", result.Type)
	}
}

func TestRecoverRetryMatches(t *testing.T) {
	r := newRecovery(t)

	rule := domain.NewRule("r5", "vip-check", "customer.flags.vip", "vip customer")
	rule.Severity = domain.SeverityWarning
	vars := map[string]any{
		"customer": map[string]any{
			"flags": map[string]any{"vip": true},
		},
	}

	cause := errors.New("transient failure")
	ec := Classify(cause, rule.Condition, rule.ID, vars)

	result, err := r.Recover(domain.RetryWithSafeExpression, rule, ec, vars, cause)
	if err != nil {
		t.Fatalf("retry must not propagate the error: %v", err)
	}
	if result.Type != domain.ResultMatch {
		t.Errorf("expected MATCH when the safe retry succeeds, got %s", result.Type)
	}
	if !result.Triggered {
		t.Error("match must be triggered")
	}
	if result.Severity != domain.SeverityWarning {
		t.Errorf("expected severity carried, got %q", result.Severity)
	}
}

func TestRecoverRetryNoRewritePossible(t *testing.T) {
	r := newRecovery(t)

	// No property chain to rewrite: degrade straight to the default.
	rule := domain.NewRule("r6", "age-check", "age >= 18", "adult")

	cause := errors.New("no such attribute(s): age")
	ec := Classify(cause, rule.Condition, rule.ID, nil)

	result, err := r.Recover(domain.RetryWithSafeExpression, rule, ec, nil, cause)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Type != domain.ResultNoMatch {
		t.Errorf("expected NO_MATCH, got %s", result.Type)
	}
}
