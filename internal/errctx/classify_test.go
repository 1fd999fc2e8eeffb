package errctx

import (
	"errors"
	"strings"
	"testing"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/expr"
)

func TestClassifyType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorType
	}{
		{"property access", errors.New("no such attribute(s): customer.tier"), domain.ErrPropertyAccess},
		{"map key", errors.New("no such key: country"), domain.ErrPropertyAccess},
		{"method invocation", errors.New("unbound function: frobnicate"), domain.ErrMethodInvocation},
		{"undeclared reference", errors.New("undeclared reference to 'lookup'"), domain.ErrMethodInvocation},
		{"overload", errors.New("no such overload: _+_(string, double)"), domain.ErrTypeConversion},
		{"bool expectation", errors.New("expected bool result, got string"), domain.ErrTypeConversion},
		{"index", errors.New("index out of range: 5"), domain.ErrIndexOutOfBounds},
		{"null", errors.New("unexpected null value"), domain.ErrNullPointer},
		{"runtime fallback", errors.New("division by zero"), domain.ErrRuntime},
		{"nil error", nil, domain.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := Classify(tt.err, "amount > 100.0", "rule-1", nil)
			if ec.Type != tt.want {
				t.Errorf("expected %s, got %s", tt.want, ec.Type)
			}
		})
	}
}

func TestClassifyParseStageIsSyntax(t *testing.T) {
	// Parse failures classify as syntax regardless of message wording.
	err := &expr.EvalError{
		Expression: "amount > > 100",
		Stage:      "parse",
		Err:        errors.New("mismatched input '>'"),
	}

	ec := Classify(err, err.Expression, "rule-1", nil)
	if ec.Type != domain.ErrSyntax {
		t.Errorf("parse stage should classify as SYNTAX_ERROR, got %s", ec.Type)
	}
}

func TestClassifyContext(t *testing.T) {
	vars := map[string]any{
		"amount":   100.0,
		"currency": "USD",
		"age":      30,
	}

	ec := Classify(errors.New("no such attribute(s): tier"), "tier > 2", "rule-9", vars)

	if ec.RuleID != "rule-9" {
		t.Errorf("expected rule id carried, got %q", ec.RuleID)
	}
	if ec.Expression != "tier > 2" {
		t.Errorf("expected expression carried, got %q", ec.Expression)
	}
	if ec.Cause == "" {
		t.Error("expected cause text")
	}

	// Variable names are snapshotted and sorted.
	want := []string{"age", "amount", "currency"}
	if len(ec.AvailableVariables) != len(want) {
		t.Fatalf("expected %d variables, got %d", len(want), len(ec.AvailableVariables))
	}
	for i, name := range want {
		if ec.AvailableVariables[i] != name {
			t.Errorf("variable[%d]: expected %s, got %s", i, name, ec.AvailableVariables[i])
		}
	}

	if len(ec.Suggestions) == 0 {
		t.Error("expected suggestions for property access error")
	}
}

func TestSyntaxSuggestions(t *testing.T) {
	parseErr := &expr.EvalError{Stage: "parse", Err: errors.New("mismatched input")}

	tests := []struct {
		expression string
		wantHint   string
	}{
		{"(amount > 100", "Unbalanced parentheses"},
		{"amounts[0 > 1", "Unbalanced square brackets"},
		{"name == 'abc", "Unclosed string literal"},
		{"#amount > 100", "remove the '#' prefix"},
	}

	for _, tt := range tests {
		ec := Classify(parseErr, tt.expression, "rule-1", nil)
		found := false
		for _, s := range ec.Suggestions {
			if strings.Contains(s, tt.wantHint) {
				found = true
			}
		}
		if !found {
			t.Errorf("%q: expected a suggestion containing %q, got %v", tt.expression, tt.wantHint, ec.Suggestions)
		}
	}
}
