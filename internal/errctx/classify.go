// Package errctx classifies evaluation failures and applies recovery
// strategies.
package errctx

import (
	"errors"
	"sort"
	"strings"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/expr"
)

// Classify maps an evaluation error onto the error taxonomy and builds a
// context with the expression text, a snapshot of the available variable
// names and ordered suggestions.
func Classify(err error, expression, subjectID string, vars map[string]any) *domain.ErrorContext {
	ec := &domain.ErrorContext{
		Type:       classifyType(err),
		RuleID:     subjectID,
		Expression: expression,
	}
	if err != nil {
		ec.Cause = err.Error()
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	ec.AvailableVariables = names

	ec.Suggestions = suggestions(ec.Type, expression)
	return ec
}

func classifyType(err error) domain.ErrorType {
	if err == nil {
		return domain.ErrUnknown
	}

	var evalErr *expr.EvalError
	if errors.As(err, &evalErr) && evalErr.Stage == "parse" {
		return domain.ErrSyntax
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such attribute"),
		strings.Contains(msg, "no such key"),
		strings.Contains(msg, "no such field"):
		return domain.ErrPropertyAccess
	case strings.Contains(msg, "no such function"),
		strings.Contains(msg, "unbound function"),
		strings.Contains(msg, "undeclared reference"):
		return domain.ErrMethodInvocation
	case strings.Contains(msg, "no such overload"),
		strings.Contains(msg, "type conversion"),
		strings.Contains(msg, "unsupported conversion"),
		strings.Contains(msg, "expected bool result"):
		return domain.ErrTypeConversion
	case strings.Contains(msg, "index out of range"),
		strings.Contains(msg, "index out of bounds"):
		return domain.ErrIndexOutOfBounds
	case strings.Contains(msg, "null"), strings.Contains(msg, "nil "):
		return domain.ErrNullPointer
	case strings.Contains(msg, "syntax error"):
		return domain.ErrSyntax
	}
	return domain.ErrRuntime
}

func suggestions(t domain.ErrorType, expression string) []string {
	var out []string
	switch t {
	case domain.ErrPropertyAccess:
		out = append(out,
			"Verify that the property exists in the evaluation context",
			"Check for typos in property names",
			"Use optional selection (.?) if the property might be absent",
		)
	case domain.ErrMethodInvocation:
		out = append(out,
			"Check the function name and parameter types",
			"Verify that the correct number of parameters are provided",
		)
	case domain.ErrTypeConversion:
		out = append(out,
			"Check data types in the expression",
			"Use explicit conversion (int(), double(), string()) where operands differ",
			"Verify that input data matches the expected types",
		)
	case domain.ErrNullPointer:
		out = append(out,
			"Add null handling with optional selection (.?) and orValue()",
			"Ensure all required data is present in the context map",
		)
	case domain.ErrSyntax:
		out = append(out, syntaxIssues(expression)...)
		out = append(out,
			"Check for missing quotes around string literals",
			"Verify operator usage and precedence",
		)
	case domain.ErrIndexOutOfBounds:
		out = append(out,
			"Verify collection indices are within bounds",
			"Check that the value is actually a list",
		)
	}
	if len(out) == 0 {
		out = append(out,
			"Review the expression for errors",
			"Ensure all referenced variables are available in the evaluation context",
		)
	}
	return out
}

// syntaxIssues scans the expression text for common mistakes.
func syntaxIssues(expression string) []string {
	var issues []string

	parens, brackets, braces := 0, 0, 0
	var quote byte
	for i := 0; i < len(expression); i++ {
		c := expression[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			parens++
		case ')':
			parens--
		case '[':
			brackets++
		case ']':
			brackets--
		case '{':
			braces++
		case '}':
			braces--
		}
	}

	if parens != 0 {
		issues = append(issues, "Unbalanced parentheses in expression")
	}
	if brackets != 0 {
		issues = append(issues, "Unbalanced square brackets in expression")
	}
	if braces != 0 {
		issues = append(issues, "Unbalanced braces in expression")
	}
	if quote != 0 {
		issues = append(issues, "Unclosed string literal in expression")
	}
	if strings.Contains(expression, "#") {
		issues = append(issues, "Variables are referenced by bare name; remove the '#' prefix")
	}
	return issues
}
