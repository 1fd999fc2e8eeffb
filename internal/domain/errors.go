package domain

import "fmt"

// ErrorType classifies evaluation failures into a fixed taxonomy.
type ErrorType string

const (
	ErrPropertyAccess   ErrorType = "PROPERTY_ACCESS"
	ErrMethodInvocation ErrorType = "METHOD_INVOCATION"
	ErrTypeConversion   ErrorType = "TYPE_CONVERSION"
	ErrNullPointer      ErrorType = "NULL_POINTER"
	ErrSyntax           ErrorType = "SYNTAX_ERROR"
	ErrIndexOutOfBounds ErrorType = "INDEX_OUT_OF_BOUNDS"
	ErrRuntime          ErrorType = "RUNTIME_ERROR"
	ErrUnknown          ErrorType = "UNKNOWN"
)

// ErrorContext captures everything needed to render an actionable message
// for a failed evaluation. Created fresh per failure, never persisted
// beyond the triggering evaluation's result.
type ErrorContext struct {
	Type               ErrorType `json:"errorType"`
	RuleID             string    `json:"ruleId,omitempty"`
	Expression         string    `json:"expression"`
	Cause              string    `json:"cause"`
	AvailableVariables []string  `json:"availableVariables,omitempty"`
	Suggestions        []string  `json:"suggestions,omitempty"`
}

// RecoveryStrategy decides what happens after an evaluation error.
type RecoveryStrategy string

const (
	ContinueWithDefault     RecoveryStrategy = "CONTINUE_WITH_DEFAULT"
	RetryWithSafeExpression RecoveryStrategy = "RETRY_WITH_SAFE_EXPRESSION"
	SkipRule                RecoveryStrategy = "SKIP_RULE"
	FailFast                RecoveryStrategy = "FAIL_FAST"
)

// ConfigurationError marks a defect in loaded configuration (cyclic
// dependencies, missing payloads). Always fatal at load time; no recovery
// strategy applies.
type ConfigurationError struct {
	Subject string // id of the offending rule/enrichment/dataset
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error in %q: %s", e.Subject, e.Reason)
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(subject, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}
