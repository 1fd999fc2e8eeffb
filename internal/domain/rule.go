package domain

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels for rules and rule results.
const (
	SeverityError   = "ERROR"
	SeverityWarning = "WARNING"
	SeverityInfo    = "INFO"
)

// Rule is a named boolean condition evaluated against context data.
// Rules are immutable after construction; Update returns a copy with
// a bumped UpdatedAt.
type Rule struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Condition string    `json:"condition" yaml:"condition"`
	Message   string    `json:"message" yaml:"message"`
	Severity  string    `json:"severity" yaml:"severity"`
	Priority  int       `json:"priority" yaml:"priority"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// NewRule constructs an enabled rule with timestamps set.
// Severity defaults to INFO.
func NewRule(id, name, condition, message string) *Rule {
	now := time.Now().UTC()
	return &Rule{
		ID:        id,
		Name:      name,
		Condition: condition,
		Message:   message,
		Severity:  SeverityInfo,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Update returns a copy of the rule with the given condition and message
// and a refreshed UpdatedAt. CreatedAt is preserved.
func (r *Rule) Update(condition, message string) *Rule {
	clone := *r
	clone.Condition = condition
	clone.Message = message
	clone.UpdatedAt = time.Now().UTC()
	return &clone
}

// GroupOperator combines rule outcomes within a group.
type GroupOperator string

const (
	OperatorAnd GroupOperator = "AND"
	OperatorOr  GroupOperator = "OR"
)

// GroupRule pairs a rule with its evaluation sequence number.
// Sequence numbers are unique within a group; equal numbers fall back
// to insertion order.
type GroupRule struct {
	Rule     *Rule `json:"rule" yaml:"rule"`
	Sequence int   `json:"sequence" yaml:"sequence"`
}

// RuleGroup is an ordered, boolean-combined set of rules.
type RuleGroup struct {
	ID                 string        `json:"id" yaml:"id"`
	Name               string        `json:"name" yaml:"name"`
	Operator           GroupOperator `json:"operator" yaml:"operator"`
	StopOnFirstFailure bool          `json:"stopOnFirstFailure" yaml:"stop-on-first-failure"`
	Rules              []GroupRule   `json:"rules" yaml:"rules"`
}

// ResultType is the kind of outcome a rule evaluation produced.
type ResultType string

const (
	ResultMatch   ResultType = "MATCH"
	ResultNoMatch ResultType = "NO_MATCH"
	ResultNoRules ResultType = "NO_RULES"
	ResultError   ResultType = "ERROR"
	// ResultSkipped marks a rule suppressed by the SkipRule recovery
	// strategy, so callers can tell it apart from a genuine NO_MATCH.
	ResultSkipped ResultType = "SKIPPED"
)

// RuleResult is the outcome of evaluating a rule or rule group.
// Construct via the factory functions only; they keep the invariant
// Triggered == (Type == ResultMatch).
type RuleResult struct {
	ID        string             `json:"id"`
	Type      ResultType         `json:"resultType"`
	RuleName  string             `json:"ruleName,omitempty"`
	Message   string             `json:"message,omitempty"`
	Severity  string             `json:"severity,omitempty"`
	Triggered bool               `json:"triggered"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   *EvaluationMetrics `json:"metrics,omitempty"`

	// Failure diagnostics, populated on group NO_MATCH: the failed rule
	// carrying the highest severity.
	FailedRuleName string `json:"failedRuleName,omitempty"`
	FailedMessage  string `json:"failedMessage,omitempty"`
	FailedSeverity string `json:"failedSeverity,omitempty"`
}

func newResult(t ResultType) RuleResult {
	return RuleResult{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// Match reports that a rule was triggered.
func Match(ruleName, message string) RuleResult {
	r := newResult(ResultMatch)
	r.RuleName = ruleName
	r.Message = message
	r.Severity = SeverityInfo
	r.Triggered = true
	return r
}

// MatchWithSeverity reports a triggered rule with an explicit severity.
func MatchWithSeverity(ruleName, message, severity string) RuleResult {
	r := Match(ruleName, message)
	if severity != "" {
		r.Severity = severity
	}
	return r
}

// NoMatch reports that no rule was triggered.
func NoMatch() RuleResult {
	return newResult(ResultNoMatch)
}

// NoMatchWithFailureInfo reports a group non-match along with the failed
// rule carrying the highest severity.
func NoMatchWithFailureInfo(failedRule, failedMessage, failedSeverity string) RuleResult {
	r := newResult(ResultNoMatch)
	r.FailedRuleName = failedRule
	r.FailedMessage = failedMessage
	r.FailedSeverity = failedSeverity
	return r
}

// NoRules reports that there was nothing to evaluate.
func NoRules() RuleResult {
	return newResult(ResultNoRules)
}

// Error reports an evaluation failure for the named rule.
func Error(ruleName, errorMessage string) RuleResult {
	r := newResult(ResultError)
	r.RuleName = ruleName
	r.Message = errorMessage
	r.Severity = SeverityError
	return r
}

// Skipped reports a rule suppressed by error recovery.
func Skipped(ruleName, reason string) RuleResult {
	r := newResult(ResultSkipped)
	r.RuleName = ruleName
	r.Message = reason
	return r
}

// WithMetrics returns a copy of the result carrying evaluation metrics.
func (r RuleResult) WithMetrics(m *EvaluationMetrics) RuleResult {
	r.Metrics = m
	return r
}

func severityRank(s string) int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// HigherSeverity returns the more severe of the two severity labels.
func HigherSeverity(a, b string) string {
	if severityRank(b) > severityRank(a) {
		return b
	}
	return a
}
