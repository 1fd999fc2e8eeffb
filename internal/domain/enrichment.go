package domain

// EnrichmentType identifies the kind of an enrichment step.
type EnrichmentType string

const (
	EnrichmentLookup             EnrichmentType = "lookup"
	EnrichmentField              EnrichmentType = "field"
	EnrichmentCalculation        EnrichmentType = "calculation"
	EnrichmentConditionalMapping EnrichmentType = "conditional-mapping"
)

// Enrichment is a configured step that adds or transforms fields on a
// target object. Exactly one of the type-specific payloads is populated,
// matching Type.
type Enrichment struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type      EnrichmentType `json:"type" yaml:"type"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Priority  int            `json:"priority" yaml:"priority"`
	DependsOn []string       `json:"dependsOn,omitempty" yaml:"depends-on,omitempty"`

	// lookup payload
	Lookup *LookupConfig `json:"lookup,omitempty" yaml:"lookup,omitempty"`

	// field payload
	FieldMappings       []FieldMapping       `json:"fieldMappings,omitempty" yaml:"field-mappings,omitempty"`
	ConditionalMappings []ConditionalMapping `json:"conditionalMappings,omitempty" yaml:"conditional-mappings,omitempty"`

	// calculation payload
	Calculation *CalculationConfig `json:"calculation,omitempty" yaml:"calculation,omitempty"`

	// conditional-mapping payload
	TargetField       string            `json:"targetField,omitempty" yaml:"target-field,omitempty"`
	MappingRules      []MappingRule     `json:"mappingRules,omitempty" yaml:"mapping-rules,omitempty"`
	ExecutionSettings ExecutionSettings `json:"executionSettings,omitempty" yaml:"execution-settings,omitempty"`
}

// FieldMapping copies (or transforms) one source field onto a target field.
type FieldMapping struct {
	SourceField string `json:"sourceField" yaml:"source-field"`
	TargetField string `json:"targetField" yaml:"target-field"`
	// Transformation is an optional expression; the source value is bound
	// as "value" during evaluation. Absent means plain copy.
	Transformation string `json:"transformation,omitempty" yaml:"transformation,omitempty"`
	DefaultValue   any    `json:"defaultValue,omitempty" yaml:"default-value,omitempty"`
	Required       bool   `json:"required" yaml:"required"`
}

// LookupConfig describes a lookup enrichment: a key expression plus the
// dataset to resolve against.
type LookupConfig struct {
	LookupKey     string         `json:"lookupKey" yaml:"lookup-key"`
	DatasetRef    string         `json:"datasetRef,omitempty" yaml:"dataset-ref,omitempty"`
	Dataset       *LookupDataset `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	FieldMappings []FieldMapping `json:"fieldMappings" yaml:"field-mappings"`
}

// CalculationConfig evaluates a single expression into a result field.
type CalculationConfig struct {
	Expression  string `json:"expression" yaml:"expression"`
	ResultField string `json:"resultField" yaml:"result-field"`
}

// ConditionalMapping applies its field mappings when the condition group
// matches. Mappings are checked in order; the first match wins.
type ConditionalMapping struct {
	Conditions    ConditionGroup `json:"conditions" yaml:"conditions"`
	FieldMappings []FieldMapping `json:"fieldMappings" yaml:"field-mappings"`
}

// ConditionGroup is an AND/OR tree of leaf conditions.
type ConditionGroup struct {
	Operator string          `json:"operator" yaml:"operator"` // "AND" or "OR"
	Rules    []ConditionRule `json:"rules" yaml:"rules"`
	Groups   []ConditionGroup `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// ConditionRule is a leaf condition expression.
type ConditionRule struct {
	Condition   string `json:"condition" yaml:"condition"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// MappingRule maps a matched condition tree onto a target value.
type MappingRule struct {
	ID         string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Priority   int            `json:"priority" yaml:"priority"`
	Conditions ConditionGroup `json:"conditions" yaml:"conditions"`
	Mapping    MappingConfig  `json:"mapping" yaml:"mapping"`
}

// MappingConfig produces the mapped value: either a direct transformation
// expression or a nested lookup.
type MappingConfig struct {
	Type           string        `json:"type" yaml:"type"` // "direct" or "lookup"
	SourceField    string        `json:"sourceField,omitempty" yaml:"source-field,omitempty"`
	Transformation string        `json:"transformation,omitempty" yaml:"transformation,omitempty"`
	FallbackValue  any           `json:"fallbackValue,omitempty" yaml:"fallback-value,omitempty"`
	Lookup         *LookupConfig `json:"lookup,omitempty" yaml:"lookup,omitempty"`
}

// ExecutionSettings tune conditional-mapping evaluation.
type ExecutionSettings struct {
	StopOnFirstMatch *bool `json:"stopOnFirstMatch,omitempty" yaml:"stop-on-first-match,omitempty"`
	LogMatchedRule   bool  `json:"logMatchedRule" yaml:"log-matched-rule"`
	ValidateResult   bool  `json:"validateResult" yaml:"validate-result"`
}

// StopOnFirstMatchOrDefault applies the documented default of true.
func (s ExecutionSettings) StopOnFirstMatchOrDefault() bool {
	if s.StopOnFirstMatch == nil {
		return true
	}
	return *s.StopOnFirstMatch
}

// DatasetType identifies where a lookup dataset's records come from.
type DatasetType string

const (
	DatasetInline   DatasetType = "inline"
	DatasetFile     DatasetType = "file"
	DatasetDatabase DatasetType = "database"
	DatasetRestAPI  DatasetType = "rest-api"
)

// Record is a reference-data row resolved by a lookup.
type Record map[string]any

// LookupDataset describes a source of reference data.
type LookupDataset struct {
	ID              string      `json:"id" yaml:"id"`
	Type            DatasetType `json:"type" yaml:"type"`
	KeyField        string      `json:"keyField" yaml:"key-field"`
	Data            []Record    `json:"data,omitempty" yaml:"data,omitempty"`
	ConnectorRef    string      `json:"connectorRef,omitempty" yaml:"connector-ref,omitempty"`
	DefaultValues   Record      `json:"defaultValues,omitempty" yaml:"default-values,omitempty"`
	CacheEnabled    bool        `json:"cacheEnabled" yaml:"cache-enabled"`
	CacheTTLSeconds int         `json:"cacheTtlSeconds" yaml:"cache-ttl-seconds"`
}

// FailurePolicy controls how an enrichment run reacts to a step failure.
// It is global per processing run.
type FailurePolicy string

const (
	PolicyFailFast            FailurePolicy = "fail-fast"
	PolicyContinueWithDefault FailurePolicy = "continue-with-default"
)

// OutcomeStatus is the status of a single enrichment step.
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "APPLIED"
	OutcomeSkipped OutcomeStatus = "SKIPPED"
	OutcomeNoData  OutcomeStatus = "NO_DATA"
	OutcomeFailed  OutcomeStatus = "FAILED"
)

// EnrichmentOutcome reports what a single enrichment step did.
type EnrichmentOutcome struct {
	EnrichmentID string             `json:"enrichmentId"`
	Status       OutcomeStatus      `json:"status"`
	Fields       []string           `json:"fields,omitempty"`
	Error        string             `json:"error,omitempty"`
	ErrorContext *ErrorContext      `json:"errorContext,omitempty"`
	Metrics      *EvaluationMetrics `json:"metrics,omitempty"`
}
