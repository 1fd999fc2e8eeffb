// Package domain defines the core interfaces and types for APEX.
package domain

import (
	"context"
	"time"
)

// Repository persists rule, enrichment and dataset configuration plus
// evaluation results.
type Repository interface {
	// Rule configuration
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error

	// Enrichment configuration
	SaveEnrichment(ctx context.Context, enrichment *Enrichment) error
	GetEnrichment(ctx context.Context, enrichmentID string) (*Enrichment, error)
	ListEnrichments(ctx context.Context) ([]*Enrichment, error)
	DeleteEnrichment(ctx context.Context, enrichmentID string) error

	// Lookup datasets
	SaveDataset(ctx context.Context, dataset *LookupDataset) error
	GetDataset(ctx context.Context, datasetID string) (*LookupDataset, error)
	ListDatasets(ctx context.Context) ([]*LookupDataset, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, eval *EvaluationRecord) error
	GetEvaluation(ctx context.Context, evalID string) (*EvaluationRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// EvaluationRecord is the persisted outcome of one evaluate/enrich call.
type EvaluationRecord struct {
	ID          string              `json:"id"`
	Kind        string              `json:"kind"` // "rule", "group" or "enrichment"
	SubjectID   string              `json:"subjectId"`
	Timestamp   time.Time           `json:"timestamp"`
	RuleResults []RuleResult        `json:"ruleResults,omitempty"`
	Outcomes    []EnrichmentOutcome `json:"outcomes,omitempty"`
	Enriched    map[string]any      `json:"enriched,omitempty"`
	DurationMs  int64               `json:"durationMs"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
