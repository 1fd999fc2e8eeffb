// Package repository persists rule, enrichment and dataset configuration
// plus evaluation results.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apexrules/apex/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers. Structured payloads
// (tags, enrichment definitions, dataset records, results) are stored as
// JSON columns; the queryable attributes are broken out.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule stores or updates a rule.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	tags, _ := json.Marshal(rule.Tags)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	query := `
		INSERT INTO rules (
			id, name, condition, message, severity, priority, enabled, tags, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			condition = excluded.condition,
			message = excluded.message,
			severity = excluded.severity,
			priority = excluded.priority,
			enabled = excluded.enabled,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Condition, rule.Message,
		rule.Severity, rule.Priority, enabled, string(tags),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule by id.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `
		SELECT id, name, condition, message, severity, priority, enabled, tags, created_at, updated_at
		FROM rules
		WHERE id = ?
	`

	var rule domain.Rule
	var tags string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(
		&rule.ID, &rule.Name, &rule.Condition, &rule.Message,
		&rule.Severity, &rule.Priority, &enabled, &tags,
		&rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	if tags != "" {
		json.Unmarshal([]byte(tags), &rule.Tags)
	}

	return &rule, nil
}

// ListRules retrieves all rules ordered by priority.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	query := `
		SELECT id, name, condition, message, severity, priority, enabled, tags, created_at, updated_at
		FROM rules
		ORDER BY priority, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		var rule domain.Rule
		var tags string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Condition, &rule.Message,
			&rule.Severity, &rule.Priority, &enabled, &tags,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		if tags != "" {
			json.Unmarshal([]byte(tags), &rule.Tags)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a rule.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEnrichment stores or updates an enrichment. The full definition is
// kept as a JSON document since payloads vary by type.
func (r *SQLRepository) SaveEnrichment(ctx context.Context, enrichment *domain.Enrichment) error {
	if enrichment.ID == "" {
		return fmt.Errorf("%w: enrichment id is required", ErrInvalidInput)
	}

	definition, err := json.Marshal(enrichment)
	if err != nil {
		return fmt.Errorf("failed to encode enrichment: %w", err)
	}

	enabled := 0
	if enrichment.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO enrichments (
			id, name, type, enabled, priority, definition, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			enabled = excluded.enabled,
			priority = excluded.priority,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		enrichment.ID, enrichment.Name, enrichment.Type,
		enabled, enrichment.Priority, string(definition),
		now, now,
	)
	return err
}

// GetEnrichment retrieves an enrichment by id.
func (r *SQLRepository) GetEnrichment(ctx context.Context, enrichmentID string) (*domain.Enrichment, error) {
	query := `SELECT definition FROM enrichments WHERE id = ?`

	var definition string
	err := r.db.QueryRowContext(ctx, r.rebind(query), enrichmentID).Scan(&definition)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var enrichment domain.Enrichment
	if err := json.Unmarshal([]byte(definition), &enrichment); err != nil {
		return nil, fmt.Errorf("failed to parse enrichment %s: %w", enrichmentID, err)
	}
	return &enrichment, nil
}

// ListEnrichments retrieves all enrichments ordered by priority.
func (r *SQLRepository) ListEnrichments(ctx context.Context) ([]*domain.Enrichment, error) {
	query := `SELECT id, definition FROM enrichments ORDER BY priority, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrichments []*domain.Enrichment
	for rows.Next() {
		var id, definition string
		if err := rows.Scan(&id, &definition); err != nil {
			return nil, err
		}

		var enrichment domain.Enrichment
		if err := json.Unmarshal([]byte(definition), &enrichment); err != nil {
			return nil, fmt.Errorf("failed to parse enrichment %s: %w", id, err)
		}
		enrichments = append(enrichments, &enrichment)
	}

	return enrichments, rows.Err()
}

// DeleteEnrichment removes an enrichment.
func (r *SQLRepository) DeleteEnrichment(ctx context.Context, enrichmentID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM enrichments WHERE id = ?`), enrichmentID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDataset stores or updates a lookup dataset.
func (r *SQLRepository) SaveDataset(ctx context.Context, dataset *domain.LookupDataset) error {
	if dataset.ID == "" {
		return fmt.Errorf("%w: dataset id is required", ErrInvalidInput)
	}

	definition, err := json.Marshal(dataset)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO datasets (
			id, type, key_field, definition, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			key_field = excluded.key_field,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		dataset.ID, dataset.Type, dataset.KeyField, string(definition),
		now, now,
	)
	return err
}

// GetDataset retrieves a dataset by id.
func (r *SQLRepository) GetDataset(ctx context.Context, datasetID string) (*domain.LookupDataset, error) {
	query := `SELECT definition FROM datasets WHERE id = ?`

	var definition string
	err := r.db.QueryRowContext(ctx, r.rebind(query), datasetID).Scan(&definition)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var dataset domain.LookupDataset
	if err := json.Unmarshal([]byte(definition), &dataset); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", datasetID, err)
	}
	return &dataset, nil
}

// ListDatasets retrieves all datasets.
func (r *SQLRepository) ListDatasets(ctx context.Context) ([]*domain.LookupDataset, error) {
	query := `SELECT id, definition FROM datasets ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []*domain.LookupDataset
	for rows.Next() {
		var id, definition string
		if err := rows.Scan(&id, &definition); err != nil {
			return nil, err
		}

		var dataset domain.LookupDataset
		if err := json.Unmarshal([]byte(definition), &dataset); err != nil {
			return nil, fmt.Errorf("failed to parse dataset %s: %w", id, err)
		}
		datasets = append(datasets, &dataset)
	}

	return datasets, rows.Err()
}

// SaveEvaluation stores an evaluation record.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.EvaluationRecord) error {
	if eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	ruleResults, _ := json.Marshal(eval.RuleResults)
	outcomes, _ := json.Marshal(eval.Outcomes)
	enriched, _ := json.Marshal(eval.Enriched)

	query := `
		INSERT INTO evaluations (
			id, kind, subject_id, timestamp, rule_results, outcomes, enriched, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.Kind, eval.SubjectID, eval.Timestamp,
		string(ruleResults), string(outcomes), string(enriched), eval.DurationMs,
	)
	return err
}

// GetEvaluation retrieves an evaluation record by id.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.EvaluationRecord, error) {
	query := `
		SELECT id, kind, subject_id, timestamp, rule_results, outcomes, enriched, duration_ms
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.EvaluationRecord
	var ruleResults, outcomes, enriched string

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &eval.Kind, &eval.SubjectID, &eval.Timestamp,
		&ruleResults, &outcomes, &enriched, &eval.DurationMs,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(ruleResults), &eval.RuleResults)
	json.Unmarshal([]byte(outcomes), &eval.Outcomes)
	json.Unmarshal([]byte(enriched), &eval.Enriched)

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
