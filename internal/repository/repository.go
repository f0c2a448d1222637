// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
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

	// Run migrations
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

// SaveCase inserts a case into the catalog, replacing any earlier import
// with the same case ID.
func (r *SQLRepository) SaveCase(ctx context.Context, rec *domain.CaseRecord) error {
	if rec == nil || rec.CaseID == "" {
		return fmt.Errorf("%w: case_id is required", ErrInvalidInput)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}

	importedAt := rec.ImportedAt
	if importedAt.IsZero() {
		importedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO cases (case_id, customer_id, payload, imported_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			payload = excluded.payload,
			imported_at = excluded.imported_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.CaseID, rec.CustomerID, string(rec.Payload), importedAt,
	)
	return err
}

// GetCase retrieves a catalog case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.CaseRecord, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrInvalidInput)
	}

	query := `
		SELECT case_id, customer_id, payload, imported_at
		FROM cases
		WHERE case_id = ?
	`

	var rec domain.CaseRecord
	var payload string

	err := r.db.QueryRowContext(ctx, r.rebind(query), caseID).Scan(
		&rec.CaseID, &rec.CustomerID, &payload, &rec.ImportedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// ListCases returns up to limit catalog cases ordered by case ID.
func (r *SQLRepository) ListCases(ctx context.Context, limit int) ([]*domain.CaseRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	query := `
		SELECT case_id, customer_id, payload, imported_at
		FROM cases
		ORDER BY case_id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*domain.CaseRecord, 0, limit)
	for rows.Next() {
		var rec domain.CaseRecord
		var payload string

		if err := rows.Scan(&rec.CaseID, &rec.CustomerID, &payload, &rec.ImportedAt); err != nil {
			return nil, err
		}

		rec.Payload = json.RawMessage(payload)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveAudit appends a decision audit to the ledger.
func (r *SQLRepository) SaveAudit(ctx context.Context, audit *domain.DecisionAudit) error {
	if audit == nil || audit.ID == "" {
		return fmt.Errorf("%w: audit id is required", ErrInvalidInput)
	}

	reasons, err := json.Marshal(audit.Reasons)
	if err != nil {
		return fmt.Errorf("failed to encode reasons: %w", err)
	}
	triggered, err := json.Marshal(audit.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}
	signals, err := json.Marshal(audit.DebugSignals)
	if err != nil {
		return fmt.Errorf("failed to encode debug signals: %w", err)
	}
	evaluations, err := json.Marshal(audit.RuleEvaluations)
	if err != nil {
		return fmt.Errorf("failed to encode rule evaluations: %w", err)
	}

	createdAt := audit.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO decision_audits (
			id, run_id, case_id, customer_id, policy_version, decision, confidence,
			reasons, triggered_rules, debug_signals, rule_evaluations, digest, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		audit.ID, audit.RunID, audit.CaseID, audit.CustomerID,
		audit.PolicyVersion, string(audit.Decision), audit.Confidence,
		string(reasons), string(triggered), string(signals), string(evaluations),
		audit.Digest, createdAt,
	)
	return err
}

// ListAudits returns every audit for a case, oldest first.
func (r *SQLRepository) ListAudits(ctx context.Context, caseID string) ([]*domain.DecisionAudit, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: case_id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, run_id, case_id, customer_id, policy_version, decision, confidence,
			   reasons, triggered_rules, debug_signals, rule_evaluations, digest, created_at
		FROM decision_audits
		WHERE case_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*domain.DecisionAudit
	for rows.Next() {
		var a domain.DecisionAudit
		var decision string
		var reasons, triggered, signals, evaluations string

		if err := rows.Scan(
			&a.ID, &a.RunID, &a.CaseID, &a.CustomerID,
			&a.PolicyVersion, &decision, &a.Confidence,
			&reasons, &triggered, &signals, &evaluations,
			&a.Digest, &a.CreatedAt,
		); err != nil {
			return nil, err
		}

		a.Decision = domain.Tier(decision)
		if err := decodeColumns(map[string]columnTarget{
			"reasons":          {reasons, &a.Reasons},
			"triggered_rules":  {triggered, &a.TriggeredRules},
			"debug_signals":    {signals, &a.DebugSignals},
			"rule_evaluations": {evaluations, &a.RuleEvaluations},
		}); err != nil {
			return nil, fmt.Errorf("failed to decode audit %s: %w", a.ID, err)
		}
		audits = append(audits, &a)
	}

	return audits, rows.Err()
}

type columnTarget struct {
	raw string
	dst any
}

func decodeColumns(cols map[string]columnTarget) error {
	for name, c := range cols {
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
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

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
