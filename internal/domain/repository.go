package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a catalog case does not exist.
var ErrNotFound = errors.New("record not found")

// Repository persists the case catalog and the policy audit ledger.
// Stored audits are never read back into a decision.
type Repository interface {
	// Case catalog
	SaveCase(ctx context.Context, rec *CaseRecord) error
	GetCase(ctx context.Context, caseID string) (*CaseRecord, error)
	ListCases(ctx context.Context, limit int) ([]*CaseRecord, error)

	// Audit ledger (append only)
	SaveAudit(ctx context.Context, audit *DecisionAudit) error
	ListAudits(ctx context.Context, caseID string) ([]*DecisionAudit, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CaseRecord is one enriched case in the catalog.
type CaseRecord struct {
	CaseID     string          `json:"case_id"`
	CustomerID string          `json:"customer_id"`
	Payload    json.RawMessage `json:"enriched_case"`
	ImportedAt time.Time       `json:"imported_at"`
}

// DecisionAudit is the ledger entry written for every policy evaluation.
type DecisionAudit struct {
	ID              string           `json:"id"`
	RunID           string           `json:"run_id"`
	CaseID          string           `json:"case_id"`
	CustomerID      string           `json:"customer_id"`
	PolicyVersion   string           `json:"policy_version"`
	Decision        Tier             `json:"decision"`
	Confidence      string           `json:"confidence"`
	Reasons         []string         `json:"reasons"`
	TriggeredRules  []string         `json:"triggered_rules"`
	DebugSignals    map[string]any   `json:"debug_signals"`
	RuleEvaluations []RuleEvaluation `json:"rule_evaluations"`
	Digest          string           `json:"digest"`
	CreatedAt       time.Time        `json:"created_at"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific. PostgresURL, when set, is used as-is and the
	// individual fields are ignored.
	PostgresURL      string `json:"-" yaml:"postgres_url"`
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
