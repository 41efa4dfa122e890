// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Each Case record is the sole source of truth for resuming after a crash.
type Repository interface {
	// Transaction operations. Saving an existing id is a no-op.
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactions(ctx context.Context, txIDs []string) ([]*Transaction, error)
	GetTransactionsByParty(ctx context.Context, partyID string, since, until time.Time) ([]*Transaction, error)

	// Case operations
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	FindActiveCaseBySubject(ctx context.Context, subjectTxID string) (*Case, error)
	ListActiveCases(ctx context.Context) ([]*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]*Case, error)

	// Approval requests
	SaveApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, requestID string) (*ApprovalRequest, error)
	ListApprovals(ctx context.Context, caseID string) ([]*ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context, limit, offset int) ([]*ApprovalRequest, error)

	// Reports. Inserting a second report for a case returns ErrConflict.
	SaveReport(ctx context.Context, report *InvestigationReport) error
	GetReport(ctx context.Context, caseID string) (*InvestigationReport, error)

	// Custom rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CaseFilter selects cases for listing, newest first.
// An empty State matches every state; Limit 0 means no limit.
type CaseFilter struct {
	State           CaseState
	IncludeArchived bool
	Limit           int
	Offset          int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
