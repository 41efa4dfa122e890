// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
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

const transactionColumns = `id, type, sender_id, receiver_id, amount, currency,
	description, sender_country, receiver_country, location, timestamp`

// SaveTransaction stores a transaction. Transactions are immutable, so
// saving an id that already exists leaves the stored row untouched.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrValidation)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.Type, tx.SenderID, tx.ReceiverID,
		tx.Amount, tx.Currency, tx.Description,
		tx.SenderCountry, tx.ReceiverCountry, tx.Location,
		tx.Timestamp.UTC(), time.Now().UTC(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := s.Scan(
		&tx.ID, &tx.Type, &tx.SenderID, &tx.ReceiverID,
		&tx.Amount, &tx.Currency, &tx.Description,
		&tx.SenderCountry, &tx.ReceiverCountry, &tx.Location,
		&tx.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txID, domain.ErrNotFound)
	}
	return tx, err
}

// GetTransactions retrieves transactions by id, in the order requested.
// Unknown ids are skipped.
func (r *SQLRepository) GetTransactions(ctx context.Context, txIDs []string) ([]*domain.Transaction, error) {
	if len(txIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(txIDs)), ", ")
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id IN (` + placeholders + `)`

	args := make([]any, len(txIDs))
	for i, id := range txIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*domain.Transaction, len(txIDs))
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		byID[tx.ID] = tx
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Transaction, 0, len(byID))
	for _, id := range txIDs {
		if tx, ok := byID[id]; ok {
			out = append(out, tx)
			delete(byID, id)
		}
	}
	return out, nil
}

// GetTransactionsByParty retrieves transactions sent or received by a party
// within [since, until], oldest first.
func (r *SQLRepository) GetTransactionsByParty(ctx context.Context, partyID string, since, until time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE (sender_id = ? OR receiver_id = ?)
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), partyID, partyID, since.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveCase inserts or replaces a case record. Opening a second non-terminal
// case for the same subject returns ErrConflict.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: case id is required", domain.ErrValidation)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode case %s: %w", c.ID, err)
	}

	query := `
		INSERT INTO cases (id, subject_tx_id, state, terminal, archived, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			terminal = excluded.terminal,
			archived = excluded.archived,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.SubjectTxID, string(c.State), boolInt(c.State.IsTerminal()), boolInt(c.Archived),
		string(data), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s already has an active case", domain.ErrConflict, c.SubjectTxID)
	}
	return err
}

func decodeCase(data string) (*domain.Case, error) {
	var c domain.Case
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to decode case: %w", err)
	}
	if c.StageOutputs == nil {
		c.StageOutputs = make(map[domain.Stage][]domain.StageOutput)
	}
	if c.Retries == nil {
		c.Retries = make(map[domain.Stage]int)
	}
	return &c, nil
}

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT data FROM cases WHERE id = ?`), caseID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", caseID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeCase(data)
}

// FindActiveCaseBySubject returns the non-terminal case for a subject
// transaction, or ErrNotFound.
func (r *SQLRepository) FindActiveCaseBySubject(ctx context.Context, subjectTxID string) (*domain.Case, error) {
	query := `
		SELECT data FROM cases
		WHERE subject_tx_id = ? AND terminal = 0
		ORDER BY created_at ASC
		LIMIT 1
	`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), subjectTxID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active case for %s: %w", subjectTxID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeCase(data)
}

// ListActiveCases returns every non-terminal case, oldest first.
func (r *SQLRepository) ListActiveCases(ctx context.Context) ([]*domain.Case, error) {
	return r.queryCases(ctx, `SELECT data FROM cases WHERE terminal = 0 ORDER BY created_at ASC, id ASC`)
}

// ListCases returns the cases matching filter, newest first. Offset only
// applies together with a positive Limit.
func (r *SQLRepository) ListCases(ctx context.Context, filter domain.CaseFilter) ([]*domain.Case, error) {
	query := `SELECT data FROM cases WHERE 1 = 1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if !filter.IncludeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}
	return r.queryCases(ctx, r.rebind(query), args...)
}

func (r *SQLRepository) queryCases(ctx context.Context, query string, args ...any) ([]*domain.Case, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.Case
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c, err := decodeCase(data)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// SaveApproval inserts or updates an approval request. Inserting a second
// pending request for the same case returns ErrConflict.
func (r *SQLRepository) SaveApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	if req == nil || req.ID == "" || req.CaseID == "" {
		return fmt.Errorf("%w: approval id and case id are required", domain.ErrValidation)
	}

	var resolvedAt sql.NullTime
	if req.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: req.ResolvedAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO approval_requests (
			id, case_id, status, risk_level, risk_score, requested_at, resolved_by, resolved_at, comment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at,
			comment = excluded.comment
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		req.ID, req.CaseID, string(req.Status), req.RiskLevel.String(), req.RiskScore,
		req.RequestedAt.UTC(), req.ResolvedBy, resolvedAt, req.Comment,
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("%w: case %s already has a pending approval request", domain.ErrConflict, req.CaseID)
	}
	return err
}

const approvalColumns = `id, case_id, status, risk_level, risk_score, requested_at, resolved_by, resolved_at, comment`

func scanApproval(s scanner) (*domain.ApprovalRequest, error) {
	var (
		req        domain.ApprovalRequest
		status     string
		level      string
		resolvedAt sql.NullTime
	)
	err := s.Scan(
		&req.ID, &req.CaseID, &status, &level, &req.RiskScore,
		&req.RequestedAt, &req.ResolvedBy, &resolvedAt, &req.Comment,
	)
	if err != nil {
		return nil, err
	}

	req.Status = domain.ApprovalStatus(status)
	if req.RiskLevel, err = domain.ParseRiskLevel(level); err != nil {
		return nil, err
	}
	req.RequestedAt = req.RequestedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		req.ResolvedAt = &t
	}
	return &req, nil
}

// GetApproval retrieves an approval request by ID.
func (r *SQLRepository) GetApproval(ctx context.Context, requestID string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = ?`

	req, err := scanApproval(r.db.QueryRowContext(ctx, r.rebind(query), requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", requestID, domain.ErrNotFound)
	}
	return req, err
}

// ListApprovals returns a case's approval requests, oldest first.
func (r *SQLRepository) ListApprovals(ctx context.Context, caseID string) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE case_id = ? ORDER BY requested_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ListPendingApprovals returns unresolved approval requests across all
// cases, oldest first. Offset only applies together with a positive limit.
func (r *SQLRepository) ListPendingApprovals(ctx context.Context, limit, offset int) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE status = ? ORDER BY requested_at ASC, id ASC`
	args := []any{string(domain.ApprovalPending)}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// SaveReport stores the case report. Reports are write-once: a second
// insert for the same case returns ErrConflict.
func (r *SQLRepository) SaveReport(ctx context.Context, report *domain.InvestigationReport) error {
	if report == nil || report.CaseID == "" {
		return fmt.Errorf("%w: report case id is required", domain.ErrValidation)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report for case %s: %w", report.CaseID, err)
	}

	query := `
		INSERT INTO reports (case_id, id, disposition, data, generated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		report.CaseID, report.ID, string(report.Disposition), string(data), report.GeneratedAt.UTC(),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: report for case %s already exists", domain.ErrConflict, report.CaseID)
	}
	return nil
}

// GetReport retrieves the report of a case.
func (r *SQLRepository) GetReport(ctx context.Context, caseID string) (*domain.InvestigationReport, error) {
	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT data FROM reports WHERE case_id = ?`), caseID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report for case %s: %w", caseID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var report domain.InvestigationReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report for case %s: %w", caseID, err)
	}
	return &report, nil
}

// SaveRuleConfig stores a custom rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrValidation)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, points, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			points = excluded.points,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Points, boolInt(rule.Enabled),
		now, now,
	)
	return err
}

const ruleColumns = `id, name, description, version, expression, points, enabled`

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int

	if err := s.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version,
		&cfg.Expression, &cfg.Points, &enabled,
	); err != nil {
		return nil, err
	}
	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves a rule configuration.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE id = ?`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, domain.ErrNotFound)
	}
	return cfg, err
}

// ListRuleConfigs retrieves all rule configurations ordered by id.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rule_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if r.driver == "postgres" {
		return isPostgresUniqueViolation(err)
	}
	return isSQLiteUniqueViolation(err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var _ domain.Repository = (*SQLRepository)(nil)
