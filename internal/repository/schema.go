package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    sender_country TEXT NOT NULL DEFAULT '',
    receiver_country TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(sender_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions(receiver_id, timestamp);
`

// schemaCases stores each case as a JSON document. state, terminal and
// archived are denormalized for the resume, listing and duplicate-subject
// queries. A subject has at most one non-terminal case.
const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    subject_tx_id TEXT NOT NULL,
    state TEXT NOT NULL,
    terminal INTEGER NOT NULL DEFAULT 0,
    archived INTEGER NOT NULL DEFAULT 0,
    data TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_subject ON cases(subject_tx_id, terminal);
CREATE INDEX IF NOT EXISTS idx_cases_terminal ON cases(terminal, created_at);
CREATE INDEX IF NOT EXISTS idx_cases_state ON cases(state, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_active_subject ON cases(subject_tx_id) WHERE terminal = 0;
`

// schemaApprovals enforces at most one pending request per case.
const schemaApprovals = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    risk_score REAL NOT NULL,
    requested_at TIMESTAMP NOT NULL,
    resolved_by TEXT NOT NULL DEFAULT '',
    resolved_at TIMESTAMP,
    comment TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_approval_requests_case ON approval_requests(case_id, requested_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_requests_pending ON approval_requests(case_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status, requested_at);
`

// schemaReports holds one immutable report per case.
const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    case_id TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    disposition TEXT NOT NULL,
    data TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL
);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    points INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaCases,
		schemaApprovals,
		schemaReports,
		schemaRuleConfigs,
	}
}
