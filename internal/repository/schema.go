package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    case_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    imported_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_customer ON cases(customer_id);
`

// schemaDecisionAudits defines the append-only audit ledger.
// Rows are written once per policy evaluation and never updated.
const schemaDecisionAudits = `
CREATE TABLE IF NOT EXISTS decision_audits (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    policy_version TEXT NOT NULL,
    decision TEXT NOT NULL,
    confidence TEXT NOT NULL,
    reasons TEXT NOT NULL,
    triggered_rules TEXT NOT NULL,
    debug_signals TEXT NOT NULL,
    rule_evaluations TEXT NOT NULL,
    digest TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_audits_case ON decision_audits(case_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decision_audits_decision ON decision_audits(decision);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaDecisionAudits,
	}
}
