package store

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string      { return "datetime('now')" }
func (d *SQLiteDialect) SupportsNotify() bool { return false }
func (d *SQLiteDialect) NeedsBoolFix() bool   { return true }

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tenants (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    credit_balance INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT NOT NULL DEFAULT '[]',
    active        INTEGER DEFAULT 1,
    created_at    TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);

CREATE TABLE IF NOT EXISTS _instances (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    name             TEXT NOT NULL DEFAULT '',
    raw_status       TEXT,
    effective_status TEXT NOT NULL DEFAULT 'disconnected',
    last_heartbeat   TEXT,
    phone_number     TEXT,
    created_at       TEXT DEFAULT (datetime('now')),
    updated_at       TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_instances_tenant ON _instances(tenant_id);

CREATE TABLE IF NOT EXISTS _webhooks (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    url               TEXT NOT NULL,
    secret            TEXT NOT NULL DEFAULT '',
    events            TEXT NOT NULL DEFAULT '[]',
    condition         TEXT NOT NULL DEFAULT '',
    is_active         INTEGER NOT NULL DEFAULT 1,
    failure_count     INTEGER NOT NULL DEFAULT 0,
    last_triggered_at TEXT,
    created_at        TEXT DEFAULT (datetime('now')),
    updated_at        TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_webhooks_tenant ON _webhooks(tenant_id);

CREATE TABLE IF NOT EXISTS _webhook_logs (
    id              TEXT PRIMARY KEY,
    webhook_id      TEXT NOT NULL REFERENCES _webhooks(id) ON DELETE CASCADE,
    event           TEXT NOT NULL,
    url             TEXT NOT NULL,
    request_body    TEXT NOT NULL DEFAULT '',
    response_status INTEGER,
    response_body   TEXT,
    status          TEXT NOT NULL DEFAULT 'delivered',
    attempt         INTEGER NOT NULL DEFAULT 1,
    max_attempts    INTEGER NOT NULL DEFAULT 1,
    next_retry_at   TEXT,
    error           TEXT,
    created_at      TEXT DEFAULT (datetime('now')),
    updated_at      TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_retry ON _webhook_logs(status, next_retry_at);

CREATE TABLE IF NOT EXISTS _event_logs (
    id          TEXT PRIMARY KEY,
    instance_id TEXT,
    tenant_id   TEXT,
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL DEFAULT 'info',
    message     TEXT NOT NULL DEFAULT '',
    details     TEXT,
    created_at  TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_event_logs_instance ON _event_logs(instance_id, created_at);

CREATE TABLE IF NOT EXISTS _credit_usage (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    usage_type  TEXT NOT NULL DEFAULT 'instance_daily',
    credits     INTEGER NOT NULL,
    usage_date  TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TEXT DEFAULT (datetime('now')),
    UNIQUE (instance_id, usage_type, usage_date)
);
`
