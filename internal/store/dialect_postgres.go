package store

import (
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string      { return "NOW()" }
func (d *PostgresDialect) SupportsNotify() bool { return true }
func (d *PostgresDialect) NeedsBoolFix() bool   { return false }

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib, the underlying error message includes the PG code
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tenants (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name           TEXT NOT NULL,
    credit_balance BIGINT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    tenant_id     UUID NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT NOT NULL DEFAULT '[]',
    active        BOOLEAN DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id    UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      UUID NOT NULL UNIQUE DEFAULT gen_random_uuid(),
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);

CREATE TABLE IF NOT EXISTS _instances (
    id               TEXT PRIMARY KEY,
    tenant_id        UUID NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    name             TEXT NOT NULL DEFAULT '',
    raw_status       TEXT,
    effective_status TEXT NOT NULL DEFAULT 'disconnected',
    last_heartbeat   TIMESTAMPTZ,
    phone_number     TEXT,
    created_at       TIMESTAMPTZ DEFAULT NOW(),
    updated_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_instances_tenant ON _instances(tenant_id);

CREATE TABLE IF NOT EXISTS _webhooks (
    id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    tenant_id         UUID NOT NULL REFERENCES _tenants(id) ON DELETE CASCADE,
    url               TEXT NOT NULL,
    secret            TEXT NOT NULL DEFAULT '',
    events            TEXT NOT NULL DEFAULT '[]',
    condition         TEXT NOT NULL DEFAULT '',
    is_active         BOOLEAN NOT NULL DEFAULT true,
    failure_count     INT NOT NULL DEFAULT 0,
    last_triggered_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ DEFAULT NOW(),
    updated_at        TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhooks_tenant ON _webhooks(tenant_id);

CREATE TABLE IF NOT EXISTS _webhook_logs (
    id              UUID PRIMARY KEY,
    webhook_id      UUID NOT NULL REFERENCES _webhooks(id) ON DELETE CASCADE,
    event           TEXT NOT NULL,
    url             TEXT NOT NULL,
    request_body    TEXT NOT NULL DEFAULT '',
    response_status INT,
    response_body   TEXT,
    status          TEXT NOT NULL DEFAULT 'delivered',
    attempt         INT NOT NULL DEFAULT 1,
    max_attempts    INT NOT NULL DEFAULT 1,
    next_retry_at   TIMESTAMPTZ,
    error           TEXT,
    created_at      TIMESTAMPTZ DEFAULT NOW(),
    updated_at      TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_retry ON _webhook_logs(status, next_retry_at);

CREATE TABLE IF NOT EXISTS _event_logs (
    id          UUID PRIMARY KEY,
    instance_id TEXT,
    tenant_id   TEXT,
    event_type  TEXT NOT NULL,
    severity    TEXT NOT NULL DEFAULT 'info',
    message     TEXT NOT NULL DEFAULT '',
    details     JSONB,
    created_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_event_logs_instance ON _event_logs(instance_id, created_at);

CREATE TABLE IF NOT EXISTS _credit_usage (
    id          UUID PRIMARY KEY,
    tenant_id   UUID NOT NULL,
    instance_id TEXT NOT NULL,
    usage_type  TEXT NOT NULL DEFAULT 'instance_daily',
    credits     INT NOT NULL,
    usage_date  DATE NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (instance_id, usage_type, usage_date)
);
`

// pgNotifyTriggerSQL pushes row-change notifications for the staleness
// monitor. Separate from the table DDL so SQLite deployments skip it.
const pgNotifyTriggerSQL = `
CREATE OR REPLACE FUNCTION _instances_notify() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('instance_changes', NEW.id);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_instances_notify ON _instances;
CREATE TRIGGER trg_instances_notify
    AFTER INSERT OR UPDATE ON _instances
    FOR EACH ROW EXECUTE FUNCTION _instances_notify();
`
