package postgres

import (
	"context"
	"fmt"
)

// migration is one schema step. Versions are ordered and recorded in
// hookrelay_schema_migrations so Migrate is safe to run on every boot.
type migration struct {
	version string
	name    string
	up      string
}

var migrations = []migration{
	{
		version: "20250101000001",
		name:    "create_endpoints",
		up: `
CREATE TABLE IF NOT EXISTS hookrelay_endpoints (
    id                    TEXT PRIMARY KEY,
    organization_id       TEXT NOT NULL,
    url                   TEXT NOT NULL,
    description           TEXT NOT NULL DEFAULT '',
    secret                TEXT NOT NULL DEFAULT '',
    events                TEXT[] NOT NULL DEFAULT '{}',
    include_partials      BOOLEAN NOT NULL DEFAULT FALSE,
    active                BOOLEAN NOT NULL DEFAULT TRUE,
    retry_enabled         BOOLEAN NOT NULL DEFAULT TRUE,
    max_retries           INT NOT NULL DEFAULT 7,
    headers               JSONB NOT NULL DEFAULT '{}',
    total_deliveries      BIGINT NOT NULL DEFAULT 0,
    successful_deliveries BIGINT NOT NULL DEFAULT 0,
    failed_deliveries     BIGINT NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hookrelay_endpoints_org ON hookrelay_endpoints (organization_id);
CREATE INDEX IF NOT EXISTS idx_hookrelay_endpoints_org_active ON hookrelay_endpoints (organization_id) WHERE active;
`,
	},
	{
		version: "20250101000002",
		name:    "create_events",
		up: `
CREATE TABLE IF NOT EXISTS hookrelay_events (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    organization_id TEXT NOT NULL,
    form_id         TEXT NOT NULL DEFAULT '',
    submission_id   TEXT NOT NULL DEFAULT '',
    partial_id      TEXT NOT NULL DEFAULT '',
    snapshot        JSONB,
    idempotency_key TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hookrelay_events_idem
    ON hookrelay_events (idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_hookrelay_events_org ON hookrelay_events (organization_id, created_at);
`,
	},
	{
		version: "20250101000003",
		name:    "create_deliveries",
		up: `
CREATE TABLE IF NOT EXISTS hookrelay_deliveries (
    id                 TEXT PRIMARY KEY,
    event_id           TEXT NOT NULL,
    endpoint_id        TEXT NOT NULL,
    status             TEXT NOT NULL,
    attempt            INT NOT NULL DEFAULT 0,
    response_code      INT NOT NULL DEFAULT 0,
    response_time_ms   INT NOT NULL DEFAULT 0,
    error              TEXT NOT NULL DEFAULT '',
    next_retry_at      TIMESTAMPTZ,
    payload_size_bytes INT NOT NULL DEFAULT 0,
    delivered_at       TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hookrelay_deliveries_due
    ON hookrelay_deliveries (next_retry_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_hookrelay_deliveries_endpoint ON hookrelay_deliveries (endpoint_id, created_at);
CREATE INDEX IF NOT EXISTS idx_hookrelay_deliveries_event ON hookrelay_deliveries (event_id);
`,
	},
	{
		version: "20250101000004",
		name:    "create_delivery_logs",
		up: `
CREATE TABLE IF NOT EXISTS hookrelay_delivery_logs (
    delivery_id     TEXT NOT NULL,
    attempt         INT NOT NULL,
    request_headers JSONB NOT NULL DEFAULT '{}',
    request_body    TEXT NOT NULL DEFAULT '',
    response_status INT NOT NULL DEFAULT 0,
    response_body   TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    duration_ms     INT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hookrelay_delivery_logs_delivery
    ON hookrelay_delivery_logs (delivery_id, attempt);
`,
	},
	{
		version: "20250101000005",
		name:    "create_dlq_entries",
		up: `
CREATE TABLE IF NOT EXISTS hookrelay_dlq_entries (
    id               TEXT PRIMARY KEY,
    delivery_id      TEXT NOT NULL,
    event_id         TEXT NOT NULL,
    endpoint_id      TEXT NOT NULL,
    event_type       TEXT NOT NULL DEFAULT '',
    organization_id  TEXT NOT NULL DEFAULT '',
    url              TEXT NOT NULL DEFAULT '',
    payload          JSONB,
    reason           TEXT NOT NULL DEFAULT '',
    attempts         INT NOT NULL DEFAULT 0,
    last_status_code INT NOT NULL DEFAULT 0,
    redriven_at      TIMESTAMPTZ,
    failed_at        TIMESTAMPTZ NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_failed_at ON hookrelay_dlq_entries (failed_at);
CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_endpoint ON hookrelay_dlq_entries (endpoint_id, failed_at);
`,
	},
}

// Migrate applies pending migrations in order, serialized across processes
// with an advisory lock.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS hookrelay_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("hookrelay/postgres: create migrations table: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("hookrelay/postgres: acquire migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	for _, m := range migrations {
		var exists bool
		err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM hookrelay_schema_migrations WHERE version = $1)`, m.version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("hookrelay/postgres: check migration %s: %w", m.version, err)
		}
		if exists {
			continue
		}

		if _, err := conn.Exec(ctx, m.up); err != nil {
			return fmt.Errorf("hookrelay/postgres: apply migration %s (%s): %w", m.version, m.name, err)
		}
		if _, err := conn.Exec(ctx,
			`INSERT INTO hookrelay_schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name,
		); err != nil {
			return fmt.Errorf("hookrelay/postgres: record migration %s: %w", m.version, err)
		}
	}

	return nil
}

// migrationLockID is an arbitrary but stable advisory lock key.
const migrationLockID = 0x684f4f4b // "hOOK"
