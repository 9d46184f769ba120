package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Schema is executable on both sqlite and postgres; types are kept to the
// common subset.
const Schema = `
CREATE TABLE IF NOT EXISTS app_user (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'USER',
	tenant_id TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS instance (
	id INTEGER PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	api_key_enc TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unknown',
	version TEXT NOT NULL DEFAULT 'unknown',
	last_seen_at TIMESTAMP NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NULL
);

CREATE TABLE IF NOT EXISTS alert_settings (
	id INTEGER PRIMARY KEY,
	tenant_id TEXT NOT NULL UNIQUE,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	email TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	notify_instance_offline BOOLEAN NOT NULL DEFAULT FALSE,
	notify_workflow_error BOOLEAN NOT NULL DEFAULT FALSE,
	notify_invalid_api_key BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NULL
);

CREATE TABLE IF NOT EXISTS backup_settings (
	id INTEGER PRIMARY KEY,
	tenant_id TEXT NOT NULL UNIQUE,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	folder_id TEXT NOT NULL DEFAULT '',
	interval_hours INTEGER NOT NULL DEFAULT 24,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NULL
);

CREATE TABLE IF NOT EXISTS backup_run (
	id INTEGER PRIMARY KEY,
	instance_id INTEGER NOT NULL REFERENCES instance(id),
	finished_at TIMESTAMP NOT NULL,
	workflow_count INTEGER NOT NULL DEFAULT 0,
	archive_path TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS password_reset_token (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES app_user(id),
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMP NOT NULL,
	used_at TIMESTAMP NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_instance_tenant ON instance(tenant_id);
CREATE INDEX IF NOT EXISTS idx_backup_run_instance ON backup_run(instance_id, finished_at);
CREATE INDEX IF NOT EXISTS idx_reset_token_user ON password_reset_token(user_id);
`

// Migrate ensures all tables exist. Statements are idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
