package stats

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix milliseconds so both backends scan them the
// same way.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		ended_at_ms INTEGER,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS http_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		host TEXT,
		user_agent TEXT,
		headers TEXT,
		timestamp_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS http_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		status_code INTEGER NOT NULL,
		headers TEXT,
		timestamp_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER NOT NULL,
		error_type TEXT NOT NULL,
		error_message TEXT,
		timestamp_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_http_requests_connection ON http_requests(connection_id)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGSERIAL PRIMARY KEY,
		client_ip TEXT,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		started_at_ms BIGINT NOT NULL,
		ended_at_ms BIGINT,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		close_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS http_requests (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		host TEXT,
		user_agent TEXT,
		headers JSONB,
		timestamp_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS http_responses (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT NOT NULL,
		status_code INTEGER NOT NULL,
		headers JSONB,
		timestamp_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT NOT NULL,
		error_type TEXT NOT NULL,
		error_message TEXT,
		timestamp_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_http_requests_connection ON http_requests(connection_id)`,
	`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type)`,
}

func initSchema(ctx context.Context, db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema initialization failed: %w", err)
		}
	}
	return nil
}
