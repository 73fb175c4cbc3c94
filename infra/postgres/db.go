package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE SEQUENCE IF NOT EXISTS job_code_seq;

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	customer_id      TEXT NOT NULL,
	location         TEXT NOT NULL DEFAULT '',
	start_at         TIMESTAMPTZ NOT NULL,
	end_at           TIMESTAMPTZ NOT NULL,
	CHECK (start_at < end_at),
	status           INT NOT NULL DEFAULT 0,
	priority         INT NOT NULL DEFAULT 0,
	assigned_workers TEXT[] NOT NULL DEFAULT '{}',
	tasks            TEXT[] NOT NULL DEFAULT '{}',
	equipment        TEXT[] NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS status_blocks (
	id         TEXT PRIMARY KEY,
	worker_id  TEXT NOT NULL,
	kind       INT NOT NULL DEFAULT 0,
	start_at   TIMESTAMPTZ NOT NULL,
	end_at     TIMESTAMPTZ NOT NULL,
	CHECK (start_at < end_at),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	target_id  TEXT NOT NULL,
	job_id     TEXT NOT NULL DEFAULT '',
	kind       INT NOT NULL DEFAULT 0,
	message    TEXT NOT NULL DEFAULT '',
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS notification_reads (
	notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
	worker_id       TEXT NOT NULL,
	PRIMARY KEY (notification_id, worker_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_workers ON jobs USING GIN (assigned_workers);
CREATE INDEX IF NOT EXISTS idx_blocks_worker ON status_blocks (worker_id);
CREATE INDEX IF NOT EXISTS idx_notifications_target ON notifications (target_id, created_at);
`

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
