package postgres

import "fmt"

func schemaSQL(frontier, blocked string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                  UUID PRIMARY KEY,
	url                 TEXT NOT NULL UNIQUE,
	domain              TEXT NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 0,
	done                BOOLEAN NOT NULL DEFAULT FALSE,
	errors              TEXT[] NOT NULL DEFAULT '{}',
	num_retries         INTEGER NOT NULL DEFAULT 0,
	date_added          TIMESTAMPTZ NOT NULL DEFAULT now(),
	date_finished       TIMESTAMPTZ,
	locked_by_worker_id TEXT,
	locked_at           TIMESTAMPTZ,
	storage_path        TEXT,
	mined_from_url      TEXT,
	fetch_duration_ms   BIGINT,
	last_error_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_pending_priority_idx ON %[1]s (priority) WHERE NOT done;
CREATE INDEX IF NOT EXISTS %[1]s_date_finished_idx ON %[1]s (date_finished) WHERE done;
CREATE INDEX IF NOT EXISTS %[1]s_last_error_at_idx ON %[1]s (last_error_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	domain TEXT PRIMARY KEY,
	reason TEXT NOT NULL DEFAULT ''
);`, frontier, blocked)
}

func dropSQL(frontier, blocked string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s; DROP TABLE IF EXISTS %s;`, frontier, blocked)
}
