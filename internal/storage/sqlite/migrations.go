package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    kind          TEXT NOT NULL CHECK(kind IN ('challenge','project')),
    item_id       TEXT NOT NULL DEFAULT '',
    project_id    TEXT NOT NULL DEFAULT '',
    language      TEXT NOT NULL,
    code          TEXT NOT NULL DEFAULT '',
    files         TEXT NOT NULL DEFAULT '[]',
    status        TEXT NOT NULL DEFAULT 'queued'
                  CHECK(status IN ('queued','running','passed','failed','error')),
    result        BLOB,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);

CREATE TABLE IF NOT EXISTS execution_logs (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id            TEXT NOT NULL,
    kind               TEXT NOT NULL,
    item_id            TEXT NOT NULL DEFAULT '',
    project_id         TEXT NOT NULL DEFAULT '',
    submission_id      TEXT NOT NULL DEFAULT '',
    language           TEXT NOT NULL,
    started_at         TEXT NOT NULL,
    finished_at        TEXT NOT NULL,
    status             TEXT NOT NULL
                       CHECK(status IN ('passed','failed','error','rate_limited','quota_exceeded')),
    timing_ms          INTEGER NOT NULL DEFAULT 0,
    compile_ok         INTEGER NOT NULL DEFAULT 0,
    tests_passed       INTEGER,
    tests_failed_count INTEGER,
    error_message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_logs_user ON execution_logs(user_id, started_at DESC);

CREATE TABLE IF NOT EXISTS rate_counters (
    key          TEXT PRIMARY KEY,
    window_start INTEGER NOT NULL,
    count        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_counters (
    key        TEXT PRIMARY KEY,
    runs       INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
`

func runMigrations(db *sql.DB) error {
	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty, run the initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
