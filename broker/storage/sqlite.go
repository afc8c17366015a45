package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// sqliteDialect targets modernc.org/sqlite (pure-Go, no cgo).
var sqliteDialect = dialect{
	name: "sqlite",

	createMeta: `CREATE TABLE IF NOT EXISTS fuseline_meta (
		meta_key   TEXT PRIMARY KEY,
		meta_value TEXT NOT NULL
	)`,

	migrations: []migration{
		{
			version: 1,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS steps (
					workflow_id TEXT NOT NULL,
					instance_id TEXT NOT NULL,
					step_name   TEXT NOT NULL,
					state       TEXT NOT NULL,
					result      TEXT,
					worker_id   TEXT,
					expires_at  INTEGER,
					PRIMARY KEY (workflow_id, instance_id, step_name)
				)`,
				`CREATE TABLE IF NOT EXISTS queue (
					workflow_id TEXT NOT NULL,
					instance_id TEXT NOT NULL,
					step_name   TEXT NOT NULL,
					pos         INTEGER NOT NULL,
					PRIMARY KEY (workflow_id, instance_id, step_name)
				)`,
				`CREATE TABLE IF NOT EXISTS inputs (
					workflow_id TEXT NOT NULL,
					instance_id TEXT NOT NULL,
					payload     TEXT NOT NULL,
					PRIMARY KEY (workflow_id, instance_id)
				)`,
			},
		},
	},

	upsertMeta: `INSERT INTO fuseline_meta (meta_key, meta_value) VALUES (?, ?)
		ON CONFLICT(meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
	upsertState: `INSERT INTO steps (workflow_id, instance_id, step_name, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id, instance_id, step_name) DO UPDATE SET state = excluded.state`,
	upsertResult: `INSERT INTO steps (workflow_id, instance_id, step_name, state, result) VALUES (?, ?, ?, 'PENDING', ?)
		ON CONFLICT(workflow_id, instance_id, step_name) DO UPDATE SET result = excluded.result`,
	upsertInputs: `INSERT INTO inputs (workflow_id, instance_id, payload) VALUES (?, ?, ?)
		ON CONFLICT(workflow_id, instance_id) DO UPDATE SET payload = excluded.payload`,
}

// OpenSQLite opens a SQLite-backed RuntimeStorage at path and migrates
// the schema. Use ":memory:" for an in-memory database in tests.
//
// WAL mode is enabled so readers do not block behind the writer, and a
// busy timeout absorbs short lock contention.
func OpenSQLite(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return newSQLStorage(db, sqliteDialect)
}
