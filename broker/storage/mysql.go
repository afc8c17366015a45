package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlDialect targets MySQL and MariaDB via go-sql-driver/mysql.
var mysqlDialect = dialect{
	name: "mysql",

	createMeta: `CREATE TABLE IF NOT EXISTS fuseline_meta (
		meta_key   VARCHAR(512) PRIMARY KEY,
		meta_value TEXT NOT NULL
	)`,

	migrations: []migration{
		{
			version: 1,
			statements: []string{
				`CREATE TABLE IF NOT EXISTS steps (
					workflow_id VARCHAR(255) NOT NULL,
					instance_id VARCHAR(255) NOT NULL,
					step_name   VARCHAR(255) NOT NULL,
					state       VARCHAR(32) NOT NULL,
					result      TEXT,
					worker_id   VARCHAR(255),
					expires_at  BIGINT,
					PRIMARY KEY (workflow_id, instance_id, step_name)
				)`,
				`CREATE TABLE IF NOT EXISTS queue (
					workflow_id VARCHAR(255) NOT NULL,
					instance_id VARCHAR(255) NOT NULL,
					step_name   VARCHAR(255) NOT NULL,
					pos         BIGINT NOT NULL,
					PRIMARY KEY (workflow_id, instance_id, step_name)
				)`,
				`CREATE TABLE IF NOT EXISTS inputs (
					workflow_id VARCHAR(255) NOT NULL,
					instance_id VARCHAR(255) NOT NULL,
					payload     TEXT NOT NULL,
					PRIMARY KEY (workflow_id, instance_id)
				)`,
			},
		},
	},

	upsertMeta: `INSERT INTO fuseline_meta (meta_key, meta_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)`,
	upsertState: `INSERT INTO steps (workflow_id, instance_id, step_name, state) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state)`,
	upsertResult: `INSERT INTO steps (workflow_id, instance_id, step_name, state, result) VALUES (?, ?, ?, 'PENDING', ?)
		ON DUPLICATE KEY UPDATE result = VALUES(result)`,
	upsertInputs: `INSERT INTO inputs (workflow_id, instance_id, payload) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload)`,
}

// OpenMySQL opens a MySQL-backed RuntimeStorage using the given DSN
// and migrates the schema.
//
// DSN format: user:password@tcp(host:3306)/dbname. Credentials belong
// in the environment, not in source.
func OpenMySQL(dsn string) (*SQLStorage, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return newSQLStorage(db, mysqlDialect)
}
