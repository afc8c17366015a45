package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fuseline/fuseline/workflow"
)

// dialect captures the SQL that differs between backends. Both
// supported drivers use ? placeholders; only DDL and upsert syntax
// diverge.
type dialect struct {
	name string

	createMeta string
	migrations []migration

	upsertMeta   string
	upsertState  string
	upsertResult string
	upsertInputs string
}

// migration is one schema version step. The adapter applies every
// version greater than the stored fuseline_meta version in order.
type migration struct {
	version    int
	statements []string
}

// SQLStorage is a relational RuntimeStorage over database/sql.
//
// Four tables hold the runtime state: steps (state, result and lease
// per step), queue (the per-instance FIFO, ordered by pos), inputs
// (workflow inputs per instance) and fuseline_meta (schema version and
// run markers). Lease expiries are stored as unix milliseconds so both
// backends compare them without timezone handling.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
}

var _ RuntimeStorage = (*SQLStorage)(nil)

// newSQLStorage wires the adapter and migrates the schema to the
// latest version.
func newSQLStorage(db *sql.DB, d dialect) (*SQLStorage, error) {
	s := &SQLStorage{db: db, dialect: d}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies every migration newer than the stored version.
func (s *SQLStorage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createMeta); err != nil {
		return fmt.Errorf("create fuseline_meta: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT meta_value FROM fuseline_meta WHERE meta_key = 'version'`)
	var stored string
	switch err := row.Scan(&stored); {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		v, err := strconv.Atoi(stored)
		if err != nil {
			return fmt.Errorf("parse schema version %q: %w", stored, err)
		}
		current = v
	}

	for _, m := range s.dialect.migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, s.dialect.upsertMeta, "version", strconv.Itoa(m.version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}

func (s *SQLStorage) CreateRun(ctx context.Context, workflowID, instanceID string, stepNames []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM queue WHERE workflow_id = ? AND instance_id = ?`,
			`DELETE FROM steps WHERE workflow_id = ? AND instance_id = ?`,
			`DELETE FROM inputs WHERE workflow_id = ? AND instance_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, workflowID, instanceID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fuseline_meta WHERE meta_key = ?`, finalizedKey(workflowID, instanceID)); err != nil {
			return err
		}
		for _, name := range stepNames {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO steps (workflow_id, instance_id, step_name, state) VALUES (?, ?, ?, ?)`,
				workflowID, instanceID, name, string(workflow.StatusPending))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStorage) Enqueue(ctx context.Context, workflowID, instanceID, stepName string) error {
	return s.enqueue(ctx, workflowID, instanceID, stepName, false)
}

func (s *SQLStorage) EnqueueFront(ctx context.Context, workflowID, instanceID, stepName string) error {
	return s.enqueue(ctx, workflowID, instanceID, stepName, true)
}

// enqueue inserts at the tail (MAX(pos)+1) or head (MIN(pos)-1). The
// membership check and insert share a transaction so a queued name is
// never duplicated.
func (s *SQLStorage) enqueue(ctx context.Context, workflowID, instanceID, stepName string, front bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM queue WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
			workflowID, instanceID, stepName).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		posQuery := `SELECT COALESCE(MAX(pos), 0) + 1 FROM queue WHERE workflow_id = ? AND instance_id = ?`
		if front {
			posQuery = `SELECT COALESCE(MIN(pos), 0) - 1 FROM queue WHERE workflow_id = ? AND instance_id = ?`
		}
		var pos int64
		if err := tx.QueryRowContext(ctx, posQuery, workflowID, instanceID).Scan(&pos); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO queue (workflow_id, instance_id, step_name, pos) VALUES (?, ?, ?, ?)`,
			workflowID, instanceID, stepName, pos)
		return err
	})
}

func (s *SQLStorage) FetchNext(ctx context.Context, workflowID, instanceID string) (string, bool, error) {
	var name string
	found := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT step_name FROM queue WHERE workflow_id = ? AND instance_id = ? ORDER BY pos LIMIT 1`,
			workflowID, instanceID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		_, err = tx.ExecContext(ctx,
			`DELETE FROM queue WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
			workflowID, instanceID, name)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return name, found, nil
}

func (s *SQLStorage) QueueLength(ctx context.Context, workflowID, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE workflow_id = ? AND instance_id = ?`,
		workflowID, instanceID).Scan(&n)
	return n, err
}

func (s *SQLStorage) AssignStep(ctx context.Context, workflowID, instanceID, stepName, workerID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET worker_id = ?, expires_at = ? WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
		workerID, expiresAt.UnixMilli(), workflowID, instanceID, stepName)
	return err
}

func (s *SQLStorage) ClearAssignment(ctx context.Context, workflowID, instanceID, stepName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET worker_id = NULL, expires_at = NULL WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
		workflowID, instanceID, stepName)
	return err
}

func (s *SQLStorage) GetAssignment(ctx context.Context, workflowID, instanceID, stepName string) (*Assignment, error) {
	var workerID sql.NullString
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT worker_id, expires_at FROM steps WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
		workflowID, instanceID, stepName).Scan(&workerID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !workerID.Valid {
		return nil, nil
	}
	return &Assignment{
		WorkerID:  workerID.String,
		ExpiresAt: time.UnixMilli(expiresAt.Int64),
	}, nil
}

func (s *SQLStorage) ExpiredAssignments(ctx context.Context, workflowID, instanceID string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_name FROM steps
		 WHERE workflow_id = ? AND instance_id = ? AND worker_id IS NOT NULL AND expires_at < ?`,
		workflowID, instanceID, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStorage) SetState(ctx context.Context, workflowID, instanceID, stepName string, state workflow.Status) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertState, workflowID, instanceID, stepName, string(state))
	return err
}

func (s *SQLStorage) GetState(ctx context.Context, workflowID, instanceID, stepName string) (workflow.Status, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM steps WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
		workflowID, instanceID, stepName).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return workflow.Status(state), nil
}

func (s *SQLStorage) SetResult(ctx context.Context, workflowID, instanceID, stepName string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertResult, workflowID, instanceID, stepName, string(data))
	return err
}

func (s *SQLStorage) GetResult(ctx context.Context, workflowID, instanceID, stepName string) (any, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM steps WHERE workflow_id = ? AND instance_id = ? AND step_name = ?`,
		workflowID, instanceID, stepName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !data.Valid {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal([]byte(data.String), &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, nil
}

func (s *SQLStorage) SetInputs(ctx context.Context, workflowID, instanceID string, inputs map[string]any) error {
	data, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertInputs, workflowID, instanceID, string(data))
	return err
}

func (s *SQLStorage) GetInputs(ctx context.Context, workflowID, instanceID string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM inputs WHERE workflow_id = ? AND instance_id = ?`,
		workflowID, instanceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(data), &inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	return inputs, nil
}

func (s *SQLStorage) FinalizeRun(ctx context.Context, workflowID, instanceID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue WHERE workflow_id = ? AND instance_id = ?`,
			workflowID, instanceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET worker_id = NULL, expires_at = NULL WHERE workflow_id = ? AND instance_id = ?`,
			workflowID, instanceID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.dialect.upsertMeta, finalizedKey(workflowID, instanceID), "1")
		return err
	})
}

// Close closes the underlying database.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *SQLStorage) DB() *sql.DB { return s.db }

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// finalizedKey is the fuseline_meta marker recording FinalizeRun.
func finalizedKey(workflowID, instanceID string) string {
	return "finalized:" + workflowID + ":" + instanceID
}
