package taskqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"time"
)

// SQLiteQueue is a persistent Queue backed by SQLite. FIFO within eligible
// tasks, based on (not_before, id) with an auto-incrementing id.
//
// A task is claimed by selecting and deleting it inside one transaction, so
// two consumers never receive the same task.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			job_uuid TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			step_run_id TEXT NOT NULL DEFAULT '',
			compensation_run_id TEXT NOT NULL DEFAULT '',
			job_class TEXT NOT NULL,
			queue TEXT NOT NULL DEFAULT '',
			item BLOB,
			attempt INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	item, err := encodeItem(t.Item)
	if err != nil {
		return err
	}

	now := time.Now()
	enqueuedAt := now.UnixNano()
	if !t.EnqueuedAt.IsZero() {
		enqueuedAt = t.EnqueuedAt.UnixNano()
	}
	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (kind, job_uuid, workflow_id, step_run_id, compensation_run_id, job_class, queue, item, attempt, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Kind),
		t.JobUUID,
		t.WorkflowID,
		t.StepRunID,
		t.CompensationRunID,
		t.JobClass,
		t.Queue,
		item,
		t.Attempt,
		enqueuedAt,
		notBefore,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id          int64
			kind        string
			task        Task
			item        []byte
			enqueuedInt int64
			notBefore   int64
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, job_uuid, workflow_id, step_run_id, compensation_run_id, job_class, queue, item, attempt, enqueued_at, not_before
			FROM tasks
			WHERE not_before <= ?
			ORDER BY not_before, id
			LIMIT 1`, now)
		err = row.Scan(&id, &kind, &task.JobUUID, &task.WorkflowID, &task.StepRunID, &task.CompensationRunID,
			&task.JobClass, &task.Queue, &item, &task.Attempt, &enqueuedInt, &notBefore)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing eligible: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		// Delete the row we just claimed.
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		decoded, err := decodeItem(item)
		if err != nil {
			return nil, err
		}

		task.Kind = TaskKind(kind)
		task.Item = decoded
		task.EnqueuedAt = time.Unix(0, enqueuedInt)
		task.NotBefore = time.Unix(0, notBefore)
		return &task, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// encodeItem serializes fan-out items using encoding/gob. Callers must
// ensure that values are gob-encodable and that their concrete types have
// been registered with gob.Register where needed.
func encodeItem(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeItem deserializes gob-encoded data back into an `any`.
func decodeItem(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewBuffer(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
