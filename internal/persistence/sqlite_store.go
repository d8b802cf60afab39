package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/okonecny/stateflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// All timestamps are stored as UnixNano integers; nullable timestamps use
// NULL for "not set".
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition_key TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_key TEXT NOT NULL DEFAULT '',
			paused_at INTEGER,
			pause_reason TEXT NOT NULL DEFAULT '',
			failed_at INTEGER,
			failure_code TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			succeeded_at INTEGER,
			cancelled_at INTEGER,
			cancel_reason TEXT NOT NULL DEFAULT '',
			lock_owner TEXT NOT NULL DEFAULT '',
			locked_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			failure_code TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			completed_job_count INTEGER NOT NULL DEFAULT 0,
			failed_job_count INTEGER NOT NULL DEFAULT 0,
			total_job_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_step_runs_workflow ON step_runs(workflow_id, step_key);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_uuid TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL,
			step_run_id TEXT NOT NULL DEFAULT '',
			compensation_run_id TEXT NOT NULL DEFAULT '',
			job_class TEXT NOT NULL,
			queue TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			dispatched_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			runtime_ms INTEGER NOT NULL DEFAULT 0,
			failure_class TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			failure_trace TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_step_run ON jobs(step_run_id);`,
		`CREATE TABLE IF NOT EXISTS outputs (
			workflow_id TEXT NOT NULL,
			output_type TEXT NOT NULL,
			value BLOB,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, output_type)
		);`,
		`CREATE TABLE IF NOT EXISTS compensation_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			job_class TEXT NOT NULL,
			execution_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			current_job_id TEXT NOT NULL DEFAULT '',
			started_at INTEGER,
			finished_at INTEGER,
			failure_message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_compensation_workflow ON compensation_runs(workflow_id, execution_order);`,
		`CREATE TABLE IF NOT EXISTS branch_decisions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			branches BLOB,
			decided_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS resolution_decisions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			action TEXT NOT NULL,
			resolved_by TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trigger_payloads (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			trigger_key TEXT NOT NULL,
			payload BLOB,
			received_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS poll_attempts (
			id TEXT PRIMARY KEY,
			step_run_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			complete INTEGER NOT NULL DEFAULT 0,
			continue_polling INTEGER NOT NULL DEFAULT 0,
			next_interval_override INTEGER NOT NULL DEFAULT 0,
			executed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_poll_attempts_step_run ON poll_attempts(step_run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nanoOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

// --- WorkflowRepository ---

const workflowColumns = `id, definition_key, definition_version, status, current_step_key,
	paused_at, pause_reason, failed_at, failure_code, failure_message,
	succeeded_at, cancelled_at, cancel_reason, lock_owner, locked_at,
	created_at, updated_at`

func scanWorkflow(row interface{ Scan(...any) error }) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var status string
	var pausedAt, failedAt, succeededAt, cancelledAt, lockedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&inst.ID, &inst.DefinitionKey, &inst.DefinitionVersion, &status, &inst.CurrentStepKey,
		&pausedAt, &inst.PauseReason, &failedAt, &inst.FailureCode, &inst.FailureMessage,
		&succeededAt, &cancelledAt, &inst.CancelReason, &inst.LockOwner, &lockedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = api.WorkflowStatus(status)
	inst.PausedAt = timeFromNano(pausedAt)
	inst.FailedAt = timeFromNano(failedAt)
	inst.SucceededAt = timeFromNano(succeededAt)
	inst.CancelledAt = timeFromNano(cancelledAt)
	inst.LockedAt = timeFromNano(lockedAt)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	return &inst, nil
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionKey, inst.DefinitionVersion, string(inst.Status), inst.CurrentStepKey,
		nanoOrNull(inst.PausedAt), inst.PauseReason, nanoOrNull(inst.FailedAt), inst.FailureCode, inst.FailureMessage,
		nanoOrNull(inst.SucceededAt), nanoOrNull(inst.CancelledAt), inst.CancelReason, inst.LockOwner, nanoOrNull(inst.LockedAt),
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, current_step_key = ?,
			paused_at = ?, pause_reason = ?,
			failed_at = ?, failure_code = ?, failure_message = ?,
			succeeded_at = ?, cancelled_at = ?, cancel_reason = ?,
			lock_owner = ?, locked_at = ?, updated_at = ?
		WHERE id = ?`,
		string(inst.Status), inst.CurrentStepKey,
		nanoOrNull(inst.PausedAt), inst.PauseReason,
		nanoOrNull(inst.FailedAt), inst.FailureCode, inst.FailureMessage,
		nanoOrNull(inst.SucceededAt), nanoOrNull(inst.CancelledAt), inst.CancelReason,
		inst.LockOwner, nanoOrNull(inst.LockedAt), inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) FindWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	inst, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrWorkflowNotFound
	}
	return inst, err
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	var clauses []string

	if filter.DefinitionKey != "" {
		clauses = append(clauses, "definition_key = ?")
		args = append(args, filter.DefinitionKey)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrWorkflowNotFound
	}

	cascade := []string{
		`DELETE FROM poll_attempts WHERE step_run_id IN (SELECT id FROM step_runs WHERE workflow_id = ?)`,
		`DELETE FROM step_runs WHERE workflow_id = ?`,
		`DELETE FROM jobs WHERE workflow_id = ?`,
		`DELETE FROM outputs WHERE workflow_id = ?`,
		`DELETE FROM compensation_runs WHERE workflow_id = ?`,
		`DELETE FROM branch_decisions WHERE workflow_id = ?`,
		`DELETE FROM resolution_decisions WHERE workflow_id = ?`,
		`DELETE FROM trigger_payloads WHERE workflow_id = ?`,
	}
	for _, stmt := range cascade {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) workflowExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// condUpdate runs a guarded UPDATE and reports whether it matched a row,
// distinguishing "guard failed" from "workflow missing".
func (s *SQLiteStore) condUpdate(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	exists, err := s.workflowExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, api.ErrWorkflowNotFound
	}
	return false, nil
}

func (s *SQLiteStore) UpdateWorkflowStatusAtomically(ctx context.Context, id string, from, to api.WorkflowStatus) (bool, error) {
	return s.condUpdate(ctx, id, `
		UPDATE workflows SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixNano(), id, string(from),
	)
}

func (s *SQLiteStore) AcquireWorkflowLock(ctx context.Context, id, owner string, staleAfter time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-staleAfter).UnixNano()
	return s.condUpdate(ctx, id, `
		UPDATE workflows
		SET lock_owner = ?, locked_at = ?
		WHERE id = ?
		AND (
			lock_owner = ''
			OR lock_owner = ?
			OR (locked_at IS NOT NULL AND locked_at <= ?)
		)`,
		owner, now.UnixNano(), id, owner, cutoff,
	)
}

func (s *SQLiteStore) ReleaseWorkflowLock(ctx context.Context, id, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	return s.condUpdate(ctx, id, `
		UPDATE workflows
		SET lock_owner = '', locked_at = NULL
		WHERE id = ? AND lock_owner = ?`,
		id, owner,
	)
}

func (s *SQLiteStore) ClearExpiredWorkflowLock(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	cutoff := time.Now().Add(-staleAfter).UnixNano()
	return s.condUpdate(ctx, id, `
		UPDATE workflows
		SET lock_owner = '', locked_at = NULL
		WHERE id = ? AND lock_owner <> '' AND locked_at IS NOT NULL AND locked_at <= ?`,
		id, cutoff,
	)
}

func (s *SQLiteStore) FindWorkflowsWithExpiredLocks(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleAfter).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflows
		WHERE lock_owner <> '' AND locked_at IS NOT NULL AND locked_at <= ?
		ORDER BY id`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- StepRunRepository ---

const stepRunColumns = `id, workflow_id, step_key, attempt, status,
	started_at, finished_at, failure_code, failure_message,
	completed_job_count, failed_job_count, total_job_count,
	created_at, updated_at`

func scanStepRun(row interface{ Scan(...any) error }) (*api.StepRun, error) {
	var run api.StepRun
	var status string
	var startedAt, finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.StepKey, &run.Attempt, &status,
		&startedAt, &finishedAt, &run.FailureCode, &run.FailureMessage,
		&run.CompletedJobCount, &run.FailedJobCount, &run.TotalJobCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = api.StepStatus(status)
	run.StartedAt = timeFromNano(startedAt)
	run.FinishedAt = timeFromNano(finishedAt)
	run.CreatedAt = time.Unix(0, createdAt)
	run.UpdatedAt = time.Unix(0, updatedAt)
	return &run, nil
}

func (s *SQLiteStore) SaveStepRun(ctx context.Context, run *api.StepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_runs (`+stepRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.StepKey, run.Attempt, string(run.Status),
		nanoOrNull(run.StartedAt), nanoOrNull(run.FinishedAt), run.FailureCode, run.FailureMessage,
		run.CompletedJobCount, run.FailedJobCount, run.TotalJobCount,
		run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateStepRun(ctx context.Context, run *api.StepRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs
		SET status = ?, started_at = ?, finished_at = ?,
			failure_code = ?, failure_message = ?,
			completed_job_count = ?, failed_job_count = ?, total_job_count = ?,
			updated_at = ?
		WHERE id = ?`,
		string(run.Status), nanoOrNull(run.StartedAt), nanoOrNull(run.FinishedAt),
		run.FailureCode, run.FailureMessage,
		run.CompletedJobCount, run.FailedJobCount, run.TotalJobCount,
		run.UpdatedAt.UnixNano(),
		run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrStepRunNotFound
	}
	return nil
}

func (s *SQLiteStore) FindStepRun(ctx context.Context, id string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepRunColumns+` FROM step_runs WHERE id = ?`, id)
	run, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) FindLatestStepRun(ctx context.Context, workflowID, stepKey string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE workflow_id = ? AND step_key = ?
		ORDER BY attempt DESC LIMIT 1`,
		workflowID, stepKey,
	)
	run, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListStepRuns(ctx context.Context, workflowID string) ([]*api.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE workflow_id = ?
		ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.StepRun
	for rows.Next() {
		run, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) ListStepRunAttempts(ctx context.Context, workflowID, stepKey string) ([]*api.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE workflow_id = ? AND step_key = ?
		ORDER BY attempt`,
		workflowID, stepKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.StepRun
	for rows.Next() {
		run, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) finalizeStepRun(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM step_runs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, api.ErrStepRunNotFound
	}
	return false, err
}

func (s *SQLiteStore) FinalizeStepRunSucceeded(ctx context.Context, id string) (bool, error) {
	now := time.Now().UnixNano()
	return s.finalizeStepRun(ctx, id, `
		UPDATE step_runs
		SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(api.StepSucceeded), now, now, id, string(api.StepRunning),
	)
}

func (s *SQLiteStore) FinalizeStepRunFailed(ctx context.Context, id, code, message string) (bool, error) {
	now := time.Now().UnixNano()
	return s.finalizeStepRun(ctx, id, `
		UPDATE step_runs
		SET status = ?, finished_at = ?, failure_code = ?, failure_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(api.StepFailed), now, code, message, now, id, string(api.StepRunning),
	)
}

func (s *SQLiteStore) incrementStepRun(ctx context.Context, id, query string) (*api.StepRun, error) {
	res, err := s.db.ExecContext(ctx, query, time.Now().UnixNano(), id)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, api.ErrStepRunNotFound
	}
	return s.FindStepRun(ctx, id)
}

func (s *SQLiteStore) IncrementStepRunJobSuccess(ctx context.Context, id string) (*api.StepRun, error) {
	return s.incrementStepRun(ctx, id, `
		UPDATE step_runs
		SET completed_job_count = completed_job_count + 1, updated_at = ?
		WHERE id = ?`)
}

func (s *SQLiteStore) IncrementStepRunJobFailure(ctx context.Context, id string) (*api.StepRun, error) {
	return s.incrementStepRun(ctx, id, `
		UPDATE step_runs
		SET completed_job_count = completed_job_count + 1,
			failed_job_count = failed_job_count + 1,
			updated_at = ?
		WHERE id = ?`)
}

// --- JobRepository ---

const jobColumns = `id, job_uuid, workflow_id, step_run_id, compensation_run_id,
	job_class, queue, status, attempt, dispatched_at, started_at, finished_at,
	runtime_ms, failure_class, failure_message, failure_trace, worker_id`

func scanJob(row interface{ Scan(...any) error }) (*api.JobRecord, error) {
	var job api.JobRecord
	var status string
	var dispatchedAt int64
	var startedAt, finishedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.JobUUID, &job.WorkflowID, &job.StepRunID, &job.CompensationRunID,
		&job.JobClass, &job.Queue, &status, &job.Attempt, &dispatchedAt, &startedAt, &finishedAt,
		&job.RuntimeMS, &job.FailureClass, &job.FailureMessage, &job.FailureTrace, &job.WorkerID,
	)
	if err != nil {
		return nil, err
	}
	job.Status = api.JobStatus(status)
	job.DispatchedAt = time.Unix(0, dispatchedAt)
	job.StartedAt = timeFromNano(startedAt)
	job.FinishedAt = timeFromNano(finishedAt)
	return &job, nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *api.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobUUID, job.WorkflowID, job.StepRunID, job.CompensationRunID,
		job.JobClass, job.Queue, string(job.Status), job.Attempt,
		job.DispatchedAt.UnixNano(), nanoOrNull(job.StartedAt), nanoOrNull(job.FinishedAt),
		job.RuntimeMS, job.FailureClass, job.FailureMessage, job.FailureTrace, job.WorkerID,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return api.ErrJobAlreadyExists
	}
	return err
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *api.JobRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, finished_at = ?, runtime_ms = ?,
			failure_class = ?, failure_message = ?, failure_trace = ?, worker_id = ?
		WHERE id = ?`,
		string(job.Status), nanoOrNull(job.StartedAt), nanoOrNull(job.FinishedAt), job.RuntimeMS,
		job.FailureClass, job.FailureMessage, job.FailureTrace, job.WorkerID,
		job.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateJobAtomically(ctx context.Context, job *api.JobRecord, from api.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, finished_at = ?, runtime_ms = ?,
			failure_class = ?, failure_message = ?, failure_trace = ?, worker_id = ?
		WHERE id = ? AND status = ?`,
		string(job.Status), nanoOrNull(job.StartedAt), nanoOrNull(job.FinishedAt), job.RuntimeMS,
		job.FailureClass, job.FailureMessage, job.FailureTrace, job.WorkerID,
		job.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, api.ErrJobNotFound
	}
	return false, err
}

func (s *SQLiteStore) FindJob(ctx context.Context, id string) (*api.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) FindJobByUUID(ctx context.Context, jobUUID string) (*api.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_uuid = ?`, jobUUID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*api.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*api.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ListJobsForStepRun(ctx context.Context, stepRunID string) ([]*api.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE step_run_id = ?
		ORDER BY dispatched_at, id`,
		stepRunID,
	)
}

func (s *SQLiteStore) FindZombieJobs(ctx context.Context, startedBefore time.Time) ([]*api.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(api.JobRunning), startedBefore.UnixNano(),
	)
}

func (s *SQLiteStore) FindStaleDispatchedJobs(ctx context.Context, dispatchedBefore time.Time) ([]*api.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND dispatched_at < ?`,
		string(api.JobDispatched), dispatchedBefore.UnixNano(),
	)
}

// --- OutputRepository ---

func (s *SQLiteStore) SaveOutput(ctx context.Context, workflowID string, out api.StepOutput) error {
	value, err := EncodeOutput(out)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outputs (workflow_id, output_type, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, output_type)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workflowID, string(out.Type()), value, time.Now().UnixNano(),
	)
	return err
}

// MergeOutput performs the read-merge-write cycle inside one BEGIN IMMEDIATE
// transaction. The write lock is taken before the read, so concurrent mergers
// queue on the busy timeout instead of deadlocking on a deferred-to-write
// lock upgrade, and no partial result is lost.
func (s *SQLiteStore) MergeOutput(ctx context.Context, workflowID string, out api.StepOutput) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// busy_timeout is a per-connection setting.
	if _, err := conn.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
		}
	}()

	var stored []byte
	err = conn.QueryRowContext(ctx, `
		SELECT value FROM outputs WHERE workflow_id = ? AND output_type = ?`,
		workflowID, string(out.Type()),
	).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var existing api.StepOutput
	if len(stored) > 0 {
		existing, err = DecodeOutput(stored)
		if err != nil {
			return err
		}
	}
	merged, err := mergeOutputValues(existing, out)
	if err != nil {
		return err
	}
	value, err := EncodeOutput(merged)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO outputs (workflow_id, output_type, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, output_type)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workflowID, string(out.Type()), value, time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) FindOutput(ctx context.Context, workflowID string, typ api.OutputType) (api.StepOutput, error) {
	var stored []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM outputs WHERE workflow_id = ? AND output_type = ?`,
		workflowID, string(typ),
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrOutputNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeOutput(stored)
}

func (s *SQLiteStore) Outputs(ctx context.Context, workflowID string) (api.OutputReader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT output_type, value FROM outputs WHERE workflow_id = ?`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := make(outputSnapshot)
	for rows.Next() {
		var typ string
		var stored []byte
		if err := rows.Scan(&typ, &stored); err != nil {
			return nil, err
		}
		out, err := DecodeOutput(stored)
		if err != nil {
			return nil, err
		}
		snap[api.OutputType(typ)] = out
	}
	return snap, rows.Err()
}

// --- CompensationRepository ---

const compensationColumns = `id, workflow_id, step_key, job_class, execution_order,
	status, attempt, max_attempts, current_job_id, started_at, finished_at,
	failure_message, created_at, updated_at`

func scanCompensation(row interface{ Scan(...any) error }) (*api.CompensationRun, error) {
	var run api.CompensationRun
	var status string
	var startedAt, finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&run.ID, &run.WorkflowID, &run.StepKey, &run.JobClass, &run.ExecutionOrder,
		&status, &run.Attempt, &run.MaxAttempts, &run.CurrentJobID, &startedAt, &finishedAt,
		&run.FailureMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = api.CompensationStatus(status)
	run.StartedAt = timeFromNano(startedAt)
	run.FinishedAt = timeFromNano(finishedAt)
	run.CreatedAt = time.Unix(0, createdAt)
	run.UpdatedAt = time.Unix(0, updatedAt)
	return &run, nil
}

func (s *SQLiteStore) SaveCompensationRun(ctx context.Context, run *api.CompensationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_runs (`+compensationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.StepKey, run.JobClass, run.ExecutionOrder,
		string(run.Status), run.Attempt, run.MaxAttempts, run.CurrentJobID,
		nanoOrNull(run.StartedAt), nanoOrNull(run.FinishedAt),
		run.FailureMessage, run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateCompensationRun(ctx context.Context, run *api.CompensationRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compensation_runs
		SET status = ?, attempt = ?, current_job_id = ?,
			started_at = ?, finished_at = ?, failure_message = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), run.Attempt, run.CurrentJobID,
		nanoOrNull(run.StartedAt), nanoOrNull(run.FinishedAt), run.FailureMessage,
		run.UpdatedAt.UnixNano(),
		run.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrCompensationNotFound
	}
	return nil
}

func (s *SQLiteStore) FindCompensationRun(ctx context.Context, id string) (*api.CompensationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+compensationColumns+` FROM compensation_runs WHERE id = ?`, id)
	run, err := scanCompensation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrCompensationNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListCompensationRuns(ctx context.Context, workflowID string) ([]*api.CompensationRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+compensationColumns+` FROM compensation_runs
		WHERE workflow_id = ?
		ORDER BY execution_order`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.CompensationRun
	for rows.Next() {
		run, err := scanCompensation(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) FindNextPendingCompensation(ctx context.Context, workflowID string) (*api.CompensationRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+compensationColumns+` FROM compensation_runs
		WHERE workflow_id = ? AND status = ?
		ORDER BY execution_order LIMIT 1`,
		workflowID, string(api.CompensationPending),
	)
	run, err := scanCompensation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrCompensationNotFound
	}
	return run, err
}

func (s *SQLiteStore) countCompensations(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *SQLiteStore) AllCompensationsTerminal(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.countCompensations(ctx, `
		SELECT COUNT(*) FROM compensation_runs
		WHERE workflow_id = ? AND status NOT IN (?, ?, ?)`,
		workflowID, string(api.CompensationSucceeded), string(api.CompensationFailed), string(api.CompensationSkipped),
	)
	return count == 0, err
}

func (s *SQLiteStore) AllCompensationsSucceeded(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.countCompensations(ctx, `
		SELECT COUNT(*) FROM compensation_runs
		WHERE workflow_id = ? AND status NOT IN (?, ?)`,
		workflowID, string(api.CompensationSucceeded), string(api.CompensationSkipped),
	)
	return count == 0, err
}

func (s *SQLiteStore) AnyCompensationFailed(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.countCompensations(ctx, `
		SELECT COUNT(*) FROM compensation_runs
		WHERE workflow_id = ? AND status = ?`,
		workflowID, string(api.CompensationFailed),
	)
	return count > 0, err
}

// --- RecordRepository ---

func (s *SQLiteStore) AppendBranchDecision(ctx context.Context, rec *api.BranchDecisionRecord) error {
	branches, err := EncodeValue(rec.Branches)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branch_decisions (id, workflow_id, step_key, branches, decided_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.StepKey, branches, rec.DecidedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListBranchDecisions(ctx context.Context, workflowID string) ([]*api.BranchDecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_key, branches, decided_at
		FROM branch_decisions WHERE workflow_id = ?
		ORDER BY decided_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*api.BranchDecisionRecord
	for rows.Next() {
		var rec api.BranchDecisionRecord
		var branches []byte
		var decidedAt int64
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.StepKey, &branches, &decidedAt); err != nil {
			return nil, err
		}
		val, err := DecodeValue(branches)
		if err != nil {
			return nil, err
		}
		if keys, ok := val.([]api.BranchKey); ok {
			rec.Branches = keys
		}
		rec.DecidedAt = time.Unix(0, decidedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) AppendResolutionDecision(ctx context.Context, rec *api.ResolutionDecisionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolution_decisions (id, workflow_id, step_key, action, resolved_by, note, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.StepKey, string(rec.Action), rec.ResolvedBy, rec.Note, rec.ResolvedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListResolutionDecisions(ctx context.Context, workflowID string) ([]*api.ResolutionDecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_key, action, resolved_by, note, resolved_at
		FROM resolution_decisions WHERE workflow_id = ?
		ORDER BY resolved_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*api.ResolutionDecisionRecord
	for rows.Next() {
		var rec api.ResolutionDecisionRecord
		var action string
		var resolvedAt int64
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.StepKey, &action, &rec.ResolvedBy, &rec.Note, &resolvedAt); err != nil {
			return nil, err
		}
		rec.Action = api.ResolutionAction(action)
		rec.ResolvedAt = time.Unix(0, resolvedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) AppendTriggerPayload(ctx context.Context, rec *api.TriggerPayloadRecord) error {
	payload, err := EncodeValue(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trigger_payloads (id, workflow_id, trigger_key, payload, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.TriggerKey, payload, rec.ReceivedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListTriggerPayloads(ctx context.Context, workflowID string) ([]*api.TriggerPayloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, trigger_key, payload, received_at
		FROM trigger_payloads WHERE workflow_id = ?
		ORDER BY received_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*api.TriggerPayloadRecord
	for rows.Next() {
		var rec api.TriggerPayloadRecord
		var payload []byte
		var receivedAt int64
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.TriggerKey, &payload, &receivedAt); err != nil {
			return nil, err
		}
		val, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		rec.Payload = val
		rec.ReceivedAt = time.Unix(0, receivedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) AppendPollAttempt(ctx context.Context, rec *api.PollAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_attempts (id, step_run_id, attempt, job_id, complete, continue_polling, next_interval_override, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StepRunID, rec.Attempt, rec.JobID,
		boolToInt(rec.Complete), boolToInt(rec.Continue),
		int64(rec.NextIntervalOverride), rec.ExecutedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) CountPollAttempts(ctx context.Context, stepRunID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM poll_attempts WHERE step_run_id = ?`,
		stepRunID,
	).Scan(&count)
	return count, err
}

func (s *SQLiteStore) ListPollAttempts(ctx context.Context, stepRunID string) ([]*api.PollAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_run_id, attempt, job_id, complete, continue_polling, next_interval_override, executed_at
		FROM poll_attempts WHERE step_run_id = ?
		ORDER BY attempt, id`,
		stepRunID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*api.PollAttempt
	for rows.Next() {
		var rec api.PollAttempt
		var complete, cont int
		var override, executedAt int64
		if err := rows.Scan(&rec.ID, &rec.StepRunID, &rec.Attempt, &rec.JobID, &complete, &cont, &override, &executedAt); err != nil {
			return nil, err
		}
		rec.Complete = complete != 0
		rec.Continue = cont != 0
		rec.NextIntervalOverride = time.Duration(override)
		rec.ExecutedAt = time.Unix(0, executedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
