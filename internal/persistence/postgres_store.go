package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/okonecny/stateflow/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a Postgres driver (for example, the pgx
// stdlib adapter). The caller is responsible for importing the driver, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// The schema mirrors the SQLite store: timestamps as UnixNano BIGINT columns,
// NULL for "not set".
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition_key TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step_key TEXT NOT NULL DEFAULT '',
			paused_at BIGINT,
			pause_reason TEXT NOT NULL DEFAULT '',
			failed_at BIGINT,
			failure_code TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			succeeded_at BIGINT,
			cancelled_at BIGINT,
			cancel_reason TEXT NOT NULL DEFAULT '',
			lock_owner TEXT NOT NULL DEFAULT '',
			locked_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS step_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT,
			finished_at BIGINT,
			failure_code TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			completed_job_count INTEGER NOT NULL DEFAULT 0,
			failed_job_count INTEGER NOT NULL DEFAULT 0,
			total_job_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
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
			dispatched_at BIGINT NOT NULL,
			started_at BIGINT,
			finished_at BIGINT,
			runtime_ms BIGINT NOT NULL DEFAULT 0,
			failure_class TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			failure_trace TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_step_run ON jobs(step_run_id);`,
		`CREATE TABLE IF NOT EXISTS outputs (
			workflow_id TEXT NOT NULL,
			output_type TEXT NOT NULL,
			value BYTEA,
			updated_at BIGINT NOT NULL,
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
			started_at BIGINT,
			finished_at BIGINT,
			failure_message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_compensation_workflow ON compensation_runs(workflow_id, execution_order);`,
		`CREATE TABLE IF NOT EXISTS branch_decisions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			branches BYTEA,
			decided_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS resolution_decisions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			action TEXT NOT NULL,
			resolved_by TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			resolved_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trigger_payloads (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			trigger_key TEXT NOT NULL,
			payload BYTEA,
			received_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS poll_attempts (
			id TEXT PRIMARY KEY,
			step_run_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			job_id TEXT NOT NULL DEFAULT '',
			complete INTEGER NOT NULL DEFAULT 0,
			continue_polling INTEGER NOT NULL DEFAULT 0,
			next_interval_override BIGINT NOT NULL DEFAULT 0,
			executed_at BIGINT NOT NULL
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(parts, ", ")
}

// --- WorkflowRepository ---

func (s *PostgresStore) SaveWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (`+placeholders(17)+`)`,
		inst.ID, inst.DefinitionKey, inst.DefinitionVersion, string(inst.Status), inst.CurrentStepKey,
		nanoOrNull(inst.PausedAt), inst.PauseReason, nanoOrNull(inst.FailedAt), inst.FailureCode, inst.FailureMessage,
		nanoOrNull(inst.SucceededAt), nanoOrNull(inst.CancelledAt), inst.CancelReason, inst.LockOwner, nanoOrNull(inst.LockedAt),
		inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, inst *api.WorkflowInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, current_step_key = $2,
			paused_at = $3, pause_reason = $4,
			failed_at = $5, failure_code = $6, failure_message = $7,
			succeeded_at = $8, cancelled_at = $9, cancel_reason = $10,
			lock_owner = $11, locked_at = $12, updated_at = $13
		WHERE id = $14`,
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

func (s *PostgresStore) FindWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	inst, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrWorkflowNotFound
	}
	return inst, err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	var clauses []string

	if filter.DefinitionKey != "" {
		args = append(args, filter.DefinitionKey)
		clauses = append(clauses, "definition_key = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
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

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
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
		`DELETE FROM poll_attempts WHERE step_run_id IN (SELECT id FROM step_runs WHERE workflow_id = $1)`,
		`DELETE FROM step_runs WHERE workflow_id = $1`,
		`DELETE FROM jobs WHERE workflow_id = $1`,
		`DELETE FROM outputs WHERE workflow_id = $1`,
		`DELETE FROM compensation_runs WHERE workflow_id = $1`,
		`DELETE FROM branch_decisions WHERE workflow_id = $1`,
		`DELETE FROM resolution_decisions WHERE workflow_id = $1`,
		`DELETE FROM trigger_payloads WHERE workflow_id = $1`,
	}
	for _, stmt := range cascade {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) workflowExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStore) condUpdate(ctx context.Context, id, query string, args ...any) (bool, error) {
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

func (s *PostgresStore) UpdateWorkflowStatusAtomically(ctx context.Context, id string, from, to api.WorkflowStatus) (bool, error) {
	return s.condUpdate(ctx, id, `
		UPDATE workflows SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), time.Now().UnixNano(), id, string(from),
	)
}

func (s *PostgresStore) AcquireWorkflowLock(ctx context.Context, id, owner string, staleAfter time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-staleAfter).UnixNano()
	return s.condUpdate(ctx, id, `
		UPDATE workflows
		SET lock_owner = $1, locked_at = $2
		WHERE id = $3
		AND (
			lock_owner = ''
			OR lock_owner = $4
			OR (locked_at IS NOT NULL AND locked_at <= $5)
		)`,
		owner, now.UnixNano(), id, owner, cutoff,
	)
}

func (s *PostgresStore) ReleaseWorkflowLock(ctx context.Context, id, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	return s.condUpdate(ctx, id, `
		UPDATE workflows
		SET lock_owner = '', locked_at = NULL
		WHERE id = $1 AND lock_owner = $2`,
		id, owner,
	)
}

func (s *PostgresStore) ClearExpiredWorkflowLock(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	cutoff := time.Now().Add(-staleAfter).UnixNano()
	return s.condUpdate(ctx, id, `
		UPDATE workflows
		SET lock_owner = '', locked_at = NULL
		WHERE id = $1 AND lock_owner <> '' AND locked_at IS NOT NULL AND locked_at <= $2`,
		id, cutoff,
	)
}

func (s *PostgresStore) FindWorkflowsWithExpiredLocks(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleAfter).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workflows
		WHERE lock_owner <> '' AND locked_at IS NOT NULL AND locked_at <= $1
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

func (s *PostgresStore) SaveStepRun(ctx context.Context, run *api.StepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_runs (`+stepRunColumns+`)
		VALUES (`+placeholders(14)+`)`,
		run.ID, run.WorkflowID, run.StepKey, run.Attempt, string(run.Status),
		nanoOrNull(run.StartedAt), nanoOrNull(run.FinishedAt), run.FailureCode, run.FailureMessage,
		run.CompletedJobCount, run.FailedJobCount, run.TotalJobCount,
		run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) UpdateStepRun(ctx context.Context, run *api.StepRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_runs
		SET status = $1, started_at = $2, finished_at = $3,
			failure_code = $4, failure_message = $5,
			completed_job_count = $6, failed_job_count = $7, total_job_count = $8,
			updated_at = $9
		WHERE id = $10`,
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

func (s *PostgresStore) FindStepRun(ctx context.Context, id string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepRunColumns+` FROM step_runs WHERE id = $1`, id)
	run, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepRunNotFound
	}
	return run, err
}

func (s *PostgresStore) FindLatestStepRun(ctx context.Context, workflowID, stepKey string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE workflow_id = $1 AND step_key = $2
		ORDER BY attempt DESC LIMIT 1`,
		workflowID, stepKey,
	)
	run, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepRunNotFound
	}
	return run, err
}

func (s *PostgresStore) ListStepRuns(ctx context.Context, workflowID string) ([]*api.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE workflow_id = $1
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

func (s *PostgresStore) ListStepRunAttempts(ctx context.Context, workflowID, stepKey string) ([]*api.StepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepRunColumns+` FROM step_runs
		WHERE workflow_id = $1 AND step_key = $2
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

func (s *PostgresStore) finalizeStepRun(ctx context.Context, id, query string, args ...any) (bool, error) {
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
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM step_runs WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, api.ErrStepRunNotFound
	}
	return false, err
}

func (s *PostgresStore) FinalizeStepRunSucceeded(ctx context.Context, id string) (bool, error) {
	now := time.Now().UnixNano()
	return s.finalizeStepRun(ctx, id, `
		UPDATE step_runs
		SET status = $1, finished_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(api.StepSucceeded), now, now, id, string(api.StepRunning),
	)
}

func (s *PostgresStore) FinalizeStepRunFailed(ctx context.Context, id, code, message string) (bool, error) {
	now := time.Now().UnixNano()
	return s.finalizeStepRun(ctx, id, `
		UPDATE step_runs
		SET status = $1, finished_at = $2, failure_code = $3, failure_message = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(api.StepFailed), now, code, message, now, id, string(api.StepRunning),
	)
}

func (s *PostgresStore) incrementStepRun(ctx context.Context, id, query string) (*api.StepRun, error) {
	row := s.db.QueryRowContext(ctx, query, time.Now().UnixNano(), id)
	run, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrStepRunNotFound
	}
	return run, err
}

func (s *PostgresStore) IncrementStepRunJobSuccess(ctx context.Context, id string) (*api.StepRun, error) {
	return s.incrementStepRun(ctx, id, `
		UPDATE step_runs
		SET completed_job_count = completed_job_count + 1, updated_at = $1
		WHERE id = $2
		RETURNING `+stepRunColumns)
}

func (s *PostgresStore) IncrementStepRunJobFailure(ctx context.Context, id string) (*api.StepRun, error) {
	return s.incrementStepRun(ctx, id, `
		UPDATE step_runs
		SET completed_job_count = completed_job_count + 1,
			failed_job_count = failed_job_count + 1,
			updated_at = $1
		WHERE id = $2
		RETURNING `+stepRunColumns)
}

// --- JobRepository ---

func (s *PostgresStore) SaveJob(ctx context.Context, job *api.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (`+placeholders(17)+`)`,
		job.ID, job.JobUUID, job.WorkflowID, job.StepRunID, job.CompensationRunID,
		job.JobClass, job.Queue, string(job.Status), job.Attempt,
		job.DispatchedAt.UnixNano(), nanoOrNull(job.StartedAt), nanoOrNull(job.FinishedAt),
		job.RuntimeMS, job.FailureClass, job.FailureMessage, job.FailureTrace, job.WorkerID,
	)
	if isUniqueViolation(err) {
		return api.ErrJobAlreadyExists
	}
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *api.JobRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, started_at = $2, finished_at = $3, runtime_ms = $4,
			failure_class = $5, failure_message = $6, failure_trace = $7, worker_id = $8
		WHERE id = $9`,
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

func (s *PostgresStore) UpdateJobAtomically(ctx context.Context, job *api.JobRecord, from api.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, started_at = $2, finished_at = $3, runtime_ms = $4,
			failure_class = $5, failure_message = $6, failure_trace = $7, worker_id = $8
		WHERE id = $9 AND status = $10`,
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
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, job.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, api.ErrJobNotFound
	}
	return false, err
}

func (s *PostgresStore) FindJob(ctx context.Context, id string) (*api.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) FindJobByUUID(ctx context.Context, jobUUID string) (*api.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_uuid = $1`, jobUUID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*api.JobRecord, error) {
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

func (s *PostgresStore) ListJobsForStepRun(ctx context.Context, stepRunID string) ([]*api.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE step_run_id = $1
		ORDER BY dispatched_at, id`,
		stepRunID,
	)
}

func (s *PostgresStore) FindZombieJobs(ctx context.Context, startedBefore time.Time) ([]*api.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2`,
		string(api.JobRunning), startedBefore.UnixNano(),
	)
}

func (s *PostgresStore) FindStaleDispatchedJobs(ctx context.Context, dispatchedBefore time.Time) ([]*api.JobRecord, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND dispatched_at < $2`,
		string(api.JobDispatched), dispatchedBefore.UnixNano(),
	)
}

// --- OutputRepository ---

func (s *PostgresStore) SaveOutput(ctx context.Context, workflowID string, out api.StepOutput) error {
	value, err := EncodeOutput(out)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outputs (workflow_id, output_type, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, output_type)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		workflowID, string(out.Type()), value, time.Now().UnixNano(),
	)
	return err
}

// MergeOutput performs the read-merge-write cycle inside one transaction,
// taking a row lock with SELECT ... FOR UPDATE so concurrent mergers
// serialize on the stored value.
func (s *PostgresStore) MergeOutput(ctx context.Context, workflowID string, out api.StepOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stored []byte
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM outputs
		WHERE workflow_id = $1 AND output_type = $2
		FOR UPDATE`,
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outputs (workflow_id, output_type, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, output_type)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		workflowID, string(out.Type()), value, time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) FindOutput(ctx context.Context, workflowID string, typ api.OutputType) (api.StepOutput, error) {
	var stored []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM outputs WHERE workflow_id = $1 AND output_type = $2`,
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

func (s *PostgresStore) Outputs(ctx context.Context, workflowID string) (api.OutputReader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT output_type, value FROM outputs WHERE workflow_id = $1`,
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

func (s *PostgresStore) SaveCompensationRun(ctx context.Context, run *api.CompensationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_runs (`+compensationColumns+`)
		VALUES (`+placeholders(14)+`)`,
		run.ID, run.WorkflowID, run.StepKey, run.JobClass, run.ExecutionOrder,
		string(run.Status), run.Attempt, run.MaxAttempts, run.CurrentJobID,
		nanoOrNull(run.StartedAt), nanoOrNull(run.FinishedAt),
		run.FailureMessage, run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) UpdateCompensationRun(ctx context.Context, run *api.CompensationRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE compensation_runs
		SET status = $1, attempt = $2, current_job_id = $3,
			started_at = $4, finished_at = $5, failure_message = $6, updated_at = $7
		WHERE id = $8`,
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

func (s *PostgresStore) FindCompensationRun(ctx context.Context, id string) (*api.CompensationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+compensationColumns+` FROM compensation_runs WHERE id = $1`, id)
	run, err := scanCompensation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrCompensationNotFound
	}
	return run, err
}

func (s *PostgresStore) ListCompensationRuns(ctx context.Context, workflowID string) ([]*api.CompensationRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+compensationColumns+` FROM compensation_runs
		WHERE workflow_id = $1
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

func (s *PostgresStore) FindNextPendingCompensation(ctx context.Context, workflowID string) (*api.CompensationRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+compensationColumns+` FROM compensation_runs
		WHERE workflow_id = $1 AND status = $2
		ORDER BY execution_order LIMIT 1`,
		workflowID, string(api.CompensationPending),
	)
	run, err := scanCompensation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrCompensationNotFound
	}
	return run, err
}

func (s *PostgresStore) countCompensations(ctx context.Context, query string, args ...any) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *PostgresStore) AllCompensationsTerminal(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.countCompensations(ctx, `
		SELECT COUNT(*) FROM compensation_runs
		WHERE workflow_id = $1 AND status NOT IN ($2, $3, $4)`,
		workflowID, string(api.CompensationSucceeded), string(api.CompensationFailed), string(api.CompensationSkipped),
	)
	return count == 0, err
}

func (s *PostgresStore) AllCompensationsSucceeded(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.countCompensations(ctx, `
		SELECT COUNT(*) FROM compensation_runs
		WHERE workflow_id = $1 AND status NOT IN ($2, $3)`,
		workflowID, string(api.CompensationSucceeded), string(api.CompensationSkipped),
	)
	return count == 0, err
}

func (s *PostgresStore) AnyCompensationFailed(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.countCompensations(ctx, `
		SELECT COUNT(*) FROM compensation_runs
		WHERE workflow_id = $1 AND status = $2`,
		workflowID, string(api.CompensationFailed),
	)
	return count > 0, err
}

// --- RecordRepository ---

func (s *PostgresStore) AppendBranchDecision(ctx context.Context, rec *api.BranchDecisionRecord) error {
	branches, err := EncodeValue(rec.Branches)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branch_decisions (id, workflow_id, step_key, branches, decided_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.WorkflowID, rec.StepKey, branches, rec.DecidedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) ListBranchDecisions(ctx context.Context, workflowID string) ([]*api.BranchDecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_key, branches, decided_at
		FROM branch_decisions WHERE workflow_id = $1
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

func (s *PostgresStore) AppendResolutionDecision(ctx context.Context, rec *api.ResolutionDecisionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolution_decisions (id, workflow_id, step_key, action, resolved_by, note, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.WorkflowID, rec.StepKey, string(rec.Action), rec.ResolvedBy, rec.Note, rec.ResolvedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) ListResolutionDecisions(ctx context.Context, workflowID string) ([]*api.ResolutionDecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_key, action, resolved_by, note, resolved_at
		FROM resolution_decisions WHERE workflow_id = $1
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

func (s *PostgresStore) AppendTriggerPayload(ctx context.Context, rec *api.TriggerPayloadRecord) error {
	payload, err := EncodeValue(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trigger_payloads (id, workflow_id, trigger_key, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.WorkflowID, rec.TriggerKey, payload, rec.ReceivedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) ListTriggerPayloads(ctx context.Context, workflowID string) ([]*api.TriggerPayloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, trigger_key, payload, received_at
		FROM trigger_payloads WHERE workflow_id = $1
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

func (s *PostgresStore) AppendPollAttempt(ctx context.Context, rec *api.PollAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_attempts (id, step_run_id, attempt, job_id, complete, continue_polling, next_interval_override, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.StepRunID, rec.Attempt, rec.JobID,
		boolToInt(rec.Complete), boolToInt(rec.Continue),
		int64(rec.NextIntervalOverride), rec.ExecutedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) CountPollAttempts(ctx context.Context, stepRunID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM poll_attempts WHERE step_run_id = $1`,
		stepRunID,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListPollAttempts(ctx context.Context, stepRunID string) ([]*api.PollAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_run_id, attempt, job_id, complete, continue_polling, next_interval_override, executed_at
		FROM poll_attempts WHERE step_run_id = $1
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
