// Package queue implements the durable job queue: at-least-once delivery with
// leases, stale-lease reclamation, bounded retries and params-hash
// idempotency. It runs on database/sql and supports both Postgres and SQLite.
//
// The queue is the single coordination point between workers; every claim is
// an atomic conditional UPDATE, so two workers can never hold the same job.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// Options tune queue behaviour.
type Options struct {
	// MaxAttempts is the default retry cap for new jobs.
	MaxAttempts int
	// ReuseTTL bounds how old a succeeded duplicate may be and still satisfy
	// an enqueue.
	ReuseTTL time.Duration
	// RetryBase is the first retry delay; doubles per attempt up to RetryCap.
	RetryBase time.Duration
	RetryCap  time.Duration
}

// DefaultOptions match the engine configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		ReuseTTL:    time.Hour,
		RetryBase:   2 * time.Second,
		RetryCap:    10 * time.Minute,
	}
}

// Queue is a durable job queue over a SQL table it owns.
type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// New creates a queue over an open database handle.
func New(db *sql.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.ReuseTTL <= 0 {
		opts.ReuseTTL = DefaultOptions().ReuseTTL
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultOptions().RetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = DefaultOptions().RetryCap
	}
	return &Queue{db: db, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	job_type TEXT NOT NULL,
	params_hash TEXT NOT NULL,
	params_json TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMP,
	locked_at TIMESTAMP,
	locked_by TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	progress_json TEXT,
	error_json TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_scope ON jobs (tenant_id, run_id, job_type, status);
`

// Init creates the jobs table. Idempotent.
func (q *Queue) Init(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init jobs schema: %w", err)
	}
	return nil
}

// Backoff returns the retry delay after the given attempt count.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(q.opts.RetryBase) * math.Pow(2, float64(attempt-1)))
	if d > q.opts.RetryCap || d <= 0 {
		d = q.opts.RetryCap
	}
	return d
}

// Enqueue inserts a job, unless an equivalent one already satisfies the call:
// a queued/running job with the same (tenant, run, type, params_hash) is
// returned as reused with reason "inflight"; a recently succeeded duplicate
// within ReuseTTL as "duplicate_succeeded".
func (q *Queue) Enqueue(ctx context.Context, tenantID, runID string, jobType contracts.JobType, params any) (*contracts.EnqueueResult, error) {
	paramsHash, err := canonicalize.ParamsHash(params)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "hash job params")
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "marshal job params")
	}
	if params == nil {
		paramsJSON = []byte("{}")
	}

	now := q.now()

	// Reuse checks happen before insert; the partial-unique invariant (one
	// active job per scope) is then preserved by construction.
	row := q.db.QueryRowContext(ctx, `
		SELECT id, status, finished_at FROM jobs
		WHERE tenant_id = $1 AND run_id = $2 AND job_type = $3 AND params_hash = $4
			AND status IN ('queued', 'running', 'succeeded')
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, tenantID, runID, string(jobType), paramsHash)

	var existingID, existingStatus string
	var finishedAt sql.NullTime
	switch err := row.Scan(&existingID, &existingStatus, &finishedAt); {
	case err == nil:
		status := contracts.JobStatus(existingStatus)
		if status == contracts.JobQueued || status == contracts.JobRunning {
			return &contracts.EnqueueResult{
				JobID: existingID, ParamsHash: paramsHash,
				Reused: true, ReuseFor: contracts.ReuseInflight,
			}, nil
		}
		if finishedAt.Valid && now.Sub(finishedAt.Time) <= q.opts.ReuseTTL {
			return &contracts.EnqueueResult{
				JobID: existingID, ParamsHash: paramsHash,
				Reused: true, ReuseFor: contracts.ReuseDuplicateSucceeded,
			}, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return nil, fmt.Errorf("enqueue lookup: %w", err)
	}

	// A distinct params_hash must still not create a second active job for
	// the scope.
	var active int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE tenant_id = $1 AND run_id = $2 AND job_type = $3 AND status IN ('queued', 'running')
	`, tenantID, runID, string(jobType)).Scan(&active); err != nil {
		return nil, fmt.Errorf("enqueue active check: %w", err)
	}
	if active > 0 {
		return nil, contracts.NewError(contracts.KindConflict,
			"run %s already has an active %s job", runID, jobType).
			WithCode("JOB_ALREADY_ACTIVE")
	}

	id := uuid.New().String()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, run_id, job_type, params_hash, params_json,
			status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, $8, $9)
	`, id, tenantID, runID, string(jobType), paramsHash, string(paramsJSON),
		q.opts.MaxAttempts, now, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue insert: %w", err)
	}

	return &contracts.EnqueueResult{JobID: id, ParamsHash: paramsHash}, nil
}

// ClaimNext atomically claims the oldest eligible job of a type: queued rows
// whose retry time has come, plus running rows whose lease went stale. The
// conditional UPDATE re-checks eligibility, so a lost race affects zero rows
// and the loser simply sees no job.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, jobType contracts.JobType, staleAfter time.Duration) (*contracts.Job, error) {
	now := q.now()
	staleCutoff := now.Add(-staleAfter)

	for attempt := 0; attempt < 3; attempt++ {
		var candidateID string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE job_type = $1 AND (
				(status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $2))
				OR (status = 'running' AND locked_at IS NOT NULL AND locked_at < $3)
			)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, string(jobType), now, staleCutoff).Scan(&candidateID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim select: %w", err)
		}

		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', locked_at = $1, locked_by = $2,
				attempt_count = attempt_count + 1,
				started_at = COALESCE(started_at, $1),
				updated_at = $1
			WHERE id = $3 AND (
				(status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= $4))
				OR (status = 'running' AND locked_at IS NOT NULL AND locked_at < $5)
			)
		`, now, workerID, candidateID, now, staleCutoff)
		if err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return q.get(ctx, candidateID)
		}
		// Another worker won the row; try the next candidate.
	}
	return nil, nil
}

// Complete marks a running job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID string, progress any) error {
	progressJSON := ""
	if progress != nil {
		b, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		progressJSON = string(b)
	}

	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'succeeded', progress_json = $1, finished_at = $2,
			locked_at = NULL, locked_by = NULL, updated_at = $2
		WHERE id = $3 AND status = 'running'
	`, nullStr(progressJSON), now, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireAffected(res, jobID, "complete")
}

// Fail records a failed attempt. Below the attempt cap the job re-queues with
// exponential backoff; at the cap it goes terminal with the error preserved.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != contracts.JobRunning {
		return contracts.NewError(contracts.KindConflict, "job %s is %s, not running", jobID, job.Status)
	}

	errorJSON := marshalError(jobErr)
	now := q.now()

	if job.AttemptCount >= job.MaxAttempts {
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', error_json = $1, finished_at = $2,
				next_retry_at = NULL, locked_at = NULL, locked_by = NULL, updated_at = $2
			WHERE id = $3
		`, errorJSON, now, jobID)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return nil
	}

	nextRetry := now.Add(q.Backoff(job.AttemptCount))
	_, err = q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', error_json = $1, next_retry_at = $2,
			locked_at = NULL, locked_by = NULL, updated_at = $3
		WHERE id = $4
	`, errorJSON, nextRetry, now, jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// CancelOutcome reports what Cancel did.
type CancelOutcome string

const (
	CancelNoopTerminal CancelOutcome = "noop_terminal"
	CancelImmediate    CancelOutcome = "cancelled"
	CancelRequested    CancelOutcome = "cancel_requested"
)

// Cancel cancels a job: queued rows immediately, running rows cooperatively
// via cancel_requested, terminal rows not at all.
func (q *Queue) Cancel(ctx context.Context, jobID string) (CancelOutcome, error) {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return "", err
	}
	now := q.now()

	switch job.Status {
	case contracts.JobQueued:
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelled', finished_at = $1, updated_at = $1
			WHERE id = $2 AND status = 'queued'
		`, now, jobID)
		if err != nil {
			return "", fmt.Errorf("cancel queued job: %w", err)
		}
		return CancelImmediate, nil
	case contracts.JobRunning:
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested = 1, updated_at = $1 WHERE id = $2
		`, now, jobID)
		if err != nil {
			return "", fmt.Errorf("request job cancel: %w", err)
		}
		return CancelRequested, nil
	default:
		return CancelNoopTerminal, nil
	}
}

// AckCancelled marks a running job cancelled after its worker observed the
// cancel request and stopped at a checkpoint.
func (q *Queue) AckCancelled(ctx context.Context, jobID string) error {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', finished_at = $1,
			locked_at = NULL, locked_by = NULL, updated_at = $1
		WHERE id = $2 AND status = 'running'
	`, now, jobID)
	if err != nil {
		return fmt.Errorf("ack cancel: %w", err)
	}
	return requireAffected(res, jobID, "ack cancel")
}

// Retry re-queues a failed or cancelled job, optionally resetting its attempt
// counter.
func (q *Queue) Retry(ctx context.Context, jobID string, resetAttempts bool) error {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != contracts.JobFailed && job.Status != contracts.JobCancelled {
		return contracts.NewError(contracts.KindConflict,
			"retry only applies to failed or cancelled jobs; %s is %s", jobID, job.Status)
	}

	now := q.now()
	attempts := job.AttemptCount
	if resetAttempts {
		attempts = 0
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', attempt_count = $1, next_retry_at = NULL,
			cancel_requested = 0, error_json = NULL, finished_at = NULL, updated_at = $2
		WHERE id = $3
	`, attempts, now, jobID)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Heartbeat renews a running job's lease.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	now := q.now()
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET locked_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'running' AND locked_by = $3
	`, now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Get loads a job row in tenant scope.
func (q *Queue) Get(ctx context.Context, tenantID, jobID string) (*contracts.Job, error) {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, contracts.NewError(contracts.KindNotFound, "job %s not found", jobID)
	}
	return job, nil
}

// ActiveJob returns the queued or running job for a scope, or nil.
func (q *Queue) ActiveJob(ctx context.Context, tenantID, runID string, jobType contracts.JobType) (*contracts.Job, error) {
	row := q.db.QueryRowContext(ctx, jobSelect+`
		WHERE tenant_id = $1 AND run_id = $2 AND job_type = $3 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, runID, string(jobType))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// LatestJob returns the most recent job for a scope regardless of status, or
// nil when the scope never had one.
func (q *Queue) LatestJob(ctx context.Context, tenantID, runID string, jobType contracts.JobType) (*contracts.Job, error) {
	row := q.db.QueryRowContext(ctx, jobSelect+`
		WHERE tenant_id = $1 AND run_id = $2 AND job_type = $3
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, tenantID, runID, string(jobType))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// DeleteRunJobs removes a run's jobs during cascade cleanup.
func (q *Queue) DeleteRunJobs(ctx context.Context, tenantID, runID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	if err != nil {
		return fmt.Errorf("delete run jobs: %w", err)
	}
	return nil
}

func (q *Queue) get(ctx context.Context, jobID string) (*contracts.Job, error) {
	row := q.db.QueryRowContext(ctx, jobSelect+` WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.NewError(contracts.KindNotFound, "job %s not found", jobID)
	}
	return job, err
}

const jobSelect = `
	SELECT id, tenant_id, run_id, job_type, params_hash, params_json, status,
		attempt_count, max_attempts, next_retry_at, locked_at, locked_by,
		cancel_requested, progress_json, error_json, created_at, updated_at,
		started_at, finished_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*contracts.Job, error) {
	var job contracts.Job
	var jobType, status string
	var nextRetry, lockedAt, startedAt, finishedAt sql.NullTime
	var lockedBy, progress, errJSON sql.NullString
	var cancelRequested int

	err := row.Scan(&job.ID, &job.TenantID, &job.RunID, &jobType, &job.ParamsHash,
		&job.ParamsJSON, &status, &job.AttemptCount, &job.MaxAttempts, &nextRetry,
		&lockedAt, &lockedBy, &cancelRequested, &progress, &errJSON,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Type = contracts.JobType(jobType)
	job.Status = contracts.JobStatus(status)
	job.NextRetryAt = timePtr(nextRetry)
	job.LockedAt = timePtr(lockedAt)
	job.LockedBy = strVal(lockedBy)
	job.CancelRequested = cancelRequested != 0
	job.ProgressJSON = strVal(progress)
	job.ErrorJSON = strVal(errJSON)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}

func marshalError(err error) string {
	payload := map[string]any{"message": err.Error()}
	var de *contracts.Error
	if errors.As(err, &de) {
		payload["kind"] = string(de.Kind)
		if de.Code != "" {
			payload["code"] = de.Code
		}
		if de.Details != nil {
			payload["details"] = de.Details
		}
	}
	b, merr := json.Marshal(payload)
	if merr != nil {
		return fmt.Sprintf(`{"message":%q}`, err.Error())
	}
	return string(b)
}

func requireAffected(res sql.Result, jobID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.NewError(contracts.KindConflict, "%s: job %s not in expected state", op, jobID)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func strVal(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
