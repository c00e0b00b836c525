package contracts

import "time"

// JobStatus represents the state of a durable work item.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobType identifies the work a job carries.
type JobType string

const (
	JobAcquireExtract JobType = "acquire_extract"
	JobRunSteps       JobType = "run_steps"
)

// Job is a durable work item. At most one job per (tenant, run, type) may be
// queued or running at a time; params_hash is the SHA-256 of the JCS form of
// the parameters and provides enqueue-level idempotency.
type Job struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	RunID           string     `json:"run_id"`
	Type            JobType    `json:"job_type"`
	ParamsHash      string     `json:"params_hash"`
	ParamsJSON      string     `json:"params_json"`
	Status          JobStatus  `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	LockedBy        string     `json:"locked_by,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	ProgressJSON    string     `json:"progress_json,omitempty"`
	ErrorJSON       string     `json:"error_json,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ReuseReason explains why enqueue returned an existing job instead of
// inserting a new one.
type ReuseReason string

const (
	ReuseInflight           ReuseReason = "inflight"
	ReuseDuplicateSucceeded ReuseReason = "duplicate_succeeded"
)

// EnqueueResult is the outcome of a queue enqueue call.
type EnqueueResult struct {
	JobID      string      `json:"job_id"`
	ParamsHash string      `json:"params_hash"`
	Reused     bool        `json:"reused"`
	ReuseFor   ReuseReason `json:"reuse_reason,omitempty"`
}
