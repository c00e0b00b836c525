package api

import (
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// JobStatusEnvelope is the wire shape for job status queries.
type JobStatusEnvelope struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	ParamsHash   string     `json:"params_hash"`
	ProgressJSON string     `json:"progress_json,omitempty"`
	ErrorJSON    string     `json:"error_json,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// JobStatus converts a job row into its wire envelope.
func JobStatus(job *contracts.Job) *JobStatusEnvelope {
	return &JobStatusEnvelope{
		ID:           job.ID,
		Status:       string(job.Status),
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		ParamsHash:   job.ParamsHash,
		ProgressJSON: job.ProgressJSON,
		ErrorJSON:    job.ErrorJSON,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
}
