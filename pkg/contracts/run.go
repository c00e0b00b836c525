// Package contracts defines the shared entity types and error kinds for the
// research engine. Every entity is tenant-scoped; a row never leaves its
// tenant.
package contracts

import "time"

// RunStatus represents the lifecycle state of a research run.
type RunStatus string

const (
	RunPlanned   RunStatus = "planned"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// DiscoveryMode selects which engines executive discovery consults.
type DiscoveryMode string

const (
	DiscoveryInternal DiscoveryMode = "internal"
	DiscoveryExternal DiscoveryMode = "external"
	DiscoveryBoth     DiscoveryMode = "both"
)

// RunSpec is the caller-supplied configuration for a new run.
type RunSpec struct {
	Mandate       string        `json:"mandate"`
	Sector        string        `json:"sector,omitempty"`
	Region        string        `json:"region,omitempty"`
	RankingFilter string        `json:"ranking_filter,omitempty"` // CEL expression over prospect fields
	DiscoveryMode DiscoveryMode `json:"discovery_mode,omitempty"`
	Providers     []string      `json:"providers,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
}

// Run is a single research exercise: a mandate scoped to a tenant, driven
// through an ordered plan of steps to a terminal status.
type Run struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Mandate       string        `json:"mandate"`
	Sector        string        `json:"sector,omitempty"`
	Region        string        `json:"region,omitempty"`
	RankingFilter string        `json:"ranking_filter,omitempty"`
	DiscoveryMode DiscoveryMode `json:"discovery_mode"`
	Providers     []string      `json:"providers,omitempty"`
	Status        RunStatus     `json:"status"`
	CreatedBy     string        `json:"created_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// StepStatus represents the state of one plan item within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// RunStep is an ordered plan item. Within a run, step_key is unique and steps
// execute strictly by step_order; a step only enters running once every
// earlier step is succeeded or skipped.
type RunStep struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	RunID        string     `json:"run_id"`
	StepKey      string     `json:"step_key"`
	StepOrder    int        `json:"step_order"`
	Status       StepStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	InputHash    string     `json:"input_hash,omitempty"`
	InputJSON    string     `json:"input_json,omitempty"`
	OutputJSON   string     `json:"output_json,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
