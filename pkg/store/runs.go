package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// CreateRun inserts a planned run.
func (s *Store) CreateRun(ctx context.Context, run *contracts.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := s.now()
	run.CreatedAt = now
	if run.Status == "" {
		run.Status = contracts.RunPlanned
	}

	providersJSON, err := json.Marshal(run.Providers)
	if err != nil {
		return fmt.Errorf("marshal providers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, mandate, sector, region, ranking_filter,
			discovery_mode, providers_json, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.TenantID, run.Mandate, nullStr(run.Sector), nullStr(run.Region),
		nullStr(run.RankingFilter), string(run.DiscoveryMode), string(providersJSON),
		string(run.Status), nullStr(run.CreatedBy), now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run in tenant scope.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, mandate, sector, region, ranking_filter, discovery_mode,
			providers_json, status, created_by, created_at, started_at, finished_at, last_error
		FROM runs WHERE id = $1 AND tenant_id = $2
	`, runID, tenantID)

	var run contracts.Run
	var sector, region, filter, createdBy, lastError, providersJSON sql.NullString
	var mode, status string
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.TenantID, &run.Mandate, &sector, &region, &filter,
		&mode, &providersJSON, &status, &createdBy, &run.CreatedAt, &startedAt, &finishedAt, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NewError(contracts.KindNotFound, "run %s not found", runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	run.Sector = strVal(sector)
	run.Region = strVal(region)
	run.RankingFilter = strVal(filter)
	run.DiscoveryMode = contracts.DiscoveryMode(mode)
	run.Status = contracts.RunStatus(status)
	run.CreatedBy = strVal(createdBy)
	run.LastError = strVal(lastError)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	if providersJSON.Valid && providersJSON.String != "" {
		if err := json.Unmarshal([]byte(providersJSON.String), &run.Providers); err != nil {
			return nil, fmt.Errorf("corrupt providers JSON for run %s: %w", runID, err)
		}
	}
	return &run, nil
}

// UpdateRunStatus transitions a run, stamping started/finished timestamps as
// the status demands.
func (s *Store) UpdateRunStatus(ctx context.Context, tenantID, runID string, status contracts.RunStatus, lastError string) error {
	now := s.now()

	var startedAt, finishedAt sql.NullTime
	if status == contracts.RunRunning {
		startedAt = sql.NullTime{Time: now, Valid: true}
	}
	if status.Terminal() {
		finishedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1,
			started_at = COALESCE(started_at, $2),
			finished_at = $3,
			last_error = $4,
			updated_at = $5
		WHERE id = $6 AND tenant_id = $7
	`, string(status), startedAt, finishedAt, nullStr(lastError), now, runID, tenantID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.NewError(contracts.KindNotFound, "run %s not found", runID)
	}
	return nil
}

// CreateSteps inserts the ordered plan for a run.
func (s *Store) CreateSteps(ctx context.Context, steps []*contracts.RunStep) error {
	now := s.now()
	for _, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if step.Status == "" {
			step.Status = contracts.StepPending
		}
		step.UpdatedAt = now
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_steps (id, tenant_id, run_id, step_key, step_order, status,
				attempt_count, max_attempts, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, step.ID, step.TenantID, step.RunID, step.StepKey, step.StepOrder,
			string(step.Status), step.AttemptCount, step.MaxAttempts, now)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.StepKey, err)
		}
	}
	return nil
}

// ListSteps returns the plan of a run ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, tenantID, runID string) ([]*contracts.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, step_key, step_order, status, attempt_count,
			max_attempts, next_retry_at, input_hash, input_json, output_json, last_error, updated_at
		FROM run_steps WHERE tenant_id = $1 AND run_id = $2
		ORDER BY step_order ASC
	`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*contracts.RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStep persists a mutated step row.
func (s *Store) UpdateStep(ctx context.Context, step *contracts.RunStep) error {
	step.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_steps SET status = $1, attempt_count = $2, next_retry_at = $3,
			input_hash = $4, input_json = $5, output_json = $6, last_error = $7, updated_at = $8
		WHERE id = $9 AND tenant_id = $10
	`, string(step.Status), step.AttemptCount, nullTime(step.NextRetryAt),
		nullStr(step.InputHash), nullStr(step.InputJSON), nullStr(step.OutputJSON),
		nullStr(step.LastError), step.UpdatedAt, step.ID, step.TenantID)
	if err != nil {
		return fmt.Errorf("update step %s: %w", step.StepKey, err)
	}
	return nil
}

func scanStep(rows *sql.Rows) (*contracts.RunStep, error) {
	var step contracts.RunStep
	var status string
	var nextRetry sql.NullTime
	var inputHash, inputJSON, outputJSON, lastError sql.NullString
	err := rows.Scan(&step.ID, &step.TenantID, &step.RunID, &step.StepKey, &step.StepOrder,
		&status, &step.AttemptCount, &step.MaxAttempts, &nextRetry,
		&inputHash, &inputJSON, &outputJSON, &lastError, &step.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	step.Status = contracts.StepStatus(status)
	step.NextRetryAt = timePtr(nextRetry)
	step.InputHash = strVal(inputHash)
	step.InputJSON = strVal(inputJSON)
	step.OutputJSON = strVal(outputJSON)
	step.LastError = strVal(lastError)
	return &step, nil
}
