// Package runstate drives a run's ordered step plan. Steps execute strictly
// by step_order; a succeeded step whose input hash is unchanged
// short-circuits with no new effects, failed steps retry with exponential
// backoff, and exhausting a step's attempts fails the run.
package runstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/canonicalize"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

// Plan keys in execution order.
const (
	StepAcquireURLs     = "acquire_urls"
	StepFetchURLSources = "fetch_url_sources"
	StepExtractSources  = "extract_sources"
	StepDedupeProspects = "dedupe_prospects"
	StepEnrichCompanies = "enrich_companies"
	StepExecDiscovery   = "exec_discovery"
	StepFinalize        = "finalize"
)

// PlanKeys is the fixed run plan.
var PlanKeys = []string{
	StepAcquireURLs,
	StepFetchURLSources,
	StepExtractSources,
	StepDedupeProspects,
	StepEnrichCompanies,
	StepExecDiscovery,
	StepFinalize,
}

// NewPlan builds the pending step rows for a fresh run.
func NewPlan(tenantID, runID string, maxAttempts int) []*contracts.RunStep {
	steps := make([]*contracts.RunStep, len(PlanKeys))
	for i, key := range PlanKeys {
		steps[i] = &contracts.RunStep{
			TenantID:    tenantID,
			RunID:       runID,
			StepKey:     key,
			StepOrder:   i,
			Status:      contracts.StepPending,
			MaxAttempts: maxAttempts,
		}
	}
	return steps
}

// Handler executes one step. Input supplies the step's parameters for
// idempotency hashing; nil means the step has no inputs. Run performs the
// work and returns a JSON-marshalable output.
type Handler struct {
	Input func(ctx context.Context) (any, error)
	Run   func(ctx context.Context, step *contracts.RunStep, input any) (any, error)
}

// CancelCheck reports whether cancellation was requested. It is consulted
// between steps; an in-flight step completes before the checkpoint exits.
type CancelCheck func(ctx context.Context) (bool, error)

// Machine executes run plans.
type Machine struct {
	store     *store.Store
	log       *slog.Logger
	retryBase time.Duration
	retryCap  time.Duration
	now       func() time.Time
}

// New creates a machine with the default retry curve (2s doubling, 10m cap).
func New(s *store.Store, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		store:     s,
		log:       log.With("component", "runstate"),
		retryBase: 2 * time.Second,
		retryCap:  10 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// WithRetry overrides the retry curve.
func (m *Machine) WithRetry(base, max time.Duration) *Machine {
	m.retryBase = base
	m.retryCap = max
	return m
}

// Execute advances the run's plan as far as it can within one job cycle.
// A retryable step failure returns a transient error so the surrounding job
// re-queues with backoff; terminal outcomes move the run itself.
func (m *Machine) Execute(ctx context.Context, tenantID, runID string, handlers map[string]Handler, cancelled CancelCheck) error {
	run, err := m.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status != contracts.RunRunning {
		if err := m.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunRunning, ""); err != nil {
			return err
		}
	}

	steps, err := m.store.ListSteps(ctx, tenantID, runID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if cancelled != nil {
			stop, err := cancelled(ctx)
			if err != nil {
				return err
			}
			if stop {
				return m.cancelAt(ctx, tenantID, runID, step)
			}
		}

		handler, ok := handlers[step.StepKey]

		switch step.Status {
		case contracts.StepSkipped:
			continue
		case contracts.StepSucceeded:
			if !ok {
				continue
			}
			rerun, err := m.inputChanged(ctx, step, handler)
			if err != nil {
				return err
			}
			if !rerun {
				continue
			}
		case contracts.StepCancelled:
			return m.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunCancelled, "")
		}

		if !ok {
			return contracts.NewError(contracts.KindValidation, "no handler for step %q", step.StepKey)
		}
		if err := m.executeStep(ctx, tenantID, runID, step, handler); err != nil {
			return err
		}
	}

	return m.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunSucceeded, "")
}

func (m *Machine) executeStep(ctx context.Context, tenantID, runID string, step *contracts.RunStep, handler Handler) error {
	now := m.now()
	if step.NextRetryAt != nil && step.NextRetryAt.After(now) {
		return contracts.NewError(contracts.KindTransient,
			"step %s retries at %s", step.StepKey, step.NextRetryAt.Format(time.RFC3339)).
			WithCode("STEP_BACKOFF_PENDING")
	}

	var input any
	if handler.Input != nil {
		var err error
		input, err = handler.Input(ctx)
		if err != nil {
			return err
		}
	}
	inputHash, err := canonicalize.ParamsHash(input)
	if err != nil {
		return contracts.WrapError(contracts.KindValidation, err, "hash inputs of step %s", step.StepKey)
	}

	// Unchanged inputs on a previously failed-then-reset step still re-run;
	// only a succeeded step with an unchanged input hash short-circuits
	// (handled by the caller's loop).
	step.Status = contracts.StepRunning
	step.AttemptCount++
	step.InputHash = inputHash
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			step.InputJSON = string(b)
		}
	}
	step.NextRetryAt = nil
	if err := m.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	m.log.Info("step started", "run_id", runID, "step", step.StepKey, "attempt", step.AttemptCount)
	output, runErr := handler.Run(ctx, step, input)
	if runErr == nil {
		step.Status = contracts.StepSucceeded
		step.LastError = ""
		if output != nil {
			if b, err := json.Marshal(output); err == nil {
				step.OutputJSON = string(b)
			}
		}
		return m.store.UpdateStep(ctx, step)
	}

	step.Status = contracts.StepFailed
	step.LastError = runErr.Error()

	if step.AttemptCount >= step.MaxAttempts || !contracts.KindOf(runErr).Retryable() {
		step.NextRetryAt = nil
		if err := m.store.UpdateStep(ctx, step); err != nil {
			return err
		}
		if err := m.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunFailed, step.LastError); err != nil {
			return err
		}
		m.log.Warn("step failed terminally", "run_id", runID, "step", step.StepKey, "error", runErr)
		return runErr
	}

	retryAt := m.now().Add(m.backoff(step.AttemptCount))
	step.NextRetryAt = &retryAt
	if err := m.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	m.log.Info("step retry scheduled", "run_id", runID, "step", step.StepKey,
		"attempt", step.AttemptCount, "next_retry_at", retryAt)
	return contracts.WrapError(contracts.KindTransient, runErr,
		"step %s failed on attempt %d", step.StepKey, step.AttemptCount)
}

// inputChanged recomputes a succeeded step's input hash. When the inputs
// no longer match what the step ran with, the step resets to pending with
// a fresh attempt budget and reports true so the caller re-runs it.
func (m *Machine) inputChanged(ctx context.Context, step *contracts.RunStep, handler Handler) (bool, error) {
	if handler.Input == nil {
		return false, nil
	}
	input, err := handler.Input(ctx)
	if err != nil {
		return false, err
	}
	hash, err := canonicalize.ParamsHash(input)
	if err != nil {
		return false, contracts.WrapError(contracts.KindValidation, err, "hash inputs of step %s", step.StepKey)
	}
	if hash == step.InputHash {
		return false, nil
	}
	m.log.Info("step inputs changed, re-running", "step", step.StepKey)
	step.Status = contracts.StepPending
	step.AttemptCount = 0
	step.NextRetryAt = nil
	step.LastError = ""
	return true, nil
}

// cancelAt marks the step the cancellation landed on and the run itself.
// Earlier succeeded steps stay succeeded.
func (m *Machine) cancelAt(ctx context.Context, tenantID, runID string, step *contracts.RunStep) error {
	if step.Status == contracts.StepPending || step.Status == contracts.StepFailed {
		step.Status = contracts.StepCancelled
		if err := m.store.UpdateStep(ctx, step); err != nil {
			return err
		}
	}
	return m.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunCancelled, "")
}

// ResetFailedSteps re-queues failed steps for retry_run: each failed step
// returns to pending with a fresh attempt budget.
func (m *Machine) ResetFailedSteps(ctx context.Context, tenantID, runID string) (int, error) {
	steps, err := m.store.ListSteps(ctx, tenantID, runID)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, step := range steps {
		if step.Status != contracts.StepFailed && step.Status != contracts.StepCancelled {
			continue
		}
		step.Status = contracts.StepPending
		step.AttemptCount = 0
		step.NextRetryAt = nil
		step.LastError = ""
		if err := m.store.UpdateStep(ctx, step); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

func (m *Machine) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(m.retryBase) * math.Pow(2, float64(attempt-1)))
	if d > m.retryCap || d <= 0 {
		d = m.retryCap
	}
	return d
}
