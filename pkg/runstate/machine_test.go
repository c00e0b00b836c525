package runstate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

type env struct {
	machine *Machine
	store   *store.Store
	now     time.Time
	run     *contracts.Run
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "runstate.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))

	e := &env{store: s, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	s.WithClock(clock)
	e.machine = New(s, nil).WithClock(clock)

	e.run = &contracts.Run{TenantID: "t1", Mandate: "m", DiscoveryMode: contracts.DiscoveryBoth}
	require.NoError(t, s.CreateRun(context.Background(), e.run))
	require.NoError(t, s.CreateSteps(context.Background(), NewPlan("t1", e.run.ID, 3)))
	return e
}

// noopHandlers returns a full plan of counting handlers.
func noopHandlers(counts map[string]int) map[string]Handler {
	handlers := make(map[string]Handler, len(PlanKeys))
	for _, key := range PlanKeys {
		key := key
		handlers[key] = Handler{
			Run: func(context.Context, *contracts.RunStep, any) (any, error) {
				counts[key]++
				return map[string]any{"ok": true}, nil
			},
		}
	}
	return handlers
}

func TestExecute_RunsPlanInOrderOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}

	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, noopHandlers(counts), nil))

	run, err := e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSucceeded, run.Status)
	for _, key := range PlanKeys {
		assert.Equal(t, 1, counts[key], key)
	}

	steps, err := e.store.ListSteps(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, contracts.StepSucceeded, s.Status, s.StepKey)
		assert.NotEmpty(t, s.InputHash)
	}
}

func TestExecute_UnchangedInputsShortCircuit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)

	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))

	// Re-running a succeeded run is a no-op: terminal runs exit early.
	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	for _, key := range PlanKeys {
		assert.Equal(t, 1, counts[key], key)
	}
}

func TestExecute_ChangedInputsRerunSucceededStep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)
	seeds := []string{"a.example.com"}
	handlers[StepAcquireURLs] = Handler{
		Input: func(context.Context) (any, error) {
			return map[string]any{"seed_hosts": seeds}, nil
		},
		Run: func(context.Context, *contracts.RunStep, any) (any, error) {
			counts[StepAcquireURLs]++
			return nil, nil
		},
	}

	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	assert.Equal(t, 1, counts[StepAcquireURLs])

	// Re-entry with identical inputs short-circuits on the stored hash.
	require.NoError(t, e.store.UpdateRunStatus(ctx, "t1", e.run.ID, contracts.RunQueued, ""))
	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	assert.Equal(t, 1, counts[StepAcquireURLs])

	// Changed inputs invalidate the stored hash and the step runs again.
	seeds = append(seeds, "b.example.com")
	require.NoError(t, e.store.UpdateRunStatus(ctx, "t1", e.run.ID, contracts.RunQueued, ""))
	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	assert.Equal(t, 2, counts[StepAcquireURLs])
	assert.Equal(t, 1, counts[StepFetchURLSources], "steps with stable inputs stay short-circuited")

	steps, err := e.store.ListSteps(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepSucceeded, steps[0].Status)
	assert.Equal(t, 1, steps[0].AttemptCount, "re-run starts a fresh attempt budget")
}

func TestExecute_RetryableFailureSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)
	fail := true
	handlers[StepExtractSources] = Handler{
		Run: func(context.Context, *contracts.RunStep, any) (any, error) {
			counts[StepExtractSources]++
			if fail {
				return nil, contracts.NewError(contracts.KindUpstream, "fetch upstream down")
			}
			return nil, nil
		},
	}

	err := e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindTransient))

	steps, err := e.store.ListSteps(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	var extract *contracts.RunStep
	for _, s := range steps {
		if s.StepKey == StepExtractSources {
			extract = s
		}
	}
	require.NotNil(t, extract)
	assert.Equal(t, contracts.StepFailed, extract.Status)
	assert.Equal(t, 1, extract.AttemptCount)
	require.NotNil(t, extract.NextRetryAt)
	assert.Equal(t, e.now.Add(2*time.Second), *extract.NextRetryAt)

	// Before the retry time the step refuses to run.
	err = e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil)
	require.Error(t, err)
	assert.Equal(t, 1, counts[StepExtractSources])

	// After the backoff it retries; earlier steps short-circuit.
	e.now = e.now.Add(5 * time.Second)
	fail = false
	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	assert.Equal(t, 2, counts[StepExtractSources])
	assert.Equal(t, 1, counts[StepAcquireURLs], "succeeded steps must not re-run")

	run, err := e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSucceeded, run.Status)
}

func TestExecute_MaxAttemptsFailsRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)
	handlers[StepFetchURLSources] = Handler{
		Run: func(context.Context, *contracts.RunStep, any) (any, error) {
			counts[StepFetchURLSources]++
			return nil, contracts.NewError(contracts.KindUpstream, "permanently down")
		},
	}

	for i := 0; i < 3; i++ {
		err := e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil)
		require.Error(t, err)
		e.now = e.now.Add(time.Hour)
	}
	assert.Equal(t, 3, counts[StepFetchURLSources])

	run, err := e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status)
	assert.Contains(t, run.LastError, "permanently down")

	// Terminal runs execute nothing further even with time fast-forwarded.
	e.now = e.now.Add(24 * time.Hour)
	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	assert.Equal(t, 3, counts[StepFetchURLSources])
	assert.Equal(t, 0, counts[StepExtractSources], "later steps never ran")
}

func TestExecute_NonRetryableErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)
	handlers[StepAcquireURLs] = Handler{
		Run: func(context.Context, *contracts.RunStep, any) (any, error) {
			return nil, contracts.NewError(contracts.KindValidation, "bad inputs")
		},
	}

	err := e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil)
	require.Error(t, err)

	run, err := e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunFailed, run.Status, "validation errors do not burn retries")
}

func TestExecute_CancellationBetweenSteps(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)

	cancelAfter := 2
	cancelled := func(context.Context) (bool, error) {
		return counts[StepAcquireURLs]+counts[StepFetchURLSources] >= cancelAfter, nil
	}

	err := e.machine.Execute(ctx, "t1", e.run.ID, handlers, cancelled)
	require.NoError(t, err)

	run, err := e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCancelled, run.Status)

	steps, err := e.store.ListSteps(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepSucceeded, steps[0].Status, "completed steps stay succeeded")
	assert.Equal(t, contracts.StepSucceeded, steps[1].Status)
	assert.Equal(t, contracts.StepCancelled, steps[2].Status)
	assert.Equal(t, 0, counts[StepExtractSources])
}

func TestResetFailedSteps(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	counts := map[string]int{}
	handlers := noopHandlers(counts)
	attempts := 0
	handlers[StepDedupeProspects] = Handler{
		Run: func(context.Context, *contracts.RunStep, any) (any, error) {
			attempts++
			if attempts <= 3 {
				return nil, errors.New("flaky dependency")
			}
			return nil, nil
		},
	}

	for i := 0; i < 3; i++ {
		_ = e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil)
		e.now = e.now.Add(time.Hour)
	}
	run, err := e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.RunFailed, run.Status)

	reset, err := e.machine.ResetFailedSteps(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	// After re-queueing the run completes.
	require.NoError(t, e.store.UpdateRunStatus(ctx, "t1", e.run.ID, contracts.RunQueued, ""))
	require.NoError(t, e.machine.Execute(ctx, "t1", e.run.ID, handlers, nil))
	run, err = e.store.GetRun(ctx, "t1", e.run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSucceeded, run.Status)
}
