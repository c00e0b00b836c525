// Package orchestrator binds the engine together: run lifecycle, source
// acquisition, discovery, executive identity and exports, all behind
// tenant-scoped operations. Components keep their own invariants; the
// orchestrator sequences them and owns the per-run advisory locks.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/dedupe"
	"github.com/Mindburn-Labs/prospector/pkg/discovery"
	"github.com/Mindburn-Labs/prospector/pkg/enrich"
	"github.com/Mindburn-Labs/prospector/pkg/exportpack"
	"github.com/Mindburn-Labs/prospector/pkg/extract"
	"github.com/Mindburn-Labs/prospector/pkg/fetch"
	"github.com/Mindburn-Labs/prospector/pkg/identity"
	"github.com/Mindburn-Labs/prospector/pkg/queue"
	"github.com/Mindburn-Labs/prospector/pkg/runstate"
	"github.com/Mindburn-Labs/prospector/pkg/store"
)

// Deps are the engine's collaborators. Nil fields get defaults built from the
// configuration; tests inject their own.
type Deps struct {
	Store     *store.Store
	Queue     *queue.Queue
	Fetcher   *fetch.Fetcher
	Extractor *extract.Extractor
	Registry  *discovery.Registry
	Packs     *exportpack.Builder
	Sink      contracts.PromotionSink
	Log       *slog.Logger
}

// Engine is the orchestrator service.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	queue     *queue.Queue
	fetcher   *fetch.Fetcher
	extractor *extract.Extractor
	registry  *discovery.Registry
	ledger    *enrich.Ledger
	identity  *identity.Service
	machine   *runstate.Machine
	packs     *exportpack.Builder
	sink      contracts.PromotionSink
	log       *slog.Logger

	// runLocks serializes merge decisions and promotions per run.
	runLocks sync.Map
}

// New wires an engine. Store is required; everything else defaults.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, contracts.NewError(contracts.KindValidation, "orchestrator requires a store")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	extractor := deps.Extractor
	if extractor == nil {
		var err error
		extractor, err = extract.New()
		if err != nil {
			return nil, err
		}
	}
	q := deps.Queue
	if q == nil {
		q = queue.New(deps.Store.DB(), queue.Options{MaxAttempts: cfg.JobMaxAttempts})
		if err := q.Init(context.Background()); err != nil {
			return nil, err
		}
	}
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = fetch.New(fetch.Options{
			Timeout:      cfg.FetchTimeout,
			MaxBodyBytes: cfg.FetchMaxBytes,
			MaxRedirects: cfg.FetchMaxRedirects,
		}, nil, deps.Store, log)
	}
	registry := deps.Registry
	if registry == nil {
		registry = discovery.NewRegistry(cfg, config.NewGate(cfg), extractor, log)
	}
	packs := deps.Packs
	if packs == nil {
		storage := exportpack.Storage(exportpack.NewFSStorage(cfg.ExportPackStorageRoot))
		packs = exportpack.New(deps.Store, storage, exportpack.Options{MaxZipBytes: cfg.ExportPackMaxZipBytes}, log)
	}

	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		queue:     q,
		fetcher:   fetcher,
		extractor: extractor,
		registry:  registry,
		ledger:    enrich.New(deps.Store, time.Duration(cfg.EnrichmentTTLHours)*time.Hour),
		identity:  identity.NewService(deps.Store),
		machine:   runstate.New(deps.Store, log),
		packs:     packs,
		sink:      deps.Sink,
		log:       log.With("component", "orchestrator"),
	}, nil
}

// Queue exposes the engine's job queue for worker wiring.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Store exposes the engine's store for read-only listing surfaces.
func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) lockRun(tenantID, runID string) func() {
	key := tenantID + "/" + runID
	mu, _ := e.runLocks.LoadOrStore(key, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreateRun validates the spec and plans a run.
func (e *Engine) CreateRun(ctx context.Context, tenantID string, spec contracts.RunSpec) (*contracts.Run, error) {
	mandate := strings.TrimSpace(spec.Mandate)
	if mandate == "" {
		return nil, contracts.NewError(contracts.KindValidation, "run mandate must not be empty").
			WithCode("EMPTY_MANDATE")
	}
	mode := spec.DiscoveryMode
	if mode == "" {
		mode = contracts.DiscoveryBoth
	}
	switch mode {
	case contracts.DiscoveryInternal, contracts.DiscoveryExternal, contracts.DiscoveryBoth:
	default:
		return nil, contracts.NewError(contracts.KindValidation, "unknown discovery mode %q", spec.DiscoveryMode)
	}
	for _, key := range spec.Providers {
		if _, err := e.registry.Get(key); err != nil {
			return nil, err
		}
	}
	if _, err := dedupe.CompileEligibility(spec.RankingFilter); err != nil {
		return nil, err
	}

	run := &contracts.Run{
		TenantID:      tenantID,
		Mandate:       mandate,
		Sector:        spec.Sector,
		Region:        spec.Region,
		RankingFilter: spec.RankingFilter,
		DiscoveryMode: mode,
		Providers:     spec.Providers,
		Status:        contracts.RunPlanned,
		CreatedBy:     spec.CreatedBy,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := e.store.CreateSteps(ctx, runstate.NewPlan(tenantID, run.ID, e.cfg.StepMaxAttempts)); err != nil {
		return nil, err
	}
	e.log.Info("run created", "run_id", run.ID, "tenant_id", tenantID, "mode", mode)
	return run, nil
}

// GetRun loads a run in tenant scope.
func (e *Engine) GetRun(ctx context.Context, tenantID, runID string) (*contracts.Run, error) {
	return e.store.GetRun(ctx, tenantID, runID)
}

// StartRun transitions planned→queued and enqueues the root job. Starting an
// already-queued run returns the active job as reused.
func (e *Engine) StartRun(ctx context.Context, tenantID, runID string) (*contracts.EnqueueResult, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case contracts.RunPlanned:
		if err := e.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunQueued, ""); err != nil {
			return nil, err
		}
	case contracts.RunQueued, contracts.RunRunning:
		// fall through to enqueue, which reuses the inflight job
	default:
		return nil, contracts.NewError(contracts.KindConflict,
			"run %s is %s and cannot be started", runID, run.Status)
	}
	return e.queue.Enqueue(ctx, tenantID, runID, contracts.JobRunSteps, runStepsParams(runID, 0))
}

// CancelOutcome enumerates what CancelRun did.
type CancelOutcome string

const (
	CancelNotFound     CancelOutcome = "not_found"
	CancelNoopTerminal CancelOutcome = "noop_terminal"
	CancelNoActiveJob  CancelOutcome = "no_active_job"
	CancelOK           CancelOutcome = "ok"
)

// CancelRun requests cancellation of a run. Terminal runs are a safe noop; a
// run without an active job cancels immediately; a run with an active job is
// cancelled cooperatively through the queue.
func (e *Engine) CancelRun(ctx context.Context, tenantID, runID string) (CancelOutcome, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if contracts.IsKind(err, contracts.KindNotFound) {
		return CancelNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		return CancelNoopTerminal, nil
	}

	job, err := e.queue.ActiveJob(ctx, tenantID, runID, contracts.JobRunSteps)
	if err != nil {
		return "", err
	}
	if job == nil {
		if err := e.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunCancelled, ""); err != nil {
			return "", err
		}
		return CancelNoActiveJob, nil
	}

	outcome, err := e.queue.Cancel(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if outcome == queue.CancelImmediate {
		// The job never ran; the run will not progress, so close it out now.
		if err := e.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunCancelled, ""); err != nil {
			return "", err
		}
	}
	e.log.Info("run cancel requested", "run_id", runID, "job_id", job.ID, "outcome", outcome)
	return CancelOK, nil
}

// RetryRun re-queues failed steps and re-enqueues the root job.
func (e *Engine) RetryRun(ctx context.Context, tenantID, runID string) (*contracts.EnqueueResult, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != contracts.RunFailed && run.Status != contracts.RunCancelled {
		return nil, contracts.NewError(contracts.KindConflict,
			"retry applies to failed or cancelled runs; %s is %s", runID, run.Status).
			WithCode("RUN_NOT_RETRYABLE")
	}

	reset, err := e.machine.ResetFailedSteps(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateRunStatus(ctx, tenantID, runID, contracts.RunQueued, ""); err != nil {
		return nil, err
	}

	last, err := e.queue.LatestJob(ctx, tenantID, runID, contracts.JobRunSteps)
	if err != nil {
		return nil, err
	}
	if last != nil && (last.Status == contracts.JobFailed || last.Status == contracts.JobCancelled) {
		if err := e.queue.Retry(ctx, last.ID, true); err != nil {
			return nil, err
		}
		e.log.Info("run retried", "run_id", runID, "job_id", last.ID, "steps_reset", reset)
		return &contracts.EnqueueResult{JobID: last.ID, ParamsHash: last.ParamsHash}, nil
	}

	// The previous cycle's job succeeded (or never existed); a new cycle
	// number keeps the params hash distinct from it.
	cycle := 0
	if last != nil {
		cycle = cycleOf(last) + 1
	}
	result, err := e.queue.Enqueue(ctx, tenantID, runID, contracts.JobRunSteps, runStepsParams(runID, cycle))
	if err != nil {
		return nil, err
	}
	e.log.Info("run retried", "run_id", runID, "job_id", result.JobID, "steps_reset", reset)
	return result, nil
}

// GetJob returns a job's status envelope, scoped to its run.
func (e *Engine) GetJob(ctx context.Context, tenantID, runID, jobID string) (*contracts.Job, error) {
	job, err := e.queue.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.RunID != runID {
		return nil, contracts.NewError(contracts.KindNotFound, "job %s not found", jobID)
	}
	return job, nil
}
