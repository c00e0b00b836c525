// Package worker runs the claim→execute→ack loop over the durable job queue.
// Each worker polls with jitter, heartbeats its lease while executing, and
// honors cooperative cancellation at the checkpoints its executor exposes.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
	"github.com/Mindburn-Labs/prospector/pkg/queue"
)

// ErrCancelled is returned by executors that stopped at a cancellation
// checkpoint. The worker acks the job as cancelled instead of failed.
var ErrCancelled = errors.New("job cancelled at checkpoint")

// Executor performs one job type. cancelled reports whether a cooperative
// cancel was requested; executors consult it between units of work.
type Executor interface {
	Execute(ctx context.Context, job *contracts.Job, cancelled func(ctx context.Context) (bool, error)) (progress any, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *contracts.Job, cancelled func(ctx context.Context) (bool, error)) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *contracts.Job, cancelled func(ctx context.Context) (bool, error)) (any, error) {
	return f(ctx, job, cancelled)
}

// Options tune a worker.
type Options struct {
	ID           string
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// Worker claims and executes jobs of the types it has executors for.
type Worker struct {
	id        string
	queue     *queue.Queue
	executors map[contracts.JobType]Executor
	poll      time.Duration
	stale     time.Duration
	log       *slog.Logger
}

// New creates a worker. A zero Options.ID gets a generated identity.
func New(q *queue.Queue, executors map[contracts.JobType]Executor, opts Options, log *slog.Logger) *Worker {
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.New().String()[:8]
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		id:        opts.ID,
		queue:     q,
		executors: executors,
		poll:      opts.PollInterval,
		stale:     opts.StaleAfter,
		log:       log.With("component", "worker", "worker_id", opts.ID),
	}
}

// ID returns the worker identity used in lease fields.
func (w *Worker) ID() string { return w.id }

// Run polls until the context ends. Each poll cycle tries every registered
// job type once; an idle cycle sleeps the jittered poll interval.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", "poll", w.poll, "stale_after", w.stale)
	for {
		worked := false
		for jobType := range w.executors {
			if ctx.Err() != nil {
				w.log.Info("worker stopped")
				return
			}
			did, err := w.RunOnce(ctx, jobType)
			if err != nil {
				w.log.Error("job cycle failed", "job_type", jobType, "error", err)
			}
			worked = worked || did
		}
		if !worked {
			select {
			case <-ctx.Done():
				w.log.Info("worker stopped")
				return
			case <-time.After(w.jitteredPoll()):
			}
		}
	}
}

// RunOnce claims and executes at most one job of the type. It reports whether
// a job was executed.
func (w *Worker) RunOnce(ctx context.Context, jobType contracts.JobType) (bool, error) {
	executor, ok := w.executors[jobType]
	if !ok {
		return false, contracts.NewError(contracts.KindValidation, "no executor for job type %q", jobType)
	}

	job, err := w.queue.ClaimNext(ctx, w.id, jobType, w.stale)
	if err != nil || job == nil {
		return false, err
	}
	w.log.Info("job claimed", "job_id", job.ID, "job_type", job.Type, "attempt", job.AttemptCount)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, job.ID)

	progress, execErr := executor.Execute(ctx, job, w.cancelCheck(job))
	stopHeartbeat()

	switch {
	case errors.Is(execErr, ErrCancelled):
		if err := w.queue.AckCancelled(ctx, job.ID); err != nil {
			return true, err
		}
		w.log.Info("job cancelled", "job_id", job.ID)
	case execErr != nil:
		if err := w.queue.Fail(ctx, job.ID, execErr); err != nil {
			return true, err
		}
		w.log.Warn("job failed", "job_id", job.ID, "error", execErr)
	default:
		if err := w.queue.Complete(ctx, job.ID, progress); err != nil {
			return true, err
		}
		w.log.Info("job succeeded", "job_id", job.ID)
	}
	return true, nil
}

// cancelCheck reads the job's cancel flag fresh from the queue.
func (w *Worker) cancelCheck(job *contracts.Job) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		current, err := w.queue.Get(ctx, job.TenantID, job.ID)
		if err != nil {
			return false, err
		}
		return current.CancelRequested, nil
	}
}

// heartbeat renews the lease at a third of the stale threshold so a live
// worker is never reclaimed.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.stale / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID, w.id); err != nil && ctx.Err() == nil {
				w.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) jitteredPoll() time.Duration {
	return w.poll + time.Duration(rand.Int63n(int64(w.poll)/2+1))
}
