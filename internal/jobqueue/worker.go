package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/internal/writer"
	"github.com/cargodesk/intake-be/pkg/logger"
	"github.com/cargodesk/intake-be/pkg/retry"
)

// KindTuning is the per-kind slice of configuration the worker needs.
type KindTuning struct {
	ChunkSize int
	Retention time.Duration
}

type Config struct {
	PoolSize        int
	PollInterval    time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	JanitorInterval time.Duration
}

// Worker drains the durable job queue with a small bounded pool. The queue
// itself is the import_jobs table; the submitting request and the worker
// only ever coordinate through it, so any server instance can execute any
// job. A wake channel shortcuts the poll interval when a job is enqueued
// locally but is only a hint — the poll loop is the source of truth.
type Worker struct {
	jobs     domain.JobStore
	entities domain.EntityStore
	logger   *logger.Logger
	cfg      Config
	tuning   func(domain.Kind) KindTuning

	wake    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(jobs domain.JobStore, entities domain.EntityStore, log *logger.Logger, cfg Config, tuning func(domain.Kind) KindTuning) *Worker {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	return &Worker{
		jobs:     jobs,
		entities: entities,
		logger:   log,
		cfg:      cfg,
		tuning:   tuning,
		wake:     make(chan struct{}, 1),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.logger.Info(runCtx, "Starting import workers",
		"pool_size", w.cfg.PoolSize,
	)

	for i := 0; i < w.cfg.PoolSize; i++ {
		w.wg.Add(1)
		go w.runLoop(runCtx, i)
	}

	if w.cfg.JanitorInterval > 0 {
		w.wg.Add(1)
		go w.janitorLoop(runCtx)
	}

	w.started = true
	return nil
}

func (w *Worker) Shutdown(ctx context.Context) error {
	w.logger.Info(ctx, "Shutting down import workers")

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info(ctx, "Import workers shutdown complete")
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "Import workers shutdown timeout")
		return ctx.Err()
	}
}

// Notify nudges an idle worker after a local enqueue. Non-blocking: when
// the buffer is full everyone is already awake.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	w.logger.Debug(ctx, "Worker started", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug(ctx, "Worker stopping", "worker_id", workerID)
			return
		default:
		}

		job, err := w.jobs.ClaimNextJob(ctx)
		if err != nil {
			w.logger.Error(ctx, "Failed to claim next job",
				"worker_id", workerID,
				"error", err,
			)
			w.idle(ctx)
			continue
		}

		if job == nil {
			w.idle(ctx)
			continue
		}

		if err := w.ProcessJob(ctx, job); err != nil {
			w.logger.Error(ctx, "Job processing failed",
				"worker_id", workerID,
				"job_id", job.ID,
				"error", err,
			)
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-time.After(w.cfg.PollInterval):
	}
}

// ProcessJob runs one claimed job to a terminal state. Resuming a partially
// processed job is safe: counters are seeded from the job row and chunks
// below ChunksDone are skipped, so nothing is written twice.
func (w *Worker) ProcessJob(ctx context.Context, job *domain.ImportJob) error {
	ctx = logger.WithJobID(ctx, job.ID)

	w.logger.Info(ctx, "Processing import job",
		"kind", job.Kind,
		"total_records", job.TotalRecords,
		"chunks_done", job.ChunksDone,
	)

	payload, err := w.jobs.JobPayload(ctx, job.ID)
	if err != nil {
		return w.failJob(ctx, job.ID, fmt.Errorf("load job payload: %w", err))
	}

	tuning := w.tuning(job.Kind)
	batchWriter := writer.New(w.entities, w.logger, tuning.ChunkSize)

	reportedFailures := 0
	result, writeErr := batchWriter.Write(ctx, job.Kind, payload, writer.Options{
		OwnerID:    job.OwnerID,
		StartChunk: job.ChunksDone,
		Seed: writer.Result{
			CreatedCount: job.CreatedCount,
			FailedCount:  job.FailedCount,
		},
		AfterChunk: func(ctx context.Context, chunkIndex int, total writer.Result) error {
			newFailures := total.Failed[reportedFailures:]
			err := retry.Do(ctx, func() error {
				return w.jobs.UpdateJobProgress(ctx, job.ID, domain.JobProgress{
					CreatedCount: total.CreatedCount,
					FailedCount:  total.FailedCount,
					ChunksDone:   chunkIndex + 1,
					NewFailures:  newFailures,
				})
			}, retry.WithMaxAttempts(w.cfg.MaxRetries), retry.WithBaseDelay(w.cfg.RetryBaseDelay))
			if err != nil {
				return err
			}
			reportedFailures = len(total.Failed)
			return nil
		},
		Stop: func(ctx context.Context) bool {
			if ctx.Err() != nil {
				// Shutting down: stop at the boundary and leave the job
				// running for the watchdog to requeue.
				return true
			}
			current, err := w.jobs.GetJob(ctx, job.ID)
			return err == nil && current.CancelRequested
		},
	})

	if ctx.Err() != nil {
		w.logger.Warn(ctx, "Job interrupted by shutdown, leaving running",
			"job_id", job.ID,
		)
		return ctx.Err()
	}

	if writeErr != nil {
		// Flush whatever the failed chunk managed to commit per-record, so
		// the preserved progress matches what is actually in the store.
		if err := w.jobs.UpdateJobProgress(ctx, job.ID, domain.JobProgress{
			CreatedCount: result.CreatedCount,
			FailedCount:  result.FailedCount,
			ChunksDone:   job.ChunksDone,
			NewFailures:  result.Failed[reportedFailures:],
		}); err != nil {
			w.logger.Error(ctx, "Failed to persist final progress",
				"error", err,
			)
		}
		return w.failJob(ctx, job.ID, writeErr)
	}

	current, err := w.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return w.failJob(ctx, job.ID, fmt.Errorf("reload job: %w", err))
	}
	if current.CancelRequested && current.CreatedCount+current.FailedCount < current.TotalRecords {
		w.logger.Info(ctx, "Job cancelled at chunk boundary",
			"created_count", current.CreatedCount,
			"failed_count", current.FailedCount,
		)
		return w.failJob(ctx, job.ID, fmt.Errorf("cancelled by caller"))
	}

	if err := w.jobs.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	w.logger.Info(ctx, "Import job complete",
		"created_count", result.CreatedCount,
		"failed_count", result.FailedCount,
	)
	return nil
}

func (w *Worker) failJob(ctx context.Context, jobID string, cause error) error {
	if err := w.jobs.FailJob(ctx, jobID, cause.Error()); err != nil {
		return fmt.Errorf("%v; fail update failed: %w", cause, err)
	}
	return cause
}

func (w *Worker) janitorLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range domain.Kinds() {
				retention := w.tuning(kind).Retention
				if retention <= 0 {
					continue
				}
				pruned, err := w.jobs.PruneJobs(ctx, kind, time.Now().Add(-retention))
				if err != nil {
					w.logger.Error(ctx, "Failed to prune jobs",
						"kind", kind,
						"error", err,
					)
					continue
				}
				if pruned > 0 {
					w.logger.Info(ctx, "Pruned expired jobs",
						"kind", kind,
						"pruned", pruned,
					)
				}
			}
		}
	}
}
