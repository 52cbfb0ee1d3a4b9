package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/pkg/logger"
)

// Result holds cumulative write counters. When resuming a job it is seeded
// with the counters already committed, so totals stay monotonic.
type Result struct {
	CreatedCount int
	FailedCount  int
	Failed       []domain.FailedRecord
}

// Options control one Write invocation.
type Options struct {
	// OwnerID tags created records and selects whose aggregate stats are
	// recomputed after the last chunk.
	OwnerID string

	// StartChunk skips chunks already committed by a previous invocation
	// of the same job. Chunk boundaries depend only on record order and
	// chunk size, so skipping is safe.
	StartChunk int

	// Seed pre-loads the cumulative counters (resume path).
	Seed Result

	// AfterChunk, when set, persists progress after each committed chunk.
	// It receives the chunk index and the cumulative result so far.
	AfterChunk func(ctx context.Context, chunkIndex int, total Result) error

	// Stop is checked at chunk boundaries; returning true halts further
	// writes without rolling back committed chunks.
	Stop func(ctx context.Context) bool
}

// BatchWriter persists creatable records in fixed-size transactional chunks.
// A chunk that fails is retried record by record so one bad row cannot roll
// back the rest of the chunk.
type BatchWriter struct {
	store     domain.EntityStore
	logger    *logger.Logger
	chunkSize int
}

func New(store domain.EntityStore, log *logger.Logger, chunkSize int) *BatchWriter {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &BatchWriter{
		store:     store,
		logger:    log,
		chunkSize: chunkSize,
	}
}

// Write persists records in source order. Record-level failures accumulate
// in the result; only a store-level failure (e.g. store unreachable) is
// returned as an error, with the result reflecting everything committed
// before it.
func (w *BatchWriter) Write(ctx context.Context, kind domain.Kind, records []domain.CandidateRecord, opts Options) (Result, error) {
	total := opts.Seed
	chunks := w.chunkCount(len(records))
	stopped := false

	for chunkIndex := 0; chunkIndex < chunks; chunkIndex++ {
		if chunkIndex < opts.StartChunk {
			continue
		}

		if opts.Stop != nil && opts.Stop(ctx) {
			w.logger.Info(ctx, "Write stopped at chunk boundary",
				"kind", kind,
				"chunk_index", chunkIndex,
			)
			stopped = true
			break
		}

		chunk := w.chunk(records, chunkIndex)
		created, failed, fatal := w.writeChunk(ctx, kind, opts.OwnerID, chunk)

		total.CreatedCount += created
		total.FailedCount += len(failed)
		total.Failed = append(total.Failed, failed...)

		if fatal != nil {
			// Records committed before the store gave out stay counted.
			return total, fatal
		}

		if opts.AfterChunk != nil {
			if err := opts.AfterChunk(ctx, chunkIndex, total); err != nil {
				return total, fmt.Errorf("persist progress after chunk %d: %w", chunkIndex, err)
			}
		}
	}

	if !stopped && opts.OwnerID != "" {
		// One recompute per job, not per record.
		if err := w.store.RecomputeOwnerStats(ctx, kind, opts.OwnerID); err != nil {
			return total, fmt.Errorf("recompute owner stats: %w", err)
		}
	}

	return total, nil
}

// writeChunk commits the chunk as one transaction; if that fails, each
// record is retried alone so the failure is isolated to the bad rows.
// A non-conflict error on the per-record path means the store itself is
// failing and is returned as fatal.
func (w *BatchWriter) writeChunk(ctx context.Context, kind domain.Kind, ownerID string, chunk []domain.CandidateRecord) (int, []domain.FailedRecord, error) {
	err := w.store.InsertChunk(ctx, kind, ownerID, chunk)
	if err == nil {
		return len(chunk), nil, nil
	}

	w.logger.Warn(ctx, "Chunk transaction failed, isolating per record",
		"kind", kind,
		"chunk_len", len(chunk),
		"error", err,
	)

	created := 0
	var failed []domain.FailedRecord

	for _, rec := range chunk {
		insErr := w.store.InsertOne(ctx, kind, ownerID, rec)
		if insErr == nil {
			created++
			continue
		}
		if errors.Is(insErr, domain.ErrNaturalKeyExists) {
			failed = append(failed, domain.FailedRecord{
				SourceRow: rec.SourceRow,
				Error:     domain.ErrNaturalKeyExists.Error(),
			})
			continue
		}
		// Not a constraint violation: the store itself is failing.
		return created, failed, fmt.Errorf("insert record at row %d: %w", rec.SourceRow, insErr)
	}

	return created, failed, nil
}

func (w *BatchWriter) chunkCount(n int) int {
	return (n + w.chunkSize - 1) / w.chunkSize
}

func (w *BatchWriter) chunk(records []domain.CandidateRecord, index int) []domain.CandidateRecord {
	start := index * w.chunkSize
	end := start + w.chunkSize
	if end > len(records) {
		end = len(records)
	}
	return records[start:end]
}
