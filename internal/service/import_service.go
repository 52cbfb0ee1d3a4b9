package service

import (
	"context"
	"io"

	"github.com/cargodesk/intake-be/internal/config"
	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/internal/normalize"
	"github.com/cargodesk/intake-be/internal/resolve"
	"github.com/cargodesk/intake-be/internal/writer"
	"github.com/cargodesk/intake-be/pkg/logger"
	"github.com/google/uuid"
)

// Notifier wakes the worker pool after an enqueue. Best effort; the worker
// polls regardless.
type Notifier interface {
	Notify()
}

// ConflictRecord is a resolver conflict surfaced to the caller for manual
// resolution.
type ConflictRecord struct {
	SourceRow  int    `json:"source_row"`
	NaturalKey string `json:"natural_key"`
}

// SubmitResult is the answer to one submission. Small inputs are written
// synchronously (Sync true, counters filled); larger ones are queued
// (JobID filled). Conflicts are reported synchronously either way.
type SubmitResult struct {
	Sync             bool                  `json:"sync"`
	TotalRecords     int                   `json:"total_records"`
	CreatedCount     int                   `json:"created_count"`
	FailedCount      int                   `json:"failed_count"`
	FailedRecords    []domain.FailedRecord `json:"failed_records"`
	Conflicts        []ConflictRecord      `json:"conflicts,omitempty"`
	JobID            string                `json:"job_id,omitempty"`
	EstimatedSeconds int                   `json:"estimated_seconds,omitempty"`
}

// SubmitInput carries one upload. Exactly one of Reader (with Format) or
// Rows is set.
type SubmitInput struct {
	Kind    domain.Kind
	OwnerID string
	Format  string
	Reader  io.Reader
	Rows    []map[string]string
}

type ImportService interface {
	Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	JobStatus(ctx context.Context, jobID string) (*domain.ImportJob, error)
	CancelJob(ctx context.Context, jobID string) error
}

type importService struct {
	jobs     domain.JobStore
	entities domain.EntityStore
	imports  config.ImportsConfig
	notifier Notifier
	logger   *logger.Logger
}

func NewImportService(jobs domain.JobStore, entities domain.EntityStore, imports config.ImportsConfig, notifier Notifier, log *logger.Logger) ImportService {
	return &importService{
		jobs:     jobs,
		entities: entities,
		imports:  imports,
		notifier: notifier,
		logger:   log,
	}
}

// Submit normalizes and resolves the batch synchronously — both are cheap
// and bounded by the input limits — then either writes inline or enqueues a
// job, depending on the per-kind sync threshold. Nothing is persisted until
// the limits have passed, so an oversized input has zero side effects.
func (s *importService) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	schema, err := domain.SchemaFor(in.Kind)
	if err != nil {
		return nil, err
	}
	limits := s.imports.Limits(in.Kind)

	normalizer := normalize.New(schema, normalize.Limits{
		MaxRows:  limits.MaxRows,
		MaxBytes: limits.MaxBytes,
	}, s.logger)

	var records []domain.CandidateRecord
	if in.Reader != nil {
		records, err = normalizer.Normalize(ctx, in.Format, in.Reader)
	} else {
		records, err = normalizer.NormalizeRows(ctx, in.Rows)
	}
	if err != nil {
		return nil, err
	}

	resolver := resolve.New(s.entities, s.logger)
	resolution, err := resolver.Resolve(ctx, in.Kind, records)
	if err != nil {
		return nil, err
	}

	conflicts := make([]ConflictRecord, 0, len(resolution.Conflicts))
	for _, rec := range resolution.Conflicts {
		conflicts = append(conflicts, ConflictRecord{
			SourceRow:  rec.SourceRow,
			NaturalKey: rec.NaturalKey,
		})
	}

	preFailed := make([]domain.FailedRecord, 0, len(resolution.Rejected))
	for _, rec := range resolution.Rejected {
		preFailed = append(preFailed, domain.FailedRecord{
			SourceRow: rec.SourceRow,
			Error:     rec.RejectReason,
		})
	}

	// Conflicts are neither created nor failed; they wait for manual
	// resolution and are excluded from the job's accounting.
	totalRecords := len(resolution.Creatable) + len(preFailed)

	if totalRecords <= limits.SyncThresholdRows {
		return s.writeSync(ctx, in, resolution, preFailed, conflicts, totalRecords, limits)
	}

	return s.enqueue(ctx, in, resolution, preFailed, conflicts, totalRecords, limits)
}

func (s *importService) writeSync(ctx context.Context, in SubmitInput, resolution resolve.Result, preFailed []domain.FailedRecord, conflicts []ConflictRecord, totalRecords int, limits config.KindLimits) (*SubmitResult, error) {
	batchWriter := writer.New(s.entities, s.logger, limits.ChunkSize)

	result, err := batchWriter.Write(ctx, in.Kind, resolution.Creatable, writer.Options{
		OwnerID: in.OwnerID,
		Seed: writer.Result{
			FailedCount: len(preFailed),
			Failed:      preFailed,
		},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Synchronous import complete",
		"kind", in.Kind,
		"created_count", result.CreatedCount,
		"failed_count", result.FailedCount,
	)

	return &SubmitResult{
		Sync:          true,
		TotalRecords:  totalRecords,
		CreatedCount:  result.CreatedCount,
		FailedCount:   result.FailedCount,
		FailedRecords: result.Failed,
		Conflicts:     conflicts,
	}, nil
}

func (s *importService) enqueue(ctx context.Context, in SubmitInput, resolution resolve.Result, preFailed []domain.FailedRecord, conflicts []ConflictRecord, totalRecords int, limits config.KindLimits) (*SubmitResult, error) {
	job := &domain.ImportJob{
		ID:            uuid.New().String(),
		OwnerID:       in.OwnerID,
		Kind:          in.Kind,
		Status:        domain.JobStatusQueued,
		TotalRecords:  totalRecords,
		FailedCount:   len(preFailed),
		FailedRecords: preFailed,
	}

	if err := s.jobs.CreateJob(ctx, job, resolution.Creatable); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}

	estimated := estimateSeconds(len(resolution.Creatable), limits.RowsPerSecond)

	s.logger.Info(ctx, "Import job enqueued",
		"job_id", job.ID,
		"kind", in.Kind,
		"total_records", totalRecords,
		"estimated_seconds", estimated,
	)

	return &SubmitResult{
		Sync:             false,
		TotalRecords:     totalRecords,
		JobID:            job.ID,
		EstimatedSeconds: estimated,
		Conflicts:        conflicts,
	}, nil
}

func (s *importService) JobStatus(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

func (s *importService) CancelJob(ctx context.Context, jobID string) error {
	return s.jobs.RequestCancel(ctx, jobID)
}

func estimateSeconds(records, rowsPerSecond int) int {
	if rowsPerSecond <= 0 {
		rowsPerSecond = 500
	}
	estimated := (records + rowsPerSecond - 1) / rowsPerSecond
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}
