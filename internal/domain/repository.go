package domain

import (
	"context"
	"time"
)

// JobStore is the durable queue and status record for import jobs. Jobs are
// claimed by a worker (queued -> running) and mutated only by that worker;
// status polling goes through GetJob.
type JobStore interface {
	CreateJob(ctx context.Context, job *ImportJob, payload []CandidateRecord) error
	GetJob(ctx context.Context, jobID string) (*ImportJob, error)

	// JobPayload returns the creatable records the job was submitted with,
	// in submission order. Chunk boundaries are re-derived from this order,
	// so it must be stable across reads.
	JobPayload(ctx context.Context, jobID string) ([]CandidateRecord, error)

	// ClaimNextJob atomically moves the oldest queued job to running and
	// returns it. Returns (nil, nil) when the queue is empty.
	ClaimNextJob(ctx context.Context) (*ImportJob, error)

	UpdateJobProgress(ctx context.Context, jobID string, progress JobProgress) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, reason string) error

	// RequestCancel flags a running or queued job; the worker checks the
	// flag at chunk boundaries.
	RequestCancel(ctx context.Context, jobID string) error

	// PruneJobs removes terminal jobs of the kind last updated before
	// cutoff and returns how many were removed. Retention differs per
	// kind, hence the kind parameter.
	PruneJobs(ctx context.Context, kind Kind, cutoff time.Time) (int, error)
}

// EntityStore persists the business records an import produces and answers
// natural-key lookups for the resolver.
type EntityStore interface {
	// ExistingNaturalKeys reports which of the given keys are already
	// persisted for the kind. One batched query, not one per key.
	ExistingNaturalKeys(ctx context.Context, kind Kind, keys []string) (map[string]bool, error)

	// InsertChunk writes all records in one transaction; on any error the
	// whole chunk is rolled back.
	InsertChunk(ctx context.Context, kind Kind, ownerID string, records []CandidateRecord) error

	// InsertOne writes a single record in its own transaction. Returns
	// ErrNaturalKeyExists when the key lost a race to another writer.
	InsertOne(ctx context.Context, kind Kind, ownerID string, record CandidateRecord) error

	// RecomputeOwnerStats refreshes the per-owner record count for the kind.
	// Called once after the last chunk of a job, never per record.
	RecomputeOwnerStats(ctx context.Context, kind Kind, ownerID string) error
}
