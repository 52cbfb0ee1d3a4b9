package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cargodesk/intake-be/internal/domain"
)

// MemoryStore is an in-memory implementation of the job and entity stores.
// It backs tests and local development; production uses SQLiteStore.
type MemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*domain.ImportJob
	payloads   map[string][]domain.CandidateRecord
	queue      []string
	entities   map[domain.Kind]map[string]map[string]string
	ownerStats map[string]int
}

func NewMemoryStore() *MemoryStore {
	entities := make(map[domain.Kind]map[string]map[string]string)
	for _, kind := range domain.Kinds() {
		entities[kind] = make(map[string]map[string]string)
	}
	return &MemoryStore{
		jobs:       make(map[string]*domain.ImportJob),
		payloads:   make(map[string][]domain.CandidateRecord),
		entities:   entities,
		ownerStats: make(map[string]int),
	}
}

// --- JobStore ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *domain.ImportJob, payload []domain.CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := *job
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.FailedRecords = append([]domain.FailedRecord(nil), job.FailedRecords...)

	s.jobs[stored.ID] = &stored
	s.payloads[stored.ID] = append([]domain.CandidateRecord(nil), payload...)
	s.queue = append(s.queue, stored.ID)

	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, domain.ErrJobNotFound
	}

	copied := *job
	copied.FailedRecords = append([]domain.FailedRecord(nil), job.FailedRecords...)
	return &copied, nil
}

func (s *MemoryStore) JobPayload(ctx context.Context, jobID string) ([]domain.CandidateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, exists := s.payloads[jobID]
	if !exists {
		return nil, domain.ErrJobNotFound
	}
	return append([]domain.CandidateRecord(nil), payload...), nil
}

func (s *MemoryStore) ClaimNextJob(ctx context.Context) (*domain.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.queue {
		job, exists := s.jobs[id]
		if !exists || job.Status != domain.JobStatusQueued {
			continue
		}

		job.Status = domain.JobStatusRunning
		job.UpdatedAt = time.Now()

		copied := *job
		copied.FailedRecords = append([]domain.FailedRecord(nil), job.FailedRecords...)
		return &copied, nil
	}

	return nil, nil
}

func (s *MemoryStore) UpdateJobProgress(ctx context.Context, jobID string, progress domain.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return domain.ErrJobNotFound
	}

	// Counters only move forward; a replayed update cannot regress them.
	if progress.CreatedCount > job.CreatedCount {
		job.CreatedCount = progress.CreatedCount
	}
	if progress.FailedCount > job.FailedCount {
		job.FailedCount = progress.FailedCount
	}
	if progress.ChunksDone > job.ChunksDone {
		job.ChunksDone = progress.ChunksDone
	}
	job.FailedRecords = append(job.FailedRecords, progress.NewFailures...)
	job.UpdatedAt = time.Now()

	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID string) error {
	return s.finishJob(jobID, domain.JobStatusComplete, "")
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID string, reason string) error {
	return s.finishJob(jobID, domain.JobStatusFailed, reason)
}

func (s *MemoryStore) finishJob(jobID string, status domain.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrJobTerminal
	}

	job.Status = status
	job.Error = reason
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return domain.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrJobTerminal
	}

	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) PruneJobs(ctx context.Context, kind domain.Kind, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	remaining := s.queue[:0]
	for _, id := range s.queue {
		job := s.jobs[id]
		if job != nil && job.Kind == kind && job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.payloads, id)
			pruned++
			continue
		}
		remaining = append(remaining, id)
	}
	s.queue = remaining

	return pruned, nil
}

// --- EntityStore ---

func (s *MemoryStore) ExistingNaturalKeys(ctx context.Context, kind domain.Kind, keys []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey, exists := s.entities[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}

	found := make(map[string]bool, len(keys))
	for _, key := range keys {
		if _, ok := byKey[key]; ok {
			found[key] = true
		}
	}
	return found, nil
}

func (s *MemoryStore) InsertChunk(ctx context.Context, kind domain.Kind, ownerID string, records []domain.CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, exists := s.entities[kind]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}

	// All-or-nothing: check every key before touching the map.
	for _, rec := range records {
		if _, ok := byKey[rec.NaturalKey]; ok {
			return fmt.Errorf("row %d: %w", rec.SourceRow, domain.ErrNaturalKeyExists)
		}
	}

	for _, rec := range records {
		byKey[rec.NaturalKey] = rec.Fields
	}
	return nil
}

func (s *MemoryStore) InsertOne(ctx context.Context, kind domain.Kind, ownerID string, record domain.CandidateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, exists := s.entities[kind]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}

	if _, ok := byKey[record.NaturalKey]; ok {
		return domain.ErrNaturalKeyExists
	}

	byKey[record.NaturalKey] = record.Fields
	return nil
}

func (s *MemoryStore) RecomputeOwnerStats(ctx context.Context, kind domain.Kind, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, exists := s.entities[kind]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}

	s.ownerStats[ownerID+"|"+string(kind)] = len(byKey)
	return nil
}

// EntityCount reports how many records of a kind are persisted. Test helper.
func (s *MemoryStore) EntityCount(kind domain.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities[kind])
}

// JobCount reports how many jobs exist. Test helper.
func (s *MemoryStore) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// OwnerStat returns the recomputed record count for an owner and kind.
// Test helper.
func (s *MemoryStore) OwnerStat(ownerID string, kind domain.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownerStats[ownerID+"|"+string(kind)]
}
