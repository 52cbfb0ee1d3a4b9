package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string, total int) *domain.ImportJob {
	return &domain.ImportJob{
		ID:           id,
		Kind:         domain.KindCustomers,
		Status:       domain.JobStatusQueued,
		TotalRecords: total,
	}
}

func payload(n int) []domain.CandidateRecord {
	records := make([]domain.CandidateRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, domain.CandidateRecord{
			SourceRow:  i + 1,
			NaturalKey: "key-" + string(rune('a'+i)),
			Resolution: domain.ResolutionCreatable,
			Fields:     map[string]string{"name": "X", "phone": "0811111111" + string(rune('0'+i))},
		})
	}
	return records
}

func TestMemoryStore_CreateAndGetJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.CreateJob(ctx, newJob("job-1", 5), payload(5))
	require.NoError(t, err)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 5, job.TotalRecords)
	assert.False(t, job.CreatedAt.IsZero())

	records, err := store.JobPayload(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestMemoryStore_GetJob_NotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_ClaimNextJob_OldestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("job-1", 1), payload(1)))
	require.NoError(t, store.CreateJob(ctx, newJob("job-2", 1), payload(1)))

	first, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "job-1", first.ID)
	assert.Equal(t, domain.JobStatusRunning, first.Status)

	second, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "job-2", second.ID)

	third, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestMemoryStore_UpdateJobProgress_Monotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("job-1", 10), payload(10)))

	err := store.UpdateJobProgress(ctx, "job-1", domain.JobProgress{
		CreatedCount: 5,
		FailedCount:  1,
		ChunksDone:   2,
		NewFailures:  []domain.FailedRecord{{SourceRow: 3, Error: "bad"}},
	})
	require.NoError(t, err)

	// A replayed, stale update cannot move counters backwards.
	err = store.UpdateJobProgress(ctx, "job-1", domain.JobProgress{
		CreatedCount: 3,
		FailedCount:  0,
		ChunksDone:   1,
	})
	require.NoError(t, err)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 5, job.CreatedCount)
	assert.Equal(t, 1, job.FailedCount)
	assert.Equal(t, 2, job.ChunksDone)
	require.Len(t, job.FailedRecords, 1)
	assert.Equal(t, 3, job.FailedRecords[0].SourceRow)
}

func TestMemoryStore_TerminalStatesAreFinal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("job-1", 1), payload(1)))
	require.NoError(t, store.CompleteJob(ctx, "job-1"))

	assert.ErrorIs(t, store.FailJob(ctx, "job-1", "late"), domain.ErrJobTerminal)
	assert.ErrorIs(t, store.CompleteJob(ctx, "job-1"), domain.ErrJobTerminal)
	assert.ErrorIs(t, store.RequestCancel(ctx, "job-1"), domain.ErrJobTerminal)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusComplete, job.Status)
	assert.Empty(t, job.Error)
}

func TestMemoryStore_RequestCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("job-1", 1), payload(1)))
	require.NoError(t, store.RequestCancel(ctx, "job-1"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestMemoryStore_PruneJobs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newJob("old-complete", 1), payload(1)))
	require.NoError(t, store.CompleteJob(ctx, "old-complete"))
	require.NoError(t, store.CreateJob(ctx, newJob("still-queued", 1), payload(1)))

	pruned, err := store.PruneJobs(ctx, domain.KindCustomers, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, err = store.GetJob(ctx, "old-complete")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = store.GetJob(ctx, "still-queued")
	assert.NoError(t, err)
}

func TestMemoryStore_InsertChunkAllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.InsertOne(ctx, domain.KindCustomers, "", domain.CandidateRecord{
		NaturalKey: "dup",
		Fields:     map[string]string{"phone": "dup"},
	}))

	err := store.InsertChunk(ctx, domain.KindCustomers, "", []domain.CandidateRecord{
		{SourceRow: 1, NaturalKey: "fresh", Fields: map[string]string{}},
		{SourceRow: 2, NaturalKey: "dup", Fields: map[string]string{}},
	})
	assert.ErrorIs(t, err, domain.ErrNaturalKeyExists)
	assert.Equal(t, 1, store.EntityCount(domain.KindCustomers))
}

func TestMemoryStore_ExistingNaturalKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.InsertOne(ctx, domain.KindLineItems, "", domain.CandidateRecord{
		NaturalKey: "TRK-1",
		Fields:     map[string]string{"tracking_code": "TRK-1"},
	}))

	found, err := store.ExistingNaturalKeys(ctx, domain.KindLineItems, []string{"TRK-1", "TRK-2"})
	require.NoError(t, err)
	assert.True(t, found["TRK-1"])
	assert.False(t, found["TRK-2"])
}
