package writer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/internal/storage"
	"github.com/cargodesk/intake-be/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func creatable(row int, key string) domain.CandidateRecord {
	return domain.CandidateRecord{
		SourceRow:  row,
		NaturalKey: key,
		Resolution: domain.ResolutionCreatable,
		Fields:     map[string]string{"name": "CUSTOMER", "phone": key},
	}
}

func batch(n int) []domain.CandidateRecord {
	records := make([]domain.CandidateRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, creatable(i+1, fmt.Sprintf("0811%07d", i)))
	}
	return records
}

func TestWrite_AllRecordsCreated(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	result, err := w.Write(context.Background(), domain.KindCustomers, batch(25), Options{})
	require.NoError(t, err)
	assert.Equal(t, 25, result.CreatedCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, 25, store.EntityCount(domain.KindCustomers))
}

func TestWrite_OneBadRecordAmongManyIsIsolated(t *testing.T) {
	store := storage.NewMemoryStore()

	// Pre-insert the key that row 500 will collide with.
	require.NoError(t, store.InsertOne(context.Background(), domain.KindCustomers, "", creatable(0, "0811DUPLICATE")))

	records := batch(999)
	records[499] = creatable(500, "0811DUPLICATE")

	w := New(store, logger.NewNop(), 100)
	result, err := w.Write(context.Background(), domain.KindCustomers, records, Options{})
	require.NoError(t, err)

	assert.Equal(t, 998, result.CreatedCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 500, result.Failed[0].SourceRow)
	assert.Contains(t, result.Failed[0].Error, "natural key already exists")
}

func TestWrite_StartChunkSkipsCommittedChunks(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	records := batch(30)

	// First invocation commits everything.
	first, err := w.Write(context.Background(), domain.KindCustomers, records, Options{})
	require.NoError(t, err)
	assert.Equal(t, 30, first.CreatedCount)

	// A resume that believes all 3 chunks are done writes nothing more.
	second, err := w.Write(context.Background(), domain.KindCustomers, records, Options{
		StartChunk: 3,
		Seed:       Result{CreatedCount: first.CreatedCount},
	})
	require.NoError(t, err)
	assert.Equal(t, 30, second.CreatedCount)
	assert.Equal(t, 30, store.EntityCount(domain.KindCustomers))
}

func TestWrite_PartialResumeWritesOnlyRemainingChunks(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	records := batch(30)

	// Simulate a crash after chunk 0: only its records are in the store.
	require.NoError(t, store.InsertChunk(context.Background(), domain.KindCustomers, "", records[:10]))

	result, err := w.Write(context.Background(), domain.KindCustomers, records, Options{
		StartChunk: 1,
		Seed:       Result{CreatedCount: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 30, result.CreatedCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, 30, store.EntityCount(domain.KindCustomers))
}

func TestWrite_AfterChunkSeesMonotonicTotals(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	var indexes []int
	var totals []int
	_, err := w.Write(context.Background(), domain.KindCustomers, batch(35), Options{
		AfterChunk: func(ctx context.Context, chunkIndex int, total Result) error {
			indexes = append(indexes, chunkIndex)
			totals = append(totals, total.CreatedCount+total.FailedCount)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, indexes)
	assert.Equal(t, []int{10, 20, 30, 35}, totals)
	for i := 1; i < len(totals); i++ {
		assert.GreaterOrEqual(t, totals[i], totals[i-1])
	}
}

func TestWrite_AfterChunkErrorStopsWriting(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	_, err := w.Write(context.Background(), domain.KindCustomers, batch(30), Options{
		AfterChunk: func(ctx context.Context, chunkIndex int, total Result) error {
			if chunkIndex == 1 {
				return errors.New("status store down")
			}
			return nil
		},
	})
	require.Error(t, err)
	// Chunks 0 and 1 committed before the progress write failed.
	assert.Equal(t, 20, store.EntityCount(domain.KindCustomers))
}

func TestWrite_StopHaltsAtChunkBoundary(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	chunksDone := 0
	result, err := w.Write(context.Background(), domain.KindCustomers, batch(50), Options{
		AfterChunk: func(ctx context.Context, chunkIndex int, total Result) error {
			chunksDone++
			return nil
		},
		Stop: func(ctx context.Context) bool {
			return chunksDone >= 2
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, result.CreatedCount)
	assert.Equal(t, 20, store.EntityCount(domain.KindCustomers))
}

// brokenStore fails every write once tripped; lookups still work.
type brokenStore struct {
	*storage.MemoryStore
	tripped func() bool
}

func (b *brokenStore) InsertChunk(ctx context.Context, kind domain.Kind, ownerID string, records []domain.CandidateRecord) error {
	if b.tripped() {
		return errors.New("store unreachable")
	}
	return b.MemoryStore.InsertChunk(ctx, kind, ownerID, records)
}

func (b *brokenStore) InsertOne(ctx context.Context, kind domain.Kind, ownerID string, record domain.CandidateRecord) error {
	if b.tripped() {
		return errors.New("store unreachable")
	}
	return b.MemoryStore.InsertOne(ctx, kind, ownerID, record)
}

func TestWrite_StoreFailureIsFatalAndPreservesProgress(t *testing.T) {
	memory := storage.NewMemoryStore()
	written := 0
	store := &brokenStore{
		MemoryStore: memory,
		tripped:     func() bool { return written >= 2 },
	}
	w := New(store, logger.NewNop(), 10)

	result, err := w.Write(context.Background(), domain.KindCustomers, batch(50), Options{
		AfterChunk: func(ctx context.Context, chunkIndex int, total Result) error {
			written++
			return nil
		},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNaturalKeyExists)
	assert.Equal(t, 20, result.CreatedCount)
	assert.Equal(t, 20, memory.EntityCount(domain.KindCustomers))
}

func TestWrite_RecomputesOwnerStatsOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	w := New(store, logger.NewNop(), 10)

	_, err := w.Write(context.Background(), domain.KindCustomers, batch(25), Options{
		OwnerID: "owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 25, store.OwnerStat("owner-1", domain.KindCustomers))
}
