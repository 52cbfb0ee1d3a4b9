package resolve

import (
	"context"
	"fmt"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/cargodesk/intake-be/pkg/logger"
)

// KeyLookup is the slice of the entity store the resolver needs.
type KeyLookup interface {
	ExistingNaturalKeys(ctx context.Context, kind domain.Kind, keys []string) (map[string]bool, error)
}

// Result partitions one upload batch. Slices preserve source-row order.
type Result struct {
	Creatable []domain.CandidateRecord
	Conflicts []domain.CandidateRecord
	Rejected  []domain.CandidateRecord
}

type Resolver struct {
	lookup KeyLookup
	logger *logger.Logger
}

func New(lookup KeyLookup, log *logger.Logger) *Resolver {
	return &Resolver{
		lookup: lookup,
		logger: log,
	}
}

// Resolve classifies normalized records against existing state. Natural keys
// are checked with a single batched lookup. A key that already exists is a
// conflict for the caller to resolve manually; it is never overwritten or
// dropped. Within the batch, the first occurrence of a key wins and later
// rows are rejected, so classification is deterministic for a given input.
func (r *Resolver) Resolve(ctx context.Context, kind domain.Kind, records []domain.CandidateRecord) (Result, error) {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Resolution == domain.ResolutionRejected {
			continue
		}
		keys = append(keys, rec.NaturalKey)
	}

	existing, err := r.lookup.ExistingNaturalKeys(ctx, kind, keys)
	if err != nil {
		return Result{}, err
	}

	result := Result{}
	seen := make(map[string]int, len(records))

	for _, rec := range records {
		if rec.Resolution == domain.ResolutionRejected {
			result.Rejected = append(result.Rejected, rec)
			continue
		}

		if firstRow, dup := seen[rec.NaturalKey]; dup {
			rec.Resolution = domain.ResolutionRejected
			rec.RejectReason = duplicateReason(firstRow)
			result.Rejected = append(result.Rejected, rec)
			continue
		}
		seen[rec.NaturalKey] = rec.SourceRow

		if existing[rec.NaturalKey] {
			rec.Resolution = domain.ResolutionConflict
			result.Conflicts = append(result.Conflicts, rec)
			continue
		}

		rec.Resolution = domain.ResolutionCreatable
		result.Creatable = append(result.Creatable, rec)
	}

	r.logger.Debug(ctx, "Resolved upload batch",
		"kind", kind,
		"creatable", len(result.Creatable),
		"conflicts", len(result.Conflicts),
		"rejected", len(result.Rejected),
	)

	return result, nil
}

func duplicateReason(firstRow int) string {
	return fmt.Sprintf("duplicate within batch (first occurrence at row %d)", firstRow)
}
