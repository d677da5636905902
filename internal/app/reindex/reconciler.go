package reindex

import (
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
)

// IndexReconciler compares the index snapshot taken before the batch pass
// with the ids the batches actually returned. Snapshot positions are marked
// in a bitset as batches report them; whatever stays unmarked is an orphan.
type IndexReconciler struct {
	mu        sync.Mutex
	indexed   []issue.ID
	found     *bitset.BitSet
	unindexed []issue.ID

	once sync.Once
	plan domain.ReconciliationPlan
}

// NewIndexReconciler takes ownership of indexed, which must be sorted
// ascending without duplicates.
func NewIndexReconciler(indexed []issue.ID) *IndexReconciler {
	return &IndexReconciler{
		indexed: indexed,
		found:   bitset.New(uint(len(indexed))),
	}
}

// Seen records ids returned by a batch. Calls after Plan has been computed
// do not change the plan.
func (r *IndexReconciler) Seen(ids ...issue.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if pos, ok := slices.BinarySearch(r.indexed, id); ok {
			r.found.Set(uint(pos))
			continue
		}
		r.unindexed = append(r.unindexed, id)
	}
}

// Plan computes the reconciliation plan. It is computed on the first call
// and returned unchanged afterwards.
func (r *IndexReconciler) Plan() domain.ReconciliationPlan {
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		orphans := make([]issue.ID, 0, uint(len(r.indexed))-r.found.Count())
		for i, id := range r.indexed {
			if !r.found.Test(uint(i)) {
				orphans = append(orphans, id)
			}
		}
		unindexed := slices.Clone(r.unindexed)
		slices.Sort(unindexed)

		r.plan = domain.ReconciliationPlan{
			Orphans:   orphans,
			Unindexed: slices.Compact(unindexed),
		}
	})
	return r.plan
}
