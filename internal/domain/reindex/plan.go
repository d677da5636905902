package reindex

import "github.com/ahrav/issue-reindex/internal/domain/issue"

// ReconciliationPlan describes the drift between the index snapshot taken at
// task start and the issues actually found in the store.
type ReconciliationPlan struct {
	// Orphans are indexed ids that no batch returned; their issues no longer
	// exist and the documents must be deleted. Sorted ascending.
	Orphans []issue.ID

	// Unindexed are ids returned by a batch that were absent from the
	// snapshot. They were indexed by the batch pass itself. Sorted ascending.
	Unindexed []issue.ID
}

// IsEmpty reports whether the index needs no corruption fix-up.
func (p ReconciliationPlan) IsEmpty() bool { return len(p.Orphans) == 0 }
