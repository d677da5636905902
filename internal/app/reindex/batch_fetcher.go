package reindex

import (
	"context"
	"fmt"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

// BatchFetcher walks the issues of one project in id order, one bounded query
// per step. Each query resumes after the last id of the previous batch, so
// batches never overlap or skip rows even while the table is being written.
//
// A fetcher is single pass:
//
//	for f.Next(ctx) {
//		process(f.Batch())
//	}
//	if err := f.Err(); err != nil { ... }
type BatchFetcher struct {
	repo      issue.Repository
	projectID issue.ProjectID
	batchSize int

	afterID issue.ID
	batch   []issue.Issue
	fetched int
	batches int
	done    bool
	err     error
}

// NewBatchFetcher creates a fetcher positioned before the first issue.
func NewBatchFetcher(repo issue.Repository, projectID issue.ProjectID, batchSize int) *BatchFetcher {
	return &BatchFetcher{repo: repo, projectID: projectID, batchSize: batchSize}
}

// Next fetches the following batch. It returns false once the project is
// exhausted or a query failed; check Err to tell the two apart.
func (f *BatchFetcher) Next(ctx context.Context) bool {
	if f.done || f.err != nil {
		return false
	}

	issues, err := f.repo.ListBatch(ctx, f.projectID, f.afterID, f.batchSize)
	if err != nil {
		f.err = fmt.Errorf("failed to fetch batch after issue %d (project_id: %d): %w", f.afterID, f.projectID, err)
		f.batch = nil
		return false
	}
	if len(issues) == 0 {
		f.done = true
		f.batch = nil
		return false
	}
	// A short batch is the last one; skip the empty query that would follow.
	if len(issues) < f.batchSize {
		f.done = true
	}

	f.batch = issues
	f.afterID = issues[len(issues)-1].ID
	f.fetched += len(issues)
	f.batches++
	return true
}

// Batch returns the issues fetched by the last successful Next.
func (f *BatchFetcher) Batch() []issue.Issue { return f.batch }

// Err returns the query error that stopped iteration, if any.
func (f *BatchFetcher) Err() error { return f.err }

// Fetched returns the number of issues returned so far.
func (f *BatchFetcher) Fetched() int { return f.fetched }

// Batches returns the number of batches returned so far.
func (f *BatchFetcher) Batches() int { return f.batches }
