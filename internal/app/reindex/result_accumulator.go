package reindex

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
)

// ResultAccumulator collects the asynchronous index operations submitted by a
// run so the run can wait for every write to land before reporting an outcome.
type ResultAccumulator struct {
	mu      sync.Mutex
	results []domain.Result
}

// NewResultAccumulator creates an empty accumulator.
func NewResultAccumulator() *ResultAccumulator { return new(ResultAccumulator) }

// Add appends an operation.
func (a *ResultAccumulator) Add(r domain.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
}

// Len returns the number of operations added so far.
func (a *ResultAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

// ToResult returns a result that completes once every operation added so far
// has completed. It fails with the first operation error observed.
func (a *ResultAccumulator) ToResult(ctx context.Context) domain.Result {
	a.mu.Lock()
	pending := make([]domain.Result, len(a.results))
	copy(pending, a.results)
	a.mu.Unlock()

	combined := domain.NewPendingResult()
	if len(pending) == 0 {
		combined.Complete(nil)
		return combined
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range pending {
		g.Go(func() error { return r.Await(gctx) })
	}
	go func() { combined.Complete(g.Wait()) }()

	return combined
}

// Await blocks until every operation added so far has completed.
func (a *ResultAccumulator) Await(ctx context.Context) error {
	return a.ToResult(ctx).Await(ctx)
}
