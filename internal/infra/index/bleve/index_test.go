package bleve

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

func newTestIndex(t *testing.T, pageSize int) *Index {
	t.Helper()

	idx, err := Open(Config{InMemory: true, PageSize: pageSize}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func makeIssues(project issue.ProjectID, from, to int) []issue.Issue {
	var out []issue.Issue
	for n := from; n <= to; n++ {
		out = append(out, issue.Issue{
			ID:        issue.ID(n),
			ProjectID: project,
			Key:       fmt.Sprintf("P%d-%d", project, n),
			Summary:   fmt.Sprintf("summary %d", n),
			Status:    "OPEN",
			UpdatedAt: time.Now(),
		})
	}
	return out
}

func collectIDs(t *testing.T, idx *Index, project issue.ProjectID) []issue.ID {
	t.Helper()

	var ids []issue.ID
	require.NoError(t, idx.SearchProjectIssueIDs(context.Background(), project, func(id issue.ID) error {
		ids = append(ids, id)
		return nil
	}))
	slices.Sort(ids)
	return ids
}

func TestIndex_ReindexAndSearchPagesThroughProject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, 7)

	require.NoError(t, idx.ReindexIssues(ctx, makeIssues(1, 1, 25)).Await(ctx))
	require.NoError(t, idx.ReindexIssues(ctx, makeIssues(2, 26, 30)).Await(ctx))

	ids := collectIDs(t, idx, 1)
	require.Len(t, ids, 25)
	assert.Equal(t, issue.ID(1), ids[0])
	assert.Equal(t, issue.ID(25), ids[24])

	assert.Equal(t, []issue.ID{26, 27, 28, 29, 30}, collectIDs(t, idx, 2))
	assert.Empty(t, collectIDs(t, idx, 3))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), count)
}

func TestIndex_SearchKeepsIDsBeyondFloatPrecision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, 10)

	large := []issue.ID{1<<53 + 1, 1<<62 + 3}
	var issues []issue.Issue
	for _, id := range large {
		issues = append(issues, issue.Issue{ID: id, ProjectID: 4, Key: "BIG-" + id.String(), Status: "OPEN", UpdatedAt: time.Now()})
	}
	require.NoError(t, idx.ReindexIssues(ctx, issues).Await(ctx))

	assert.Equal(t, large, collectIDs(t, idx, 4))
}

func TestIndex_ReindexReplacesDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, 0)

	first := makeIssues(1, 5, 5)
	require.NoError(t, idx.ReindexIssues(ctx, first).Await(ctx))
	require.NoError(t, idx.ReindexIssues(ctx, first).Await(ctx))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestIndex_DeIndexIssues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, 0)

	require.NoError(t, idx.ReindexIssues(ctx, makeIssues(1, 1, 3)).Await(ctx))
	require.NoError(t, idx.DeIndexIssues(ctx, []issue.ID{2, 99}).Await(ctx))

	assert.Equal(t, []issue.ID{1, 3}, collectIDs(t, idx, 1))

	ok, err := idx.Contains(2)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = idx.Contains(3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIndex_WritesApplyInSubmissionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, 0)

	results := []domain.Result{
		idx.ReindexIssues(ctx, makeIssues(1, 1, 1)),
		idx.DeIndexIssues(ctx, []issue.ID{1}),
		idx.ReindexIssues(ctx, makeIssues(1, 2, 2)),
	}
	for _, r := range results {
		require.NoError(t, r.Await(ctx))
	}

	assert.Equal(t, []issue.ID{2}, collectIDs(t, idx, 1))
}

func TestIndex_CollectErrorStopsSearch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx := newTestIndex(t, 2)
	require.NoError(t, idx.ReindexIssues(ctx, makeIssues(1, 1, 5)).Await(ctx))

	stop := fmt.Errorf("stop")
	calls := 0
	err := idx.SearchProjectIssueIDs(ctx, 1, func(issue.ID) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestIndex_ClosedRejectsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	idx, err := NewInMemory(logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	assert.ErrorIs(t, idx.ReindexIssues(ctx, makeIssues(1, 1, 1)).Await(ctx), domain.ErrIndexClosed)
	assert.ErrorIs(t, idx.DeIndexIssues(ctx, []issue.ID{1}).Await(ctx), domain.ErrIndexClosed)
}

func TestIndex_OpenOnDiskCreatesThenReopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := t.TempDir() + "/issues.bleve"

	idx, err := Open(Config{Path: path}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	require.NoError(t, idx.ReindexIssues(ctx, makeIssues(4, 1, 3)).Await(ctx))
	require.NoError(t, idx.Close())

	reopened, err := Open(Config{Path: path}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []issue.ID{1, 2, 3}, collectIDs(t, reopened, 4))
}
