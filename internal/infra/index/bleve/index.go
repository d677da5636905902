// Package bleve keeps the issue search index in a bleve index. All writes go
// through a single writer goroutine, so index operations are applied in the
// order they were submitted.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	blevesearch "github.com/blevesearch/bleve/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

const (
	defaultQueueSize = 64
	defaultPageSize  = 1000
)

// Config describes where the index lives.
type Config struct {
	// Path of the index directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the index in memory only.
	InMemory bool
	// PageSize is the number of hits fetched per page when scanning a project.
	PageSize int
}

var (
	_ domain.IssueIndexer  = (*Index)(nil)
	_ domain.IssueSearcher = (*Index)(nil)
)

// writeOp is one unit of work for the writer goroutine.
type writeOp struct {
	name   string
	build  func(b *blevesearch.Batch) error
	result *domain.PendingResult
}

// Index implements the issue indexer and searcher on top of bleve.
type Index struct {
	idx      blevesearch.Index
	pageSize int

	mu     sync.RWMutex
	closed bool
	ops    chan writeOp
	done   chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// Open opens the index at cfg.Path, creating it when it does not exist yet.
func Open(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Index, error) {
	logger = logger.With("component", "bleve_index")

	var (
		idx blevesearch.Index
		err error
	)
	switch {
	case cfg.InMemory:
		idx, err = blevesearch.NewMemOnly(buildIndexMapping())
	default:
		idx, err = blevesearch.Open(cfg.Path)
		if errors.Is(err, blevesearch.ErrorIndexPathDoesNotExist) {
			idx, err = blevesearch.New(cfg.Path, buildIndexMapping())
			if err == nil {
				logger.Info(context.Background(), "Created new search index", "path", cfg.Path)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	i := &Index{
		idx:      idx,
		pageSize: pageSize,
		ops:      make(chan writeOp, defaultQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
		tracer:   tracer,
	}
	go i.writeLoop()

	return i, nil
}

// NewInMemory returns an empty in-memory index.
func NewInMemory(logger *logger.Logger, tracer trace.Tracer) (*Index, error) {
	return Open(Config{InMemory: true}, logger, tracer)
}

func (i *Index) writeLoop() {
	defer close(i.done)

	for op := range i.ops {
		batch := i.idx.NewBatch()
		err := op.build(batch)
		if err == nil {
			err = i.idx.Batch(batch)
		}
		if err != nil {
			i.logger.Error(context.Background(), "Index write failed", "operation", op.name, "error", err)
			err = fmt.Errorf("index %s: %w", op.name, err)
		}
		op.result.Complete(err)
	}
}

// submit queues a write. The returned result completes once the batch is
// committed, or immediately when the index is closed or ctx is done.
func (i *Index) submit(ctx context.Context, name string, build func(b *blevesearch.Batch) error) domain.Result {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return domain.CompletedResult(domain.ErrIndexClosed)
	}

	op := writeOp{name: name, build: build, result: domain.NewPendingResult()}
	select {
	case i.ops <- op:
		return op.result
	case <-ctx.Done():
		return domain.CompletedResult(ctx.Err())
	}
}

// ReindexIssues replaces the documents of the given issues.
func (i *Index) ReindexIssues(ctx context.Context, issues []issue.Issue) domain.Result {
	_, span := i.tracer.Start(ctx, "bleve_index.reindex_issues",
		trace.WithAttributes(attribute.Int("issue_count", len(issues))))
	defer span.End()

	docs := make([]document, len(issues))
	for n := range issues {
		docs[n] = newDocument(issues[n])
	}

	return i.submit(ctx, "reindex", func(b *blevesearch.Batch) error {
		for n := range docs {
			if err := b.Index(issue.ID(docs[n].IssueID).String(), docs[n]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeIndexIssues removes the documents of the given issue ids. Removing an
// id that is not indexed is not an error.
func (i *Index) DeIndexIssues(ctx context.Context, ids []issue.ID) domain.Result {
	_, span := i.tracer.Start(ctx, "bleve_index.deindex_issues",
		trace.WithAttributes(attribute.Int("issue_count", len(ids))))
	defer span.End()

	toDelete := make([]string, len(ids))
	for n, id := range ids {
		toDelete[n] = id.String()
	}

	return i.submit(ctx, "deindex", func(b *blevesearch.Batch) error {
		for _, id := range toDelete {
			b.Delete(id)
		}
		return nil
	})
}

// SearchProjectIssueIDs pages through every document of the project sorted
// by document id. No stored fields are loaded: the document id is the
// decimal issue id, and the numeric issue_id field is only exact up to 2^53.
func (i *Index) SearchProjectIssueIDs(
	ctx context.Context,
	projectID issue.ProjectID,
	collect func(issue.ID) error,
) error {
	ctx, span := i.tracer.Start(ctx, "bleve_index.search_project_issue_ids",
		trace.WithAttributes(attribute.Int64("project_id", int64(projectID))))
	defer span.End()

	pid := float64(projectID)
	inclusive := true
	q := blevesearch.NewNumericRangeInclusiveQuery(&pid, &pid, &inclusive, &inclusive)
	q.SetField(fieldProjectID)

	req := blevesearch.NewSearchRequestOptions(q, i.pageSize, 0, false)
	req.SortBy([]string{"_id"})

	total := 0
	for {
		res, err := i.idx.SearchInContext(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
			return fmt.Errorf("failed to search project issues (project_id: %d): %w", projectID, err)
		}

		for _, hit := range res.Hits {
			id, err := hitIssueID(hit.ID)
			if err != nil {
				span.RecordError(err)
				return err
			}
			if err := collect(id); err != nil {
				return err
			}
		}
		total += len(res.Hits)

		if len(res.Hits) < i.pageSize {
			break
		}
		req.SearchAfter = res.Hits[len(res.Hits)-1].Sort
	}
	span.SetAttributes(attribute.Int("hit_count", total))

	return nil
}

func hitIssueID(docID string) (issue.ID, error) {
	id, err := issue.ParseID(docID)
	if err != nil {
		return 0, fmt.Errorf("document %q has no usable issue id: %w", docID, err)
	}
	return id, nil
}

// Contains reports whether an issue document is indexed.
func (i *Index) Contains(id issue.ID) (bool, error) {
	doc, err := i.idx.Document(id.String())
	if err != nil {
		return false, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	return doc != nil, nil
}

// DocCount returns the number of indexed documents.
func (i *Index) DocCount() (uint64, error) { return i.idx.DocCount() }

// Close stops accepting writes, waits for queued ones and closes the index.
func (i *Index) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	close(i.ops)
	i.mu.Unlock()

	<-i.done
	return i.idx.Close()
}
