// Package postgres stores projects and issues in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	"github.com/ahrav/issue-reindex/internal/infra/storage"
)

var _ issue.Store = (*issueStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const issueColumns = "id, project_id, key, summary, description, status, updated_at"

// issueRow mirrors the issues table for pgx row mapping.
type issueRow struct {
	ID          int64     `db:"id"`
	ProjectID   int64     `db:"project_id"`
	Key         string    `db:"key"`
	Summary     string    `db:"summary"`
	Description string    `db:"description"`
	Status      string    `db:"status"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r issueRow) toDomain() issue.Issue {
	return issue.Issue{
		ID:          issue.ID(r.ID),
		ProjectID:   issue.ProjectID(r.ProjectID),
		Key:         r.Key,
		Summary:     r.Summary,
		Description: r.Description,
		Status:      r.Status,
		UpdatedAt:   r.UpdatedAt,
	}
}

type projectRow struct {
	ID   int64  `db:"id"`
	Key  string `db:"key"`
	Name string `db:"name"`
}

func (r projectRow) toDomain() issue.Project {
	return issue.Project{ID: issue.ProjectID(r.ID), Key: r.Key, Name: r.Name}
}

// issueStore implements issue.Store using PostgreSQL.
type issueStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewIssueStore creates a PostgreSQL-backed issue store with tracing.
func NewIssueStore(pool *pgxpool.Pool, tracer trace.Tracer) *issueStore {
	return &issueStore{db: pool, tracer: tracer}
}

func collectIssues(rows pgx.Rows) ([]issue.Issue, error) {
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[issueRow])
	if err != nil {
		return nil, err
	}
	out := make([]issue.Issue, len(recs))
	for i := range recs {
		out[i] = recs[i].toDomain()
	}
	return out, nil
}

// GetProject returns issue.ErrProjectNotFound when no project has the id.
func (s *issueStore) GetProject(ctx context.Context, id issue.ProjectID) (issue.Project, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("project_id", int64(id)))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.get_project", dbAttrs, func(ctx context.Context) (issue.Project, error) {
		rows, _ := s.db.Query(ctx, `SELECT id, key, name FROM projects WHERE id = $1`, int64(id))
		rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[projectRow])
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return issue.Project{}, issue.ErrProjectNotFound
			}
			return issue.Project{}, fmt.Errorf("failed to get project: %w", err)
		}
		return rec.toDomain(), nil
	})
}

// ListProjects returns every project ordered by id.
func (s *issueStore) ListProjects(ctx context.Context) ([]issue.Project, error) {
	return storage.QueryAndTrace(ctx, s.tracer, "postgres.list_projects", defaultDBAttributes, func(ctx context.Context) ([]issue.Project, error) {
		rows, _ := s.db.Query(ctx, `SELECT id, key, name FROM projects ORDER BY id`)
		recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[projectRow])
		if err != nil {
			return nil, fmt.Errorf("failed to list projects: %w", err)
		}
		out := make([]issue.Project, len(recs))
		for i := range recs {
			out[i] = recs[i].toDomain()
		}
		return out, nil
	})
}

// CountByProject returns the number of issues in the project.
func (s *issueStore) CountByProject(ctx context.Context, projectID issue.ProjectID) (int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("project_id", int64(projectID)))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.count_issues_by_project", dbAttrs, func(ctx context.Context) (int64, error) {
		var n int64
		if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM issues WHERE project_id = $1`, int64(projectID)).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count issues: %w", err)
		}
		return n, nil
	})
}

// ListBatch returns up to limit issues of the project with id greater than
// afterID, in id order.
func (s *issueStore) ListBatch(
	ctx context.Context,
	projectID issue.ProjectID,
	afterID issue.ID,
	limit int,
) ([]issue.Issue, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("project_id", int64(projectID)),
		attribute.Int64("after_id", int64(afterID)),
		attribute.Int("limit", limit),
	)

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.list_issue_batch", dbAttrs, func(ctx context.Context) ([]issue.Issue, error) {
		rows, _ := s.db.Query(ctx,
			`SELECT `+issueColumns+` FROM issues WHERE project_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
			int64(projectID), int64(afterID), limit,
		)
		issues, err := collectIssues(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list issue batch: %w", err)
		}
		return issues, nil
	})
}

// GetByIDs returns the issues that still exist among ids, in id order.
func (s *issueStore) GetByIDs(ctx context.Context, ids []issue.ID) ([]issue.Issue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	dbAttrs := append(defaultDBAttributes, attribute.Int("id_count", len(ids)))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.get_issues_by_ids", dbAttrs, func(ctx context.Context) ([]issue.Issue, error) {
		raw := make([]int64, len(ids))
		for i, id := range ids {
			raw[i] = int64(id)
		}
		rows, _ := s.db.Query(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ANY($1) ORDER BY id`, raw)
		issues, err := collectIssues(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to get issues by ids: %w", err)
		}
		return issues, nil
	})
}

// CreateProject inserts a project and returns it with its assigned id.
func (s *issueStore) CreateProject(ctx context.Context, p issue.Project) (issue.Project, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("project_key", p.Key))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.create_project", dbAttrs, func(ctx context.Context) (issue.Project, error) {
		var id int64
		if err := s.db.QueryRow(ctx,
			`INSERT INTO projects (key, name) VALUES ($1, $2) RETURNING id`, p.Key, p.Name,
		).Scan(&id); err != nil {
			return issue.Project{}, fmt.Errorf("failed to create project: %w", err)
		}
		p.ID = issue.ProjectID(id)
		return p, nil
	})
}

// CreateIssue inserts an issue and returns it as stored.
func (s *issueStore) CreateIssue(ctx context.Context, i issue.Issue) (issue.Issue, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int64("project_id", int64(i.ProjectID)),
		attribute.String("issue_key", i.Key),
	)

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.create_issue", dbAttrs, func(ctx context.Context) (issue.Issue, error) {
		rows, _ := s.db.Query(ctx,
			`INSERT INTO issues (project_id, key, summary, description, status)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+issueColumns,
			int64(i.ProjectID), i.Key, i.Summary, i.Description, i.Status,
		)
		rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[issueRow])
		if err != nil {
			return issue.Issue{}, fmt.Errorf("failed to create issue: %w", err)
		}
		return rec.toDomain(), nil
	})
}

// UpdateIssue overwrites the mutable fields of an issue.
func (s *issueStore) UpdateIssue(ctx context.Context, i issue.Issue) (issue.Issue, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("issue_id", int64(i.ID)))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.update_issue", dbAttrs, func(ctx context.Context) (issue.Issue, error) {
		rows, _ := s.db.Query(ctx,
			`UPDATE issues SET summary = $2, description = $3, status = $4, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+issueColumns,
			int64(i.ID), i.Summary, i.Description, i.Status,
		)
		rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[issueRow])
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return issue.Issue{}, issue.ErrIssueNotFound
			}
			return issue.Issue{}, fmt.Errorf("failed to update issue: %w", err)
		}
		return rec.toDomain(), nil
	})
}

// DeleteIssue removes an issue and returns the deleted row.
func (s *issueStore) DeleteIssue(ctx context.Context, id issue.ID) (issue.Issue, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("issue_id", int64(id)))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.delete_issue", dbAttrs, func(ctx context.Context) (issue.Issue, error) {
		rows, _ := s.db.Query(ctx, `DELETE FROM issues WHERE id = $1 RETURNING `+issueColumns, int64(id))
		rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[issueRow])
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return issue.Issue{}, issue.ErrIssueNotFound
			}
			return issue.Issue{}, fmt.Errorf("failed to delete issue: %w", err)
		}
		return rec.toDomain(), nil
	})
}
