package issue

import "context"

// Repository is the read side of the relational store used by re-indexing.
type Repository interface {
	// GetProject returns ErrProjectNotFound when no project has the id.
	GetProject(ctx context.Context, id ProjectID) (Project, error)

	// ListProjects returns every project ordered by id.
	ListProjects(ctx context.Context) ([]Project, error)

	// CountByProject returns the number of issues currently in the project.
	CountByProject(ctx context.Context, projectID ProjectID) (int64, error)

	// ListBatch returns up to limit issues of the project whose id is greater
	// than afterID, ordered by id ascending.
	ListBatch(ctx context.Context, projectID ProjectID, afterID ID, limit int) ([]Issue, error)

	// GetByIDs returns the issues that still exist among ids, ordered by id.
	// Missing ids are silently omitted.
	GetByIDs(ctx context.Context, ids []ID) ([]Issue, error)
}

// Writer is the write side of the relational store.
type Writer interface {
	CreateProject(ctx context.Context, p Project) (Project, error)
	CreateIssue(ctx context.Context, i Issue) (Issue, error)

	// UpdateIssue returns ErrIssueNotFound when the issue does not exist.
	UpdateIssue(ctx context.Context, i Issue) (Issue, error)

	// DeleteIssue returns ErrIssueNotFound when the issue does not exist.
	DeleteIssue(ctx context.Context, id ID) (Issue, error)
}

// Store combines read and write access.
type Store interface {
	Repository
	Writer
}
