// Package memory provides an in-memory issue store for tests and local
// development. It assigns ids the way the relational store does: from a
// single increasing sequence per entity.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

var _ issue.Store = (*Store)(nil)

// Store keeps projects and issues in maps guarded by a single lock.
type Store struct {
	mu            sync.RWMutex
	projects      map[issue.ProjectID]issue.Project
	issues        map[issue.ID]issue.Issue
	nextProjectID issue.ProjectID
	nextIssueID   issue.ID
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		projects: make(map[issue.ProjectID]issue.Project),
		issues:   make(map[issue.ID]issue.Issue),
		now:      time.Now,
	}
}

func (s *Store) GetProject(_ context.Context, id issue.ProjectID) (issue.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return issue.Project{}, issue.ErrProjectNotFound
	}
	return p, nil
}

func (s *Store) ListProjects(context.Context) ([]issue.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]issue.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b issue.Project) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) CountByProject(_ context.Context, projectID issue.ProjectID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, is := range s.issues {
		if is.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListBatch(_ context.Context, projectID issue.ProjectID, afterID issue.ID, limit int) ([]issue.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []issue.Issue
	for _, is := range s.issues {
		if is.ProjectID == projectID && is.ID > afterID {
			out = append(out, is)
		}
	}
	sortByID(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetByIDs(_ context.Context, ids []issue.ID) ([]issue.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []issue.Issue
	for _, id := range ids {
		if is, ok := s.issues[id]; ok {
			out = append(out, is)
		}
	}
	sortByID(out)
	return slices.CompactFunc(out, func(a, b issue.Issue) bool { return a.ID == b.ID }), nil
}

func (s *Store) CreateProject(_ context.Context, p issue.Project) (issue.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProjectID++
	p.ID = s.nextProjectID
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) CreateIssue(_ context.Context, i issue.Issue) (issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[i.ProjectID]; !ok {
		return issue.Issue{}, issue.ErrProjectNotFound
	}
	s.nextIssueID++
	i.ID = s.nextIssueID
	i.UpdatedAt = s.now()
	s.issues[i.ID] = i
	return i, nil
}

func (s *Store) UpdateIssue(_ context.Context, i issue.Issue) (issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.issues[i.ID]
	if !ok {
		return issue.Issue{}, issue.ErrIssueNotFound
	}
	existing.Summary = i.Summary
	existing.Description = i.Description
	existing.Status = i.Status
	existing.UpdatedAt = s.now()
	s.issues[i.ID] = existing
	return existing, nil
}

func (s *Store) DeleteIssue(_ context.Context, id issue.ID) (issue.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.issues[id]
	if !ok {
		return issue.Issue{}, issue.ErrIssueNotFound
	}
	delete(s.issues, id)
	return existing, nil
}

func sortByID(issues []issue.Issue) {
	slices.SortFunc(issues, func(a, b issue.Issue) int { return cmp.Compare(a.ID, b.ID) })
}
