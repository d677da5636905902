// Package issue holds the issue tracking entities the re-index pipeline reads
// from the relational store and writes into the search index.
package issue

import (
	"errors"
	"strconv"
	"time"
)

// ID identifies an issue. Identifiers are assigned by the store and increase
// monotonically, which is what lets batches be fetched in id order.
type ID int64

// String returns the decimal form of the id, which is also its search document id.
func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// ProjectID identifies a project.
type ProjectID int64

// String returns the decimal form of the project id.
func (id ProjectID) String() string { return strconv.FormatInt(int64(id), 10) }

// ErrProjectNotFound is returned when a project lookup has no match.
var ErrProjectNotFound = errors.New("project not found")

// ErrIssueNotFound is returned when an issue lookup has no match.
var ErrIssueNotFound = errors.New("issue not found")

// Project groups issues. Re-indexing is always scoped to one project.
type Project struct {
	ID   ProjectID
	Key  string
	Name string
}

// Issue is the authoritative database representation of an issue.
type Issue struct {
	ID          ID
	ProjectID   ProjectID
	Key         string
	Summary     string
	Description string
	Status      string
	UpdatedAt   time.Time
}

// IDs returns the ids of the given issues in the same order.
func IDs(issues []Issue) []ID {
	ids := make([]ID, len(issues))
	for i := range issues {
		ids[i] = issues[i].ID
	}
	return ids
}
