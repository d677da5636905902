package bleve

import (
	"time"

	blevesearch "github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

// Field names of an issue document.
const (
	fieldIssueID     = "issue_id"
	fieldProjectID   = "project_id"
	fieldKey         = "key"
	fieldSummary     = "summary"
	fieldDescription = "description"
	fieldStatus      = "status"
	fieldUpdatedAt   = "updated_at"
)

// document is the indexed form of an issue. Its bleve id is the decimal
// issue id.
type document struct {
	IssueID     float64   `json:"issue_id"`
	ProjectID   float64   `json:"project_id"`
	Key         string    `json:"key"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newDocument(is issue.Issue) document {
	return document{
		IssueID:     float64(is.ID),
		ProjectID:   float64(is.ProjectID),
		Key:         is.Key,
		Summary:     is.Summary,
		Description: is.Description,
		Status:      is.Status,
		UpdatedAt:   is.UpdatedAt,
	}
}

func buildIndexMapping() mapping.IndexMapping {
	m := blevesearch.NewIndexMapping()

	docMapping := blevesearch.NewDocumentMapping()

	issueIDField := blevesearch.NewNumericFieldMapping()
	issueIDField.Store = true
	docMapping.AddFieldMappingsAt(fieldIssueID, issueIDField)

	projectIDField := blevesearch.NewNumericFieldMapping()
	projectIDField.Store = true
	docMapping.AddFieldMappingsAt(fieldProjectID, projectIDField)

	keyField := blevesearch.NewTextFieldMapping()
	keyField.Analyzer = keyword.Name
	keyField.Store = true
	docMapping.AddFieldMappingsAt(fieldKey, keyField)

	statusField := blevesearch.NewTextFieldMapping()
	statusField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt(fieldStatus, statusField)

	summaryField := blevesearch.NewTextFieldMapping()
	summaryField.Store = true
	docMapping.AddFieldMappingsAt(fieldSummary, summaryField)

	descriptionField := blevesearch.NewTextFieldMapping()
	descriptionField.Store = false
	docMapping.AddFieldMappingsAt(fieldDescription, descriptionField)

	docMapping.AddFieldMappingsAt(fieldUpdatedAt, blevesearch.NewDateTimeFieldMapping())

	m.DefaultMapping = docMapping
	return m
}
