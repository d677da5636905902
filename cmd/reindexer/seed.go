package main

import (
	"context"
	"fmt"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

var demoStatuses = []string{"Open", "In Progress", "Resolved", "Closed"}

// seedDemoProject creates a project with n issues through the issue service,
// so both the store and the index hold them.
func seedDemoProject(ctx context.Context, app *application, n int) error {
	project, err := app.issues.CreateProject(ctx, "DEMO", "Demo project")
	if err != nil {
		return fmt.Errorf("seeding project: %w", err)
	}

	for i := 1; i <= n; i++ {
		_, err := app.issues.Create(ctx, issue.Issue{
			ProjectID:   project.ID,
			Key:         fmt.Sprintf("%s-%d", project.Key, i),
			Summary:     fmt.Sprintf("Demo issue %d", i),
			Description: "Seeded for local development.",
			Status:      demoStatuses[i%len(demoStatuses)],
		})
		if err != nil {
			return fmt.Errorf("seeding issue %d: %w", i, err)
		}
	}
	app.log.Info(ctx, "startup", "status", "seeded demo project", "project_id", project.ID, "issues", n)

	return nil
}
