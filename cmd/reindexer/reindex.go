package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	"github.com/ahrav/issue-reindex/internal/domain/reindex"
)

type reindexOptions struct {
	projectID int64
	all       bool
	wait      bool
}

func newReindexCmd(root *rootOptions) *cobra.Command {
	opts := &reindexOptions{}

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-index one project, or every project, against this node's index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (opts.projectID > 0) == opts.all {
				return errors.New("exactly one of --project or --all is required")
			}

			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Log.Level, cfg.Service.Name, cfg.Service.NodeID)

			ctx := cmd.Context()
			app, err := newApplication(ctx, cfg, log)
			if err != nil {
				log.Error(ctx, "startup", "err", err)
				return err
			}
			defer app.close(context.Background())

			var task *reindex.TaskDescriptor
			if opts.all {
				task, err = app.reindex.ReindexAll(ctx)
			} else {
				task, err = app.reindex.Reindex(ctx, issue.ProjectID(opts.projectID))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s submitted: %s\n", task.ID(), task.Description())

			if !opts.wait {
				return nil
			}

			res, err := app.tasks.AwaitTask(ctx, task.ID())
			if err != nil {
				// Interrupted: ask the task to stop and let close wait for it.
				_ = app.tasks.CancelTask(context.Background(), task.ID())
				return err
			}

			snap := task.Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "task %s %s in %dms\n", task.ID(), snap.Status, res.Millis())
			if err := res.Err(); err != nil {
				return fmt.Errorf("re-index failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.projectID, "project", 0, "id of the project to re-index")
	cmd.Flags().BoolVar(&opts.all, "all", false, "re-index every project in one task")
	cmd.Flags().BoolVar(&opts.wait, "wait", true, "wait for the task to finish and report its result")

	return cmd
}
