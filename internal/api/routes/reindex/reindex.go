// Package reindex binds the re-index task endpoints.
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/issue-reindex/internal/api/errs"
	appreindex "github.com/ahrav/issue-reindex/internal/app/reindex"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/web"
)

// Reindexer starts re-index tasks.
type Reindexer interface {
	Reindex(ctx context.Context, projectID issue.ProjectID, opts ...appreindex.ReindexOption) (*domain.TaskDescriptor, error)
	IsReindexPossible(projectID issue.ProjectID) bool
	ReindexAll(ctx context.Context) (*domain.TaskDescriptor, error)
}

// Tasks looks up and cancels background tasks.
type Tasks interface {
	Task(id uuid.UUID) (*domain.TaskDescriptor, bool)
	Tasks() []*domain.TaskDescriptor
	CancelTask(ctx context.Context, id uuid.UUID) error
}

// Config contains the dependencies needed by the re-index handlers.
type Config struct {
	Log       *logger.Logger
	Reindexer Reindexer
	Tasks     Tasks
}

// Routes binds all the re-index endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/reindex", submit(cfg))
	app.HandlerFunc(http.MethodGet, version, "/projects/{id}/reindex", possible(cfg))
	app.HandlerFunc(http.MethodPost, version, "/reindex", submitAll(cfg))
	app.HandlerFunc(http.MethodGet, version, "/reindex/tasks", list(cfg))
	app.HandlerFunc(http.MethodGet, version, "/reindex/tasks/{id}", status(cfg))
	app.HandlerFunc(http.MethodPost, version, "/reindex/tasks/{id}/cancel", cancel(cfg))
}

type projectPath struct {
	ID int64 `validate:"gt=0"`
}

func parseProjectID(r *http.Request) (issue.ProjectID, error) {
	id, err := strconv.ParseInt(web.Param(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid project id %q", web.Param(r, "id"))
	}
	if err := errs.Check(projectPath{ID: id}); err != nil {
		return 0, err
	}
	return issue.ProjectID(id), nil
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(web.Param(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid task id %q", web.Param(r, "id"))
	}
	return id, nil
}

// submitResponse is returned once a task is accepted.
type submitResponse struct {
	TaskID      string `json:"task_id"`
	ProgressURL string `json:"progress_url"`
}

// Encode implements the web.Encoder interface.
func (sr submitResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (sr submitResponse) HTTPStatus() int { return http.StatusAccepted }

func submit(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		projectID, err := parseProjectID(r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		task, err := cfg.Reindexer.Reindex(ctx, projectID)
		if err != nil {
			if errors.Is(err, issue.ErrProjectNotFound) {
				return errs.Newf(errs.NotFound, "project %d not found", projectID)
			}
			return errs.New(errs.Internal, err)
		}

		return submitResponse{TaskID: task.ID().String(), ProgressURL: task.ProgressURL()}
	}
}

func submitAll(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		task, err := cfg.Reindexer.ReindexAll(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrProjectReindexLive) {
				return errs.New(errs.FailedPrecondition, err)
			}
			return errs.New(errs.Internal, err)
		}

		return submitResponse{TaskID: task.ID().String(), ProgressURL: task.ProgressURL()}
	}
}

type possibleResponse struct {
	Possible bool `json:"possible"`
}

// Encode implements the web.Encoder interface.
func (pr possibleResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func possible(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		projectID, err := parseProjectID(r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		return possibleResponse{Possible: cfg.Reindexer.IsReindexPossible(projectID)}
	}
}

// TaskStatus is the public view of a task.
type TaskStatus struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Context     string     `json:"context"`
	Status      string     `json:"status"`
	Cancellable bool       `json:"cancellable"`
	Cancelled   bool       `json:"cancelled"`
	Percent     int64      `json:"percent"`
	SubTask     string     `json:"sub_task,omitempty"`
	Message     string     `json:"message,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ElapsedMS   int64      `json:"elapsed_ms"`
	Error       string     `json:"error,omitempty"`
}

// Encode implements the web.Encoder interface.
func (ts TaskStatus) Encode() ([]byte, string, error) {
	data, err := json.Marshal(ts)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func toTaskStatus(s domain.TaskSnapshot) TaskStatus {
	ts := TaskStatus{
		TaskID:      s.ID.String(),
		Description: s.Description,
		Context:     s.ContextKey,
		Status:      s.Status.String(),
		Cancellable: s.Cancellable,
		Cancelled:   s.Cancelled,
		Percent:     s.Progress.Percent,
		SubTask:     s.Progress.SubTask,
		Message:     s.Progress.Message,
		SubmittedAt: s.SubmittedAt,
		ElapsedMS:   s.ElapsedMillis,
		Error:       s.Error,
	}
	if !s.StartedAt.IsZero() {
		ts.StartedAt = &s.StartedAt
	}
	if !s.FinishedAt.IsZero() {
		ts.FinishedAt = &s.FinishedAt
	}
	return ts
}

func status(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		taskID, err := parseTaskID(r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		task, ok := cfg.Tasks.Task(taskID)
		if !ok {
			return errs.Newf(errs.NotFound, "task %s not found", taskID)
		}

		return toTaskStatus(task.Snapshot())
	}
}

type listResponse struct {
	Tasks []TaskStatus `json:"tasks"`
}

// Encode implements the web.Encoder interface.
func (lr listResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(lr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		tasks := cfg.Tasks.Tasks()
		resp := listResponse{Tasks: make([]TaskStatus, 0, len(tasks))}
		for _, t := range tasks {
			resp.Tasks = append(resp.Tasks, toTaskStatus(t.Snapshot()))
		}
		return resp
	}
}

type cancelResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Encode implements the web.Encoder interface.
func (cr cancelResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(cr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (cr cancelResponse) HTTPStatus() int { return http.StatusAccepted }

func cancel(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		taskID, err := parseTaskID(r)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.Tasks.CancelTask(ctx, taskID); err != nil {
			switch {
			case errors.Is(err, domain.ErrTaskNotFound):
				return errs.New(errs.NotFound, err)
			case errors.Is(err, domain.ErrTaskNotCancellable):
				return errs.New(errs.FailedPrecondition, err)
			default:
				return errs.New(errs.Internal, err)
			}
		}
		cfg.Log.Info(ctx, "Task cancellation requested over API", "task_id", taskID)

		return cancelResponse{TaskID: taskID.String(), Status: "cancel_requested"}
	}
}
