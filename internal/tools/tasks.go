package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/attache/internal/task"
)

// Task tool names.
const (
	CreateTask        = "create_task"
	UpdateTaskStatus  = "update_task_status"
	UpdateTaskContext = "update_task_context"
	ListTasks         = "list_tasks"
	GetTask           = "get_task"
)

// TaskNames lists the task-management tools.
var TaskNames = []string{CreateTask, UpdateTaskStatus, UpdateTaskContext, ListTasks, GetTask}

// TaskStore is the task.Store surface the task tools need.
type TaskStore interface {
	Create(ctx context.Context, owner, description string, initial *task.Document) (task.Task, error)
	Get(ctx context.Context, owner, id string) (task.Task, error)
	ListByStatus(ctx context.Context, owner string, statuses ...task.Status) ([]task.Task, error)
	UpdateStatus(ctx context.Context, owner, id string, status task.Status, opts task.UpdateOptions) (task.Task, error)
	UpdateContext(ctx context.Context, owner, id string, patch *task.Document, remove []string, opts task.UpdateOptions) (task.Task, error)
}

type createTaskArgs struct {
	Description string         `json:"description" jsonschema_description:"The objective to achieve, stated as the user's intent"`
	Context     map[string]any `json:"context,omitempty" jsonschema_description:"Initial notes: who is involved, deadlines, ids of related records"`
}

type updateStatusArgs struct {
	TaskID string `json:"task_id"`
	Status string `json:"status" jsonschema:"enum=in_progress,enum=waiting,enum=completed,enum=failed"`
	Reason string `json:"reason,omitempty" jsonschema_description:"Why the status changes; kept in the task history"`
	Reopen bool   `json:"reopen,omitempty" jsonschema_description:"Set to move a completed or failed task back to work"`
}

type updateContextArgs struct {
	TaskID  string         `json:"task_id"`
	Context map[string]any `json:"context" jsonschema_description:"Keys to add or overwrite; keys not listed are kept"`
	Remove  []string       `json:"remove,omitempty" jsonschema_description:"Keys to delete after merging"`
}

type listTasksArgs struct {
	Statuses []string `json:"statuses,omitempty" jsonschema_description:"Statuses to include; defaults to in_progress and waiting"`
}

type getTaskArgs struct {
	TaskID string `json:"task_id"`
}

// TaskTools returns the five task-management tools bound to store.
func TaskTools(store TaskStore) []*Tool {
	return []*Tool{
		New(CreateTask,
			"Create a task for work that cannot be finished right now. It will be revisited on the next orchestration pass.",
			func(ctx context.Context, owner string, a createTaskArgs) (any, error) {
				if strings.TrimSpace(a.Description) == "" {
					return nil, errors.New("description is empty")
				}
				var initial *task.Document
				if len(a.Context) > 0 {
					initial = task.DocumentFromMap(a.Context)
				}
				return store.Create(ctx, owner, a.Description, initial)
			}),

		New(UpdateTaskStatus,
			"Set a task's status: completed when its objective is satisfied, waiting when it depends on an external reply, failed when it cannot be done.",
			func(ctx context.Context, owner string, a updateStatusArgs) (any, error) {
				st, err := task.ParseStatus(a.Status)
				if err != nil {
					return nil, err
				}
				return store.UpdateStatus(ctx, owner, a.TaskID, st, task.UpdateOptions{Reason: a.Reason, Reopen: a.Reopen})
			}),

		New(UpdateTaskContext,
			"Merge notes into a task's context: progress made, tool outputs, ids of messages sent.",
			func(ctx context.Context, owner string, a updateContextArgs) (any, error) {
				return store.UpdateContext(ctx, owner, a.TaskID, task.DocumentFromMap(a.Context), a.Remove, task.UpdateOptions{})
			}),

		New(ListTasks,
			"List the user's tasks, oldest first.",
			func(ctx context.Context, owner string, a listTasksArgs) (any, error) {
				statuses := []task.Status{task.InProgress, task.Waiting}
				if len(a.Statuses) > 0 {
					statuses = statuses[:0]
					for _, s := range a.Statuses {
						st, err := task.ParseStatus(s)
						if err != nil {
							return nil, err
						}
						statuses = append(statuses, st)
					}
				}
				tasks, err := store.ListByStatus(ctx, owner, statuses...)
				if err != nil {
					return nil, err
				}
				if tasks == nil {
					tasks = []task.Task{}
				}
				return tasks, nil
			}),

		New(GetTask,
			"Fetch one task with its full context.",
			func(ctx context.Context, owner string, a getTaskArgs) (any, error) {
				t, err := store.Get(ctx, owner, a.TaskID)
				if errors.Is(err, task.ErrNotFound) {
					return nil, fmt.Errorf("task %s not found", a.TaskID)
				}
				return t, err
			}),
	}
}
