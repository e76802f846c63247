package storage

import (
	"context"

	"github.com/slok/deployq/internal/model"
)

// Claim is the result of trying to claim the next pending task.
type Claim struct {
	// Task is the claimed task, already in deploying status. Nil when nothing was claimed.
	Task *model.Task
	// Active is the task that blocked the claim because it is deploying or deployed.
	Active *model.Task
}

// TaskRepository is the interface for task persistence.
type TaskRepository interface {
	CreateTask(ctx context.Context, branch string) (*model.Task, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context) ([]model.Task, error)
	// UpdateTaskStatus sets any status. Setting deploying or deployed while
	// another task is active fails with model.ErrConflict.
	UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error
	UpdateTaskScore(ctx context.Context, id int64, score int64) error

	// FindActiveTask returns the deploying or deployed task, nil if there is none.
	FindActiveTask(ctx context.Context) (*model.Task, error)

	// ClaimNextPendingTask checks there is no active task and moves the oldest
	// pending task to deploying, both in the same transaction.
	ClaimNextPendingTask(ctx context.Context) (Claim, error)

	// CompareAndSetTaskStatus sets the status only if the task is still in the
	// from status. Returns false when the guard didn't match.
	CompareAndSetTaskStatus(ctx context.Context, id int64, from, to model.TaskStatus) (bool, error)

	// FailStaleDeployments moves every deploying task to deploy_failed and returns them.
	FailStaleDeployments(ctx context.Context) ([]model.Task, error)

	// Migrate (re)applies the storage schema, it's idempotent.
	Migrate(ctx context.Context) error
}
