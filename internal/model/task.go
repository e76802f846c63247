package model

import (
	"fmt"
	"time"
)

// TaskStatus represents the state of a deployment task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusDeploying    TaskStatus = "deploying"
	TaskStatusDeployFailed TaskStatus = "deploy_failed"
	TaskStatusDeployed     TaskStatus = "deployed"
	TaskStatusDone         TaskStatus = "done"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// TaskStatuses are all the known task statuses.
var TaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusDeploying,
	TaskStatusDeployFailed,
	TaskStatusDeployed,
	TaskStatusDone,
	TaskStatusCancelled,
}

// Validate checks the status is a known one.
func (s TaskStatus) Validate() error {
	for _, st := range TaskStatuses {
		if s == st {
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q: %w", s, ErrNotValid)
}

// IsActive returns true when the task holds the deployment working copy.
// At most one task can be active at the same time.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusDeploying || s == TaskStatusDeployed
}

// IsTerminal returns true for the statuses the dispatcher never revisits.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusDeployFailed || s == TaskStatusCancelled
}

// IsInProgress returns true while the dispatcher may still write the task logs.
func (s TaskStatus) IsInProgress() bool {
	return s == TaskStatusPending || s == TaskStatusDeploying
}

// Task is a request to deploy a source control branch.
type Task struct {
	ID        int64
	Branch    string
	Status    TaskStatus
	Score     *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateBranch checks a branch can be used to create a task.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required: %w", ErrNotValid)
	}
	return nil
}

// TaskUpdate is a partial update of a task. At least one field is required.
type TaskUpdate struct {
	Status *TaskStatus
	Score  *int64
}

// Validate validates the update.
func (u TaskUpdate) Validate() error {
	if u.Status == nil && u.Score == nil {
		return fmt.Errorf("status or score is required: %w", ErrNotValid)
	}
	if u.Status != nil {
		if err := u.Status.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TaskDetail is a task together with the log artifacts present for it,
// indexed by name.
type TaskDetail struct {
	Task
	Logs map[string][]byte
}
