package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.TaskRepository.
// A single mutex plays the role of the database lock.
type Repository struct {
	tasks  map[int64]model.Task
	lastID int64
	mu     sync.Mutex
	logger log.Logger
}

var _ storage.TaskRepository = &Repository{}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:  make(map[int64]model.Task),
		logger: cfg.Logger,
	}, nil
}

// Migrate is a no-op for the memory repository.
func (r *Repository) Migrate(ctx context.Context) error { return nil }

// CreateTask creates a new pending task.
func (r *Repository) CreateTask(ctx context.Context, branch string) (*model.Task, error) {
	if err := model.ValidateBranch(branch); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	now := time.Now().UTC()
	task := model.Task{
		ID:        r.lastID,
		Branch:    branch,
		Status:    model.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.tasks[task.ID] = task
	r.logger.Debugf("Created task %d for branch %s", task.ID, branch)

	return copyTask(task), nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}

	return copyTask(task), nil
}

// ListTasks returns all tasks ordered by ID.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sortedTasks(func(model.Task) bool { return true }), nil
}

// UpdateTaskStatus sets the status of a task, keeping a single active task.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	if status.IsActive() {
		if active := r.findActive(); active != nil && active.ID != id {
			return fmt.Errorf("task %d is already %s: %w", active.ID, active.Status, model.ErrConflict)
		}
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	r.tasks[id] = task

	return nil
}

// UpdateTaskScore sets the score of a task.
func (r *Repository) UpdateTaskScore(ctx context.Context, id int64, score int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	task.Score = &score
	task.UpdatedAt = time.Now().UTC()
	r.tasks[id] = task

	return nil
}

// FindActiveTask returns the deploying or deployed task, nil if none.
func (r *Repository) FindActiveTask(ctx context.Context) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.findActive(), nil
}

// ClaimNextPendingTask checks exclusivity and claims the oldest pending task.
func (r *Repository) ClaimNextPendingTask(ctx context.Context) (storage.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active := r.findActive(); active != nil {
		return storage.Claim{Active: active}, nil
	}

	pending := r.sortedTasks(func(t model.Task) bool { return t.Status == model.TaskStatusPending })
	if len(pending) == 0 {
		return storage.Claim{}, nil
	}

	next := pending[0]
	next.Status = model.TaskStatusDeploying
	next.UpdatedAt = time.Now().UTC()
	r.tasks[next.ID] = next
	r.logger.Debugf("Claimed task %d (branch %s)", next.ID, next.Branch)

	return storage.Claim{Task: copyTask(next)}, nil
}

// CompareAndSetTaskStatus sets the status only if the current one is from.
func (r *Repository) CompareAndSetTaskStatus(ctx context.Context, id int64, from, to model.TaskStatus) (bool, error) {
	if err := to.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok || task.Status != from {
		return false, nil
	}
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	r.tasks[id] = task

	return true, nil
}

// FailStaleDeployments moves all deploying tasks to deploy_failed.
func (r *Repository) FailStaleDeployments(ctx context.Context) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stale := r.sortedTasks(func(t model.Task) bool { return t.Status == model.TaskStatusDeploying })
	now := time.Now().UTC()
	for i := range stale {
		stale[i].Status = model.TaskStatusDeployFailed
		stale[i].UpdatedAt = now
		r.tasks[stale[i].ID] = stale[i]
	}

	return stale, nil
}

func (r *Repository) findActive() *model.Task {
	active := r.sortedTasks(func(t model.Task) bool { return t.Status.IsActive() })
	if len(active) == 0 {
		return nil
	}
	return copyTask(active[0])
}

func (r *Repository) sortedTasks(filter func(model.Task) bool) []model.Task {
	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if filter(t) {
			tasks = append(tasks, *copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

func copyTask(t model.Task) *model.Task {
	c := t
	if t.Score != nil {
		score := *t.Score
		c.Score = &score
	}
	return &c
}
