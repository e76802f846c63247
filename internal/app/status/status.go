package status

import (
	"context"
	"fmt"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
)

// LogReader reads the log artifacts of a task.
type LogReader interface {
	ReadAll(taskID int64) (map[string][]byte, error)
}

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Logs       LogReader
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Logs == nil {
		return fmt.Errorf("logs is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service retrieves detailed task status joined with its logs.
type Service struct {
	repo   storage.TaskRepository
	logs   LogReader
	logger log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logs:   cfg.Logs,
		logger: cfg.Logger,
	}, nil
}

// Request represents the status request parameters.
type Request struct {
	ID int64
}

// Run retrieves a task by ID together with its logs.
func (s *Service) Run(ctx context.Context, req Request) (*model.TaskDetail, error) {
	s.logger.Debugf("getting status for task: %d", req.ID)

	task, err := s.repo.GetTask(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("could not get task %d: %w", req.ID, err)
	}

	return s.detail(*task)
}

// Task retrieves a task by ID without its logs.
func (s *Service) Task(ctx context.Context, id int64) (*model.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task %d: %w", id, err)
	}
	return task, nil
}

// Running retrieves the task currently deploying or deployed. Returns
// model.ErrNotFound when there is none.
func (s *Service) Running(ctx context.Context) (*model.TaskDetail, error) {
	task, err := s.repo.FindActiveTask(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get active task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("no task deploying or deployed: %w", model.ErrNotFound)
	}

	return s.detail(*task)
}

func (s *Service) detail(task model.Task) (*model.TaskDetail, error) {
	// A task that didn't run yet has no logs, that's not an error.
	logs, err := s.logs.ReadAll(task.ID)
	if err != nil {
		return nil, fmt.Errorf("could not read logs of task %d: %w", task.ID, err)
	}

	return &model.TaskDetail{Task: task, Logs: logs}, nil
}
