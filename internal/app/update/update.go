package update

import (
	"context"
	"fmt"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
	"github.com/slok/deployq/internal/wake"
)

// ServiceConfig is the configuration for the update service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Notifier   wake.Notifier
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Notifier == nil {
		c.Notifier = wake.NoopNotifier
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Update"})
	return nil
}

// Service applies operator updates to tasks.
type Service struct {
	repo     storage.TaskRepository
	notifier wake.Notifier
	logger   log.Logger
}

// NewService creates a new update service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:     cfg.Repository,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
	}, nil
}

// Request is a partial task update.
type Request struct {
	ID     int64
	Update model.TaskUpdate
}

// Run applies the score first and then the status. The two writes are
// independent, a failed status write keeps the new score. Status changes
// are not checked against the task lifecycle, the operator is trusted, but
// the store refuses a second active task.
func (s *Service) Run(ctx context.Context, req Request) (*model.Task, error) {
	if err := req.Update.Validate(); err != nil {
		return nil, err
	}

	if req.Update.Score != nil {
		if err := s.repo.UpdateTaskScore(ctx, req.ID, *req.Update.Score); err != nil {
			return nil, fmt.Errorf("could not update task %d score: %w", req.ID, err)
		}
	}

	if req.Update.Status != nil {
		if err := s.repo.UpdateTaskStatus(ctx, req.ID, *req.Update.Status); err != nil {
			return nil, fmt.Errorf("could not update task %d status: %w", req.ID, err)
		}
		s.logger.Infof("Task %d set to %s", req.ID, *req.Update.Status)
	}

	// A finished or cancelled task may free the dispatcher.
	s.notifier.Notify()

	task, err := s.repo.GetTask(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("could not get task %d: %w", req.ID, err)
	}

	return task, nil
}
