package create

import (
	"context"
	"fmt"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
	"github.com/slok/deployq/internal/wake"
)

// ServiceConfig is the configuration for the create service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	// Notifier is rung after every new task, defaults to a noop.
	Notifier wake.Notifier
	Logger   log.Logger
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Create"})
	return nil
}

// Service enqueues deployment tasks.
type Service struct {
	repo     storage.TaskRepository
	notifier wake.Notifier
	logger   log.Logger
}

// NewService creates a new create service.
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

// Request is the create request.
type Request struct {
	Branch string
}

// Run creates a pending task for the branch and wakes the dispatcher.
func (s *Service) Run(ctx context.Context, req Request) (*model.Task, error) {
	if err := model.ValidateBranch(req.Branch); err != nil {
		return nil, err
	}

	task, err := s.repo.CreateTask(ctx, req.Branch)
	if err != nil {
		return nil, fmt.Errorf("could not create task: %w", err)
	}
	s.notifier.Notify()

	s.logger.Infof("Task %d created for branch %s", task.ID, task.Branch)
	return task, nil
}
