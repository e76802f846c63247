package setup

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/wake"
)

// Store is the task store being set up.
type Store interface {
	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
	// FindActiveTask returns the deploying or deployed task, nil if there is none.
	FindActiveTask(ctx context.Context) (*model.Task, error)
}

// WorkingCopy is the deployment working directory.
type WorkingCopy interface {
	ResetWorkingCopy(ctx context.Context, stdout, stderr io.Writer) error
}

// ServiceConfig is the configuration for the setup service.
type ServiceConfig struct {
	Repository  Store
	WorkingCopy WorkingCopy
	Notifier    wake.Notifier
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.WorkingCopy == nil {
		return fmt.Errorf("working copy is required")
	}
	if c.Notifier == nil {
		c.Notifier = wake.NoopNotifier
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Setup"})
	return nil
}

// Service (re)initializes the system: the store schema and the deployment
// working copy.
type Service struct {
	repo        Store
	workingCopy WorkingCopy
	notifier    wake.Notifier
	group       singleflight.Group
	logger      log.Logger
}

// NewService creates a new setup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:        cfg.Repository,
		workingCopy: cfg.WorkingCopy,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
	}, nil
}

// Result is the setup result.
type Result struct {
	// Output is the combined output of the working copy reset.
	Output string
	// Shared is true when the result came from a setup already in progress.
	Shared bool
}

// Run migrates the schema and resets the working copy. It's idempotent and
// concurrent calls share a single run.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	// The run is shared, a caller going away must not abort it for the others.
	runCtx := context.WithoutCancel(ctx)

	v, err, shared := s.group.Do("setup", func() (any, error) {
		return s.run(runCtx)
	})
	if err != nil {
		return nil, err
	}

	out := v.(string)
	return &Result{Output: out, Shared: shared}, nil
}

func (s *Service) run(ctx context.Context) (string, error) {
	s.logger.Infof("Initializing")

	if err := s.repo.Migrate(ctx); err != nil {
		return "", fmt.Errorf("could not migrate store: %w", err)
	}

	// The deploy runs inside the working copy.
	active, err := s.repo.FindActiveTask(ctx)
	if err != nil {
		return "", fmt.Errorf("could not get active task: %w", err)
	}
	if active != nil && active.Status == model.TaskStatusDeploying {
		return "", fmt.Errorf("task %d is deploying, the working copy can't be reset: %w", active.ID, model.ErrConflict)
	}

	var out bytes.Buffer
	if err := s.workingCopy.ResetWorkingCopy(ctx, &out, &out); err != nil {
		return out.String(), fmt.Errorf("could not reset working copy: %w", err)
	}
	s.notifier.Notify()

	s.logger.Infof("Initialized")
	return out.String(), nil
}
