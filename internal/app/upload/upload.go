package upload

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
)

// FileStore stores operator supplied files of a task.
type FileStore interface {
	Store(taskID int64, name string, r io.Reader, maxSize int64) error
}

// ServiceConfig is the configuration for the upload service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Files      FileStore
	// MaxSize is the max size in bytes of each file, 0 means no limit.
	MaxSize int64
	Logger  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Files == nil {
		return fmt.Errorf("files is required")
	}
	if c.MaxSize < 0 {
		return fmt.Errorf("max size can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Upload"})
	return nil
}

// Service stores files uploaded for a task, like access or slow logs
// collected while the task was deployed.
type Service struct {
	repo    storage.TaskRepository
	files   FileStore
	maxSize int64
	logger  log.Logger
}

// NewService creates a new upload service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:    cfg.Repository,
		files:   cfg.Files,
		maxSize: cfg.MaxSize,
		logger:  cfg.Logger,
	}, nil
}

// File is a single uploaded file.
type File struct {
	// Name is the client side file name, only its base name is used.
	Name    string
	Content io.Reader
}

// Request is the upload request.
type Request struct {
	ID    int64
	Files []File
}

// Run stores the files in order and returns the stored names. It stops on
// the first failure, files stored before it are kept.
func (s *Service) Run(ctx context.Context, req Request) ([]string, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("at least one file is required: %w", model.ErrNotValid)
	}

	if _, err := s.repo.GetTask(ctx, req.ID); err != nil {
		return nil, fmt.Errorf("could not get task %d: %w", req.ID, err)
	}

	stored := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		name := baseName(f.Name)
		if err := s.files.Store(req.ID, name, f.Content, s.maxSize); err != nil {
			return stored, fmt.Errorf("could not store %q: %w", f.Name, err)
		}
		stored = append(stored, name)
	}

	s.logger.Infof("Stored %d files for task %d: %s", len(stored), req.ID, strings.Join(stored, ", "))
	return stored, nil
}

// baseName strips any client directory, browsers on windows may send them.
func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.HasSuffix(name, "/") {
		return ""
	}
	return filepath.Base(name)
}
