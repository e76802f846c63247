// Package httpapi is the REST transport of the task API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slok/deployq/internal/app/create"
	"github.com/slok/deployq/internal/app/list"
	"github.com/slok/deployq/internal/app/setup"
	"github.com/slok/deployq/internal/app/status"
	"github.com/slok/deployq/internal/app/update"
	"github.com/slok/deployq/internal/app/upload"
	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
)

// LogReader gives access to the raw task logs.
type LogReader interface {
	Read(taskID int64, name string) ([]byte, bool, error)
	Follow(ctx context.Context, taskID int64, name string, w io.Writer) error
}

// HandlerConfig is the configuration of the API handler.
type HandlerConfig struct {
	CreateService *create.Service
	ListService   *list.Service
	StatusService *status.Service
	UpdateService *update.Service
	UploadService *upload.Service
	SetupService  *setup.Service
	Logs          LogReader
	// FollowCheckInterval is how often a followed log checks if its task
	// finished.
	FollowCheckInterval time.Duration
	Logger              log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.CreateService == nil {
		return fmt.Errorf("create service is required")
	}
	if c.ListService == nil {
		return fmt.Errorf("list service is required")
	}
	if c.StatusService == nil {
		return fmt.Errorf("status service is required")
	}
	if c.UpdateService == nil {
		return fmt.Errorf("update service is required")
	}
	if c.UploadService == nil {
		return fmt.Errorf("upload service is required")
	}
	if c.SetupService == nil {
		return fmt.Errorf("setup service is required")
	}
	if c.Logs == nil {
		return fmt.Errorf("logs is required")
	}
	if c.FollowCheckInterval <= 0 {
		c.FollowCheckInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "httpapi.Handler"})
	return nil
}

type handler struct {
	create              *create.Service
	list                *list.Service
	status              *status.Service
	update              *update.Service
	upload              *upload.Service
	setup               *setup.Service
	logs                LogReader
	followCheckInterval time.Duration
	logger              log.Logger
}

// NewHandler returns the API HTTP handler. Routes are served from the root
// and under /api.
func NewHandler(cfg HandlerConfig) (http.Handler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := handler{
		create:              cfg.CreateService,
		list:                cfg.ListService,
		status:              cfg.StatusService,
		update:              cfg.UpdateService,
		upload:              cfg.UploadService,
		setup:               cfg.SetupService,
		logs:                cfg.Logs,
		followCheckInterval: cfg.FollowCheckInterval,
		logger:              cfg.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))
	r.GET("/healthz", h.healthz)

	for _, g := range []*gin.RouterGroup{&r.RouterGroup, r.Group("/api")} {
		g.POST("/tasks", h.createTask)
		g.GET("/tasks", h.listTasks)
		g.GET("/tasks/running", h.runningTask)
		g.GET("/tasks/:id", h.getTask)
		g.PATCH("/tasks/:id", h.updateTask)
		g.GET("/tasks/:id/logs/:name", h.getTaskLog)
		g.POST("/tasks/:id/files", h.uploadTaskFiles)
		g.POST("/init", h.initialize)
	}

	return r, nil
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithValues(log.Kv{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debugf("HTTP request served")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h handler) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotValid):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, model.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	default:
		h.logger.Errorf("%s %s failed: %s", c.Request.Method, c.Request.URL.Path, err)
	}

	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}

func (h handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
