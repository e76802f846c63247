package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slok/deployq/internal/app/create"
	"github.com/slok/deployq/internal/app/list"
	"github.com/slok/deployq/internal/app/status"
	"github.com/slok/deployq/internal/app/update"
	"github.com/slok/deployq/internal/app/upload"
	"github.com/slok/deployq/internal/conventions"
	"github.com/slok/deployq/internal/model"
)

type taskResponse struct {
	ID        int64     `json:"id"`
	Branch    string    `json:"branch"`
	Status    string    `json:"status"`
	Score     *int64    `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type taskDetailResponse struct {
	taskResponse
	// Logs always has the pipeline logs, null while they don't exist.
	Logs map[string]*string `json:"logs"`
}

func mapTaskToResponse(t model.Task) taskResponse {
	return taskResponse{
		ID:        t.ID,
		Branch:    t.Branch,
		Status:    string(t.Status),
		Score:     t.Score,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func mapTaskDetailToResponse(d model.TaskDetail) taskDetailResponse {
	logs := map[string]*string{
		conventions.StdoutLog: nil,
		conventions.StderrLog: nil,
	}
	for name, data := range d.Logs {
		s := string(data)
		logs[name] = &s
	}

	return taskDetailResponse{
		taskResponse: mapTaskToResponse(d.Task),
		Logs:         logs,
	}
}

func parseTaskID(c *gin.Context) (int64, error) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q: %w", raw, model.ErrNotValid)
	}
	return id, nil
}

// createTask enqueues a task.
// POST /tasks?branch=<name>
func (h handler) createTask(c *gin.Context) {
	task, err := h.create.Run(c.Request.Context(), create.Request{Branch: c.Query("branch")})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, mapTaskToResponse(*task))
}

// listTasks returns the summary of every task.
// GET /tasks[?status=<status>]
func (h handler) listTasks(c *gin.Context) {
	req := list.Request{}
	if s := c.Query("status"); s != "" {
		st := model.TaskStatus(s)
		req.StatusFilter = &st
	}

	tasks, err := h.list.Run(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, mapTaskToResponse(t))
	}
	c.JSON(http.StatusOK, resp)
}

// runningTask returns the deploying or deployed task.
// GET /tasks/running
func (h handler) runningTask(c *gin.Context) {
	detail, err := h.status.Running(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mapTaskDetailToResponse(*detail))
}

// getTask returns a task with its logs.
// GET /tasks/:id
func (h handler) getTask(c *gin.Context) {
	id, err := parseTaskID(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	detail, err := h.status.Run(c.Request.Context(), status.Request{ID: id})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mapTaskDetailToResponse(*detail))
}

type updateTaskRequest struct {
	Status *string `json:"status"`
	Score  *int64  `json:"score"`
}

// updateTask partially updates a task.
// PATCH /tasks/:id
func (h handler) updateTask(c *gin.Context) {
	id, err := parseTaskID(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("invalid body: %s: %w", err, model.ErrNotValid))
		return
	}

	upd := model.TaskUpdate{Score: req.Score}
	if req.Status != nil {
		st := model.TaskStatus(*req.Status)
		upd.Status = &st
	}

	task, err := h.update.Run(c.Request.Context(), update.Request{ID: id, Update: upd})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, mapTaskToResponse(*task))
}

// uploadTaskFiles stores every file of a multipart form in the task logs.
// POST /tasks/:id/files
func (h handler) uploadTaskFiles(c *gin.Context) {
	id, err := parseTaskID(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		h.writeError(c, fmt.Errorf("invalid multipart form: %s: %w", err, model.ErrNotValid))
		return
	}

	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	files := []upload.File{}
	for _, field := range fields {
		for _, fh := range form.File[field] {
			f, err := fh.Open()
			if err != nil {
				h.writeError(c, fmt.Errorf("could not open %q: %w", fh.Filename, err))
				return
			}
			defer f.Close()
			files = append(files, upload.File{Name: fh.Filename, Content: f})
		}
	}

	stored, err := h.upload.Run(c.Request.Context(), upload.Request{ID: id, Files: files})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"stored": stored})
}

// getTaskLog returns a raw task log. With follow=true the log is streamed
// until the task finishes or the client goes away.
// GET /tasks/:id/logs/:name[?follow=true]
func (h handler) getTaskLog(c *gin.Context) {
	id, err := parseTaskID(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	name := c.Param("name")

	task, err := h.status.Task(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	follow, _ := strconv.ParseBool(c.Query("follow"))
	if !follow || !task.Status.IsInProgress() {
		data, ok, err := h.logs.Read(id, name)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !ok {
			h.writeError(c, fmt.Errorf("log %s of task %d: %w", name, id, model.ErrNotFound))
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
		return
	}

	// Validates the name before the headers are sent.
	if _, _, err := h.logs.Read(id, name); err != nil {
		h.writeError(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.cancelWhenFinished(ctx, cancel, id)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if err := h.logs.Follow(ctx, id, name, flushWriter{w: c.Writer}); err != nil {
		// Headers are already sent.
		h.logger.Warningf("Could not follow log %s of task %d: %s", name, id, err)
	}
}

// cancelWhenFinished cancels the follow once the dispatcher is done with the task.
func (h handler) cancelWhenFinished(ctx context.Context, cancel context.CancelFunc, id int64) {
	t := time.NewTicker(h.followCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			task, err := h.status.Task(ctx, id)
			if err != nil || !task.Status.IsInProgress() {
				cancel()
				return
			}
		}
	}
}

type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.w.Flush()
	return n, err
}

type initResponse struct {
	Output string `json:"output"`
	Shared bool   `json:"shared"`
}

// initialize migrates the store and resets the working copy.
// POST /init
func (h handler) initialize(c *gin.Context) {
	res, err := h.setup.Run(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, initResponse{Output: res.Output, Shared: res.Shared})
}
