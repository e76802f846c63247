package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/deployq/internal/app/create"
	"github.com/slok/deployq/internal/app/list"
	"github.com/slok/deployq/internal/app/setup"
	"github.com/slok/deployq/internal/app/status"
	"github.com/slok/deployq/internal/app/update"
	"github.com/slok/deployq/internal/app/upload"
	"github.com/slok/deployq/internal/httpapi"
	"github.com/slok/deployq/internal/logsink"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/pipeline"
	"github.com/slok/deployq/internal/pipeline/fake"
	"github.com/slok/deployq/internal/storage/memory"
	"github.com/slok/deployq/internal/wake"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler http.Handler
	repo    *memory.Repository
	sink    *logsink.Sink
	signal  *wake.Signal
	runner  *fake.Runner
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	require := require.New(t)

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(err)
	sink, err := logsink.NewSink(logsink.SinkConfig{Dir: t.TempDir()})
	require.NoError(err)
	signal := wake.NewSignal()
	runner, err := fake.NewRunner(fake.RunnerConfig{})
	require.NoError(err)
	pipe, err := pipeline.NewPipeline(pipeline.PipelineConfig{
		Runner:        runner,
		WorkDir:       t.TempDir() + "/repo",
		Repository:    "git@example.com:acme/app.git",
		DeployCommand: "make deploy",
	})
	require.NoError(err)

	createSvc, err := create.NewService(create.ServiceConfig{Repository: repo, Notifier: signal})
	require.NoError(err)
	listSvc, err := list.NewService(list.ServiceConfig{Repository: repo})
	require.NoError(err)
	statusSvc, err := status.NewService(status.ServiceConfig{Repository: repo, Logs: sink})
	require.NoError(err)
	updateSvc, err := update.NewService(update.ServiceConfig{Repository: repo, Notifier: signal})
	require.NoError(err)
	uploadSvc, err := upload.NewService(upload.ServiceConfig{Repository: repo, Files: sink, MaxSize: 32})
	require.NoError(err)
	setupSvc, err := setup.NewService(setup.ServiceConfig{Repository: repo, WorkingCopy: pipe, Notifier: signal})
	require.NoError(err)

	h, err := httpapi.NewHandler(httpapi.HandlerConfig{
		CreateService:       createSvc,
		ListService:         listSvc,
		StatusService:       statusSvc,
		UpdateService:       updateSvc,
		UploadService:       uploadSvc,
		SetupService:        setupSvc,
		Logs:                sink,
		FollowCheckInterval: 10 * time.Millisecond,
	})
	require.NoError(err)

	return testServer{handler: h, repo: repo, sink: sink, signal: signal, runner: runner}
}

func writeLog(t *testing.T, sink *logsink.Sink, id int64, name, content string) {
	t.Helper()
	w, err := sink.OpenForWrite(id, name)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func multipartBody(t *testing.T, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestNewHandler(t *testing.T) {
	_, err := httpapi.NewHandler(httpapi.HandlerConfig{})
	require.Error(t, err)
}

func TestHandler(t *testing.T) {
	tests := map[string]struct {
		setup     func(t *testing.T, s testServer)
		method    string
		path      string
		body      func(t *testing.T) (io.Reader, string)
		expCode   int
		expBody   func(t *testing.T, body []byte)
		expNotify bool
		check     func(t *testing.T, s testServer)
	}{
		"Creating a task should return it and notify": {
			method:  http.MethodPost,
			path:    "/tasks?branch=feature-x",
			expCode: http.StatusCreated,
			expBody: func(t *testing.T, body []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, float64(1), got["id"])
				assert.Equal(t, "feature-x", got["branch"])
				assert.Equal(t, "pending", got["status"])
				assert.Nil(t, got["score"])
			},
			expNotify: true,
		},

		"Creating a task under the api prefix should work": {
			method:    http.MethodPost,
			path:      "/api/tasks?branch=main",
			expCode:   http.StatusCreated,
			expNotify: true,
		},

		"Creating a task without branch should fail": {
			method:  http.MethodPost,
			path:    "/tasks",
			expCode: http.StatusBadRequest,
		},

		"Listing tasks should return the summaries": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				_, _ = s.repo.CreateTask(context.Background(), "b")
			},
			method:  http.MethodGet,
			path:    "/tasks",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				var got []map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				require.Len(t, got, 2)
				assert.Equal(t, "a", got[0]["branch"])
				assert.Equal(t, "b", got[1]["branch"])
				assert.NotContains(t, got[0], "logs")
			},
		},

		"Listing tasks without tasks should return an empty list": {
			method:  http.MethodGet,
			path:    "/tasks",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `[]`, string(body))
			},
		},

		"Listing tasks with an unknown status filter should fail": {
			method:  http.MethodGet,
			path:    "/tasks?status=exploded",
			expCode: http.StatusBadRequest,
		},

		"Getting a pending task should return absent logs": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method:  http.MethodGet,
			path:    "/tasks/1",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, "pending", got["status"])
				assert.Equal(t, map[string]any{"stdout": nil, "stderr": nil}, got["logs"])
			},
		},

		"Getting a failed task should return its logs": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "feature-x")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 1, model.TaskStatusDeployFailed))
				writeLog(t, s.sink, 1, "stderr", "boom\n")
				writeLog(t, s.sink, 1, "access.log", "GET /\n")
			},
			method:  http.MethodGet,
			path:    "/api/tasks/1",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, "deploy_failed", got["status"])
				assert.Equal(t, map[string]any{"stdout": nil, "stderr": "boom\n", "access.log": "GET /\n"}, got["logs"])
			},
		},

		"Getting a task with an invalid id should fail": {
			method:  http.MethodGet,
			path:    "/tasks/abc",
			expCode: http.StatusBadRequest,
		},

		"Getting a missing task should fail": {
			method:  http.MethodGet,
			path:    "/tasks/9",
			expCode: http.StatusNotFound,
		},

		"Getting the running task without one should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method:  http.MethodGet,
			path:    "/tasks/running",
			expCode: http.StatusNotFound,
		},

		"Getting the running task should return the active one": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				_, _ = s.repo.CreateTask(context.Background(), "b")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 2, model.TaskStatusDeploying))
				writeLog(t, s.sink, 2, "stdout", "==> [deploy] bash -c make deploy\n")
			},
			method:  http.MethodGet,
			path:    "/tasks/running",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, float64(2), got["id"])
				assert.Equal(t, "deploying", got["status"])
				logs := got["logs"].(map[string]any)
				assert.Equal(t, "==> [deploy] bash -c make deploy\n", logs["stdout"])
				assert.Nil(t, logs["stderr"])
			},
		},

		"Updating a task without fields should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPatch,
			path:   "/tasks/1",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{}`), "application/json"
			},
			expCode: http.StatusBadRequest,
		},

		"Updating a task with an invalid body should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPatch,
			path:   "/tasks/1",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"score": "high"`), "application/json"
			},
			expCode: http.StatusBadRequest,
		},

		"Updating a task with an unknown status should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPatch,
			path:   "/tasks/1",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"status": "exploded"}`), "application/json"
			},
			expCode: http.StatusBadRequest,
		},

		"Updating only the score should not touch the status": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 1, model.TaskStatusDeployed))
			},
			method: http.MethodPatch,
			path:   "/tasks/1",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"score": 93}`), "application/json"
			},
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Equal(t, "deployed", got["status"])
				assert.Equal(t, float64(93), got["score"])
			},
			expNotify: true,
		},

		"Updating the status should set it and notify": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 1, model.TaskStatusDeployed))
			},
			method: http.MethodPatch,
			path:   "/tasks/1",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"status": "done"}`), "application/json"
			},
			expCode:   http.StatusOK,
			expNotify: true,
			check: func(t *testing.T, s testServer) {
				task, err := s.repo.GetTask(context.Background(), 1)
				require.NoError(t, err)
				assert.Equal(t, model.TaskStatusDone, task.Status)
			},
		},

		"Updating a missing task should fail": {
			method: http.MethodPatch,
			path:   "/tasks/7",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"status": "done"}`), "application/json"
			},
			expCode: http.StatusNotFound,
		},

		"Uploading files should store them": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPost,
			path:   "/tasks/1/files",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, map[string]string{"access.log": "GET /"})
			},
			expCode: http.StatusCreated,
			expBody: func(t *testing.T, body []byte) {
				assert.JSONEq(t, `{"stored": ["access.log"]}`, string(body))
			},
			check: func(t *testing.T, s testServer) {
				data, ok, err := s.sink.Read(1, "access.log")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "GET /", string(data))
			},
		},

		"Uploading a reserved file name should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPost,
			path:   "/tasks/1/files",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, map[string]string{"stdout": "fake"})
			},
			expCode: http.StatusBadRequest,
		},

		"Uploading a file too big should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPost,
			path:   "/tasks/1/files",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, map[string]string{"big.log": strings.Repeat("x", 33)})
			},
			expCode: http.StatusRequestEntityTooLarge,
		},

		"Uploading files to a missing task should fail": {
			method: http.MethodPost,
			path:   "/tasks/3/files",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, map[string]string{"access.log": "GET /"})
			},
			expCode: http.StatusNotFound,
		},

		"Uploading without a multipart form should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method: http.MethodPost,
			path:   "/tasks/1/files",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{}`), "application/json"
			},
			expCode: http.StatusBadRequest,
		},

		"Getting a raw log should return its content": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				writeLog(t, s.sink, 1, "stdout", "hello\n")
			},
			method:  http.MethodGet,
			path:    "/tasks/1/logs/stdout",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				assert.Equal(t, "hello\n", string(body))
			},
		},

		"Getting an absent raw log should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method:  http.MethodGet,
			path:    "/tasks/1/logs/stdout",
			expCode: http.StatusNotFound,
		},

		"Getting a hidden raw log should fail": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
			},
			method:  http.MethodGet,
			path:    "/tasks/1/logs/.upload-123",
			expCode: http.StatusBadRequest,
		},

		"Following the log of a finished task should return its content": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 1, model.TaskStatusDone))
				writeLog(t, s.sink, 1, "stdout", "done\n")
			},
			method:  http.MethodGet,
			path:    "/tasks/1/logs/stdout?follow=true",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				assert.Equal(t, "done\n", string(body))
			},
		},

		"Initializing should reset the working copy and notify": {
			method:  http.MethodPost,
			path:    "/init",
			expCode: http.StatusOK,
			expBody: func(t *testing.T, body []byte) {
				var got map[string]any
				require.NoError(t, json.Unmarshal(body, &got))
				assert.Contains(t, got["output"], "git clone git@example.com:acme/app.git")
			},
			expNotify: true,
		},

		"Initializing while a task is deploying should conflict": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 1, model.TaskStatusDeploying))
			},
			method:  http.MethodPost,
			path:    "/init",
			expCode: http.StatusConflict,
			check: func(t *testing.T, s testServer) {
				assert.Empty(t, s.runner.Calls())
			},
		},

		"Setting a task deployed while another one is active should conflict": {
			setup: func(t *testing.T, s testServer) {
				_, _ = s.repo.CreateTask(context.Background(), "a")
				_, _ = s.repo.CreateTask(context.Background(), "b")
				require.NoError(t, s.repo.UpdateTaskStatus(context.Background(), 1, model.TaskStatusDeploying))
			},
			method: http.MethodPatch,
			path:   "/tasks/2",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"status":"deployed"}`), "application/json"
			},
			expCode: http.StatusConflict,
			check: func(t *testing.T, s testServer) {
				task, err := s.repo.GetTask(context.Background(), 2)
				require.NoError(t, err)
				assert.Equal(t, model.TaskStatusPending, task.Status)
			},
		},

		"Health check should be ok": {
			method:  http.MethodGet,
			path:    "/healthz",
			expCode: http.StatusOK,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s := newTestServer(t)
			if test.setup != nil {
				test.setup(t, s)
			}

			var body io.Reader
			contentType := ""
			if test.body != nil {
				body, contentType = test.body(t)
			}
			req := httptest.NewRequest(test.method, test.path, body)
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			rec := httptest.NewRecorder()

			s.handler.ServeHTTP(rec, req)

			require.Equal(test.expCode, rec.Code, rec.Body.String())
			if test.expBody != nil {
				test.expBody(t, rec.Body.Bytes())
			}
			if test.check != nil {
				test.check(t, s)
			}

			woken, err := s.signal.Wait(context.Background(), time.Millisecond)
			require.NoError(err)
			assert.Equal(test.expNotify, woken)
		})
	}
}

func TestHandlerFollowLog(t *testing.T) {
	tests := map[string]struct {
		finalStatus model.TaskStatus
	}{
		"A failed deploy should end the stream":    {finalStatus: model.TaskStatusDeployFailed},
		"A deployed task should end the stream":    {finalStatus: model.TaskStatusDeployed},
		"A cancelled deploy should end the stream": {finalStatus: model.TaskStatusCancelled},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t)
			ctx := context.Background()

			_, err := s.repo.CreateTask(ctx, "main")
			require.NoError(t, err)
			require.NoError(t, s.repo.UpdateTaskStatus(ctx, 1, model.TaskStatusDeploying))
			writeLog(t, s.sink, 1, "stdout", "step 1\n")

			srv := httptest.NewServer(s.handler)
			defer srv.Close()

			done := make(chan string, 1)
			go func() {
				resp, err := http.Get(srv.URL + "/tasks/1/logs/stdout?follow=true")
				if err != nil {
					done <- "error: " + err.Error()
					return
				}
				defer resp.Body.Close()
				data, _ := io.ReadAll(resp.Body)
				done <- string(data)
			}()

			time.Sleep(100 * time.Millisecond)
			writeLog(t, s.sink, 1, "stdout", "step 2\n")
			time.Sleep(100 * time.Millisecond)
			require.NoError(t, s.repo.UpdateTaskStatus(ctx, 1, test.finalStatus))

			select {
			case got := <-done:
				assert.Equal(t, "step 1\nstep 2\n", got)
			case <-time.After(3 * time.Second):
				t.Fatal("follow didn't end after the deploy finished")
			}
		})
	}
}

func TestHandlerFollowLogOfADeployedTask(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.repo.CreateTask(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, s.repo.UpdateTaskStatus(ctx, 1, model.TaskStatusDeployed))
	writeLog(t, s.sink, 1, "stdout", "deployed\n")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(srv.URL + "/tasks/1/logs/stdout?follow=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deployed\n", string(data))
}
