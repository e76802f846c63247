package create_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/deployq/internal/app/create"
	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage/storagemock"
	"github.com/slok/deployq/internal/wake"
)

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		config create.ServiceConfig
		expErr bool
	}{
		"valid config should create service": {
			config: create.ServiceConfig{
				Repository: &storagemock.MockTaskRepository{},
				Notifier:   wake.NewSignal(),
				Logger:     log.Noop,
			},
		},
		"missing repository should fail": {
			config: create.ServiceConfig{Logger: log.Noop},
			expErr: true,
		},
		"missing notifier should default to noop": {
			config: create.ServiceConfig{Repository: &storagemock.MockTaskRepository{}},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			svc, err := create.NewService(test.config)

			if test.expErr {
				require.Error(err)
				require.Nil(svc)
			} else {
				require.NoError(err)
				require.NotNil(svc)
			}
		})
	}
}

func TestService_Run(t *testing.T) {
	createdAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		mock      func(m *storagemock.MockTaskRepository)
		req       create.Request
		expTask   *model.Task
		expErr    bool
		expErrIs  error
		expNotify bool
	}{
		"creating a task should return it and notify": {
			mock: func(m *storagemock.MockTaskRepository) {
				m.On("CreateTask", mock.Anything, "feature-x").Once().Return(&model.Task{
					ID: 1, Branch: "feature-x", Status: model.TaskStatusPending, CreatedAt: createdAt, UpdatedAt: createdAt,
				}, nil)
			},
			req:       create.Request{Branch: "feature-x"},
			expTask:   &model.Task{ID: 1, Branch: "feature-x", Status: model.TaskStatusPending, CreatedAt: createdAt, UpdatedAt: createdAt},
			expNotify: true,
		},
		"missing branch should fail without touching the store": {
			mock:   func(m *storagemock.MockTaskRepository) {},
			req:      create.Request{},
			expErr:   true,
			expErrIs: model.ErrNotValid,
		},
		"store errors should propagate without notifying": {
			mock: func(m *storagemock.MockTaskRepository) {
				m.On("CreateTask", mock.Anything, "main").Once().Return(nil, errors.New("database is locked"))
			},
			req:    create.Request{Branch: "main"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			m := &storagemock.MockTaskRepository{}
			test.mock(m)
			signal := wake.NewSignal()

			svc, err := create.NewService(create.ServiceConfig{Repository: m, Notifier: signal})
			require.NoError(err)

			task, err := svc.Run(context.Background(), test.req)

			if test.expErr {
				require.Error(err)
				if test.expErrIs != nil {
					assert.ErrorIs(err, test.expErrIs)
				}
			} else {
				require.NoError(err)
				assert.Equal(test.expTask, task)
			}

			woken, err := signal.Wait(context.Background(), time.Millisecond)
			require.NoError(err)
			assert.Equal(test.expNotify, woken)

			m.AssertExpectations(t)
		})
	}
}
