package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
)

// MockTaskRepository is a testify mock of storage.TaskRepository.
type MockTaskRepository struct {
	mock.Mock
}

var _ storage.TaskRepository = &MockTaskRepository{}

func (m *MockTaskRepository) CreateTask(ctx context.Context, branch string) (*model.Task, error) {
	args := m.Called(ctx, branch)
	task, _ := args.Get(0).(*model.Task)
	return task, args.Error(1)
}

func (m *MockTaskRepository) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	args := m.Called(ctx, id)
	task, _ := args.Get(0).(*model.Task)
	return task, args.Error(1)
}

func (m *MockTaskRepository) ListTasks(ctx context.Context) ([]model.Task, error) {
	args := m.Called(ctx)
	tasks, _ := args.Get(0).([]model.Task)
	return tasks, args.Error(1)
}

func (m *MockTaskRepository) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockTaskRepository) UpdateTaskScore(ctx context.Context, id int64, score int64) error {
	args := m.Called(ctx, id, score)
	return args.Error(0)
}

func (m *MockTaskRepository) FindActiveTask(ctx context.Context) (*model.Task, error) {
	args := m.Called(ctx)
	task, _ := args.Get(0).(*model.Task)
	return task, args.Error(1)
}

func (m *MockTaskRepository) ClaimNextPendingTask(ctx context.Context) (storage.Claim, error) {
	args := m.Called(ctx)
	claim, _ := args.Get(0).(storage.Claim)
	return claim, args.Error(1)
}

func (m *MockTaskRepository) CompareAndSetTaskStatus(ctx context.Context, id int64, from, to model.TaskStatus) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskRepository) FailStaleDeployments(ctx context.Context) ([]model.Task, error) {
	args := m.Called(ctx)
	tasks, _ := args.Get(0).([]model.Task)
	return tasks, args.Error(1)
}

func (m *MockTaskRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
