package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage"
	"github.com/slok/deployq/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	// BusyTimeout is how long a writer waits for the database lock before failing.
	BusyTimeout time.Duration
	Logger      log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.TaskRepository.
//
// Transactions are opened with BEGIN IMMEDIATE, so a transaction takes the
// database write lock before its first read. This is what makes the active
// task check and the claim a single atomic step against the API writers.
type Repository struct {
	db       *sql.DB
	migrator *migrations.Migrator
	logger   log.Logger
}

var _ storage.TaskRepository = &Repository{}

// NewRepository creates a new SQLite repository and applies the schema.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}

	r := &Repository{db: db, migrator: migrator, logger: cfg.Logger}
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return r, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// Migrate applies the pending schema migrations.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.migrator.Up(ctx); err != nil {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

const taskColumns = `id, branch, status, score, created_at, updated_at`

// CreateTask inserts a new pending task.
func (r *Repository) CreateTask(ctx context.Context, branch string) (*model.Task, error) {
	if err := model.ValidateBranch(branch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (branch, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		branch, model.TaskStatusPending, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("could not insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("could not get task id: %w", err)
	}

	r.logger.Debugf("Created task %d for branch %s", id, branch)

	return &model.Task{
		ID:        id,
		Branch:    branch,
		Status:    model.TaskStatusPending,
		CreatedAt: timeFromUnixMilli(now.UnixMilli()),
		UpdatedAt: timeFromUnixMilli(now.UnixMilli()),
	}, nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanOne(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return task, nil
}

// ListTasks returns all tasks ordered by ID.
func (r *Repository) ListTasks(ctx context.Context) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		task, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus sets the status of a task, keeping a single active task.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if status.IsActive() {
		active, err := findActive(ctx, tx)
		if err != nil {
			return err
		}
		if active != nil && active.ID != id {
			return fmt.Errorf("task %d is already %s: %w", active.ID, active.Status, model.ErrConflict)
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("could not update task status: %w", err)
	}

	if err := expectAffected(result, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Task %d status set to %s", id, status)
	return nil
}

// UpdateTaskScore sets the score of a task.
func (r *Repository) UpdateTaskScore(ctx context.Context, id int64, score int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("could not update task score: %w", err)
	}

	if err := expectAffected(result, id); err != nil {
		return err
	}

	r.logger.Debugf("Task %d score set to %d", id, score)
	return nil
}

// FindActiveTask returns the deploying or deployed task, nil if none.
func (r *Repository) FindActiveTask(ctx context.Context) (*model.Task, error) {
	return findActive(ctx, r.db)
}

// ClaimNextPendingTask checks exclusivity and claims the oldest pending task in one transaction.
func (r *Repository) ClaimNextPendingTask(ctx context.Context) (storage.Claim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Claim{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback is safe to call after Commit.

	active, err := findActive(ctx, tx)
	if err != nil {
		return storage.Claim{}, err
	}
	if active != nil {
		return storage.Claim{Active: active}, nil
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY id ASC LIMIT 1`
	next, err := scanOne(tx.QueryRowContext(ctx, query, model.TaskStatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Claim{}, nil
		}
		return storage.Claim{}, fmt.Errorf("could not query next pending task: %w", err)
	}

	now := time.Now().UTC().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.TaskStatusDeploying, now, next.ID, model.TaskStatusPending,
	)
	if err != nil {
		return storage.Claim{}, fmt.Errorf("could not claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Claim{}, fmt.Errorf("could not commit transaction: %w", err)
	}

	next.Status = model.TaskStatusDeploying
	next.UpdatedAt = timeFromUnixMilli(now)
	r.logger.Debugf("Claimed task %d (branch %s)", next.ID, next.Branch)

	return storage.Claim{Task: next}, nil
}

// CompareAndSetTaskStatus sets the status only if the current one is from.
func (r *Repository) CompareAndSetTaskStatus(ctx context.Context, id int64, from, to model.TaskStatus) (bool, error) {
	if err := to.Validate(); err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC().UnixMilli(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("could not update task status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		r.logger.Debugf("Task %d is not %s anymore, status %s not applied", id, from, to)
		return false, nil
	}

	r.logger.Debugf("Task %d status %s -> %s", id, from, to)
	return true, nil
}

// FailStaleDeployments moves all deploying tasks to deploy_failed.
func (r *Repository) FailStaleDeployments(ctx context.Context) ([]model.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY id ASC`
	rows, err := tx.QueryContext(ctx, query, model.TaskStatusDeploying)
	if err != nil {
		return nil, fmt.Errorf("could not query deploying tasks: %w", err)
	}

	stale := []model.Task{}
	for rows.Next() {
		task, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		stale = append(stale, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	now := time.Now().UTC().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`,
		model.TaskStatusDeployFailed, now, model.TaskStatusDeploying,
	)
	if err != nil {
		return nil, fmt.Errorf("could not fail deploying tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	for i := range stale {
		stale[i].Status = model.TaskStatusDeployFailed
		stale[i].UpdatedAt = timeFromUnixMilli(now)
	}

	return stale, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findActive(ctx context.Context, q rowQuerier) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (?, ?) ORDER BY id ASC LIMIT 1`

	task, err := scanOne(q.QueryRowContext(ctx, query, model.TaskStatusDeploying, model.TaskStatusDeployed))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query active task: %w", err)
	}

	return task, nil
}

func expectAffected(result sql.Result, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(s scanner) (*model.Task, error) {
	task, err := scanRow(s)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func scanRow(s scanner) (model.Task, error) {
	var task model.Task
	var score sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&task.ID,
		&task.Branch,
		&task.Status,
		&score,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	if score.Valid {
		v := score.Int64
		task.Score = &v
	}
	task.CreatedAt = timeFromUnixMilli(createdAt)
	task.UpdatedAt = timeFromUnixMilli(updatedAt)

	return task, nil
}

func timeFromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
