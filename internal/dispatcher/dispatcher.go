// Package dispatcher runs the deployment tasks one at a time.
//
// The dispatcher claims the oldest pending task only when no other task is
// deploying or deployed, runs the deploy pipeline outside of any store
// transaction, and records the outcome with guarded status writes so manual
// status changes made meanwhile are kept.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/slok/deployq/internal/conventions"
	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/pipeline"
	"github.com/slok/deployq/internal/storage"
	"github.com/slok/deployq/internal/wake"
)

// LogSink is where the dispatcher writes the pipeline output of a task.
type LogSink interface {
	OpenForWrite(taskID int64, name string) (io.WriteCloser, error)
}

// WakeWaiter suspends the dispatcher until new work may exist.
type WakeWaiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

var _ WakeWaiter = &wake.Signal{}

// Config is the configuration of the dispatcher.
type Config struct {
	Repository storage.TaskRepository
	Deployer   pipeline.Deployer
	LogSink    LogSink
	Wake       WakeWaiter
	// IdleTimeout bounds every wait so a lost wake signal only delays work.
	IdleTimeout time.Duration
	Logger      log.Logger
}

func (c *Config) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Deployer == nil {
		return fmt.Errorf("deployer is required")
	}
	if c.LogSink == nil {
		return fmt.Errorf("log sink is required")
	}
	if c.Wake == nil {
		return fmt.Errorf("wake signal is required")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatcher.Dispatcher"})
	return nil
}

// Dispatcher is the single deployment worker.
type Dispatcher struct {
	repo        storage.TaskRepository
	deployer    pipeline.Deployer
	sink        LogSink
	wake        WakeWaiter
	idleTimeout time.Duration
	logger      log.Logger
}

// New returns a new dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dispatcher{
		repo:        cfg.Repository,
		deployer:    cfg.Deployer,
		sink:        cfg.LogSink,
		wake:        cfg.Wake,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
	}, nil
}

// Result is the outcome of a single dispatcher iteration.
type Result string

const (
	// ResultBusy means another task is active, nothing was claimed.
	ResultBusy Result = "busy"
	// ResultIdle means there was no pending task.
	ResultIdle Result = "idle"
	// ResultProcessed means a task was claimed and its pipeline run.
	ResultProcessed Result = "processed"
)

// Run loops forever claiming and deploying tasks. It only returns when the
// context ends (nil) or on a store error, after which the active task
// invariant can't be trusted anymore.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Infof("Dispatcher started")

	for {
		res, err := d.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Infof("Dispatcher stopped")
				return nil
			}
			return fmt.Errorf("dispatcher stopped: %w", err)
		}

		// After a deploy there may be more work already queued.
		if res == ResultProcessed {
			continue
		}

		if _, err := d.wake.Wait(ctx, d.idleTimeout); err != nil {
			d.logger.Infof("Dispatcher stopped")
			return nil
		}
	}
}

// RunOnce runs a single iteration: exclusivity check, claim and deploy.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	claim, err := d.repo.ClaimNextPendingTask(ctx)
	if err != nil {
		return "", fmt.Errorf("could not claim task: %w", err)
	}

	if claim.Active != nil {
		d.logger.Debugf("Task %d is %s, waiting", claim.Active.ID, claim.Active.Status)
		return ResultBusy, nil
	}
	if claim.Task == nil {
		d.logger.Debugf("No pending tasks, waiting")
		return ResultIdle, nil
	}

	if err := d.process(ctx, *claim.Task); err != nil {
		return "", err
	}

	return ResultProcessed, nil
}

func (d *Dispatcher) process(ctx context.Context, task model.Task) error {
	logger := d.logger.WithValues(log.Kv{"task": task.ID, "branch": task.Branch})
	logger.Infof("Deploying task")

	stdout, stderr, closeLogs, err := d.openLogs(task.ID)
	if err != nil {
		// Without logs the deploy can't be inspected, fail the task.
		logger.Errorf("Could not open task logs: %s", err)
		return d.fail(ctx, task, err, io.Discard)
	}
	defer closeLogs()

	start := time.Now()
	err = d.deployer.Deploy(ctx, pipeline.DeployRequest{
		TaskID: task.ID,
		Branch: task.Branch,
		Stdout: stdout,
		Stderr: stderr,
	})
	switch {
	case err == nil:
	case pipeline.IsStageError(err):
		logger.Warningf("Deploy failed after %s: %s", time.Since(start).Round(time.Millisecond), err)
		return d.fail(ctx, task, err, stderr)
	case ctx.Err() != nil:
		// Shutting down, the task stays deploying and is reconciled on the next start.
		fmt.Fprintf(stderr, "deployq: deploy interrupted: %s\n", ctx.Err())
		return ctx.Err()
	default:
		logger.Errorf("Deploy errored: %s", err)
		return d.fail(ctx, task, err, stderr)
	}

	ok, err := d.repo.CompareAndSetTaskStatus(ctx, task.ID, model.TaskStatusDeploying, model.TaskStatusDeployed)
	if err != nil {
		return fmt.Errorf("could not set task %d deployed: %w", task.ID, err)
	}
	if !ok {
		logger.Warningf("Task status changed while deploying, not marking it as deployed")
		return nil
	}

	logger.Infof("Task deployed in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, task model.Task, cause error, stderr io.Writer) error {
	fmt.Fprintf(stderr, "deployq: %s\n", cause)

	ok, err := d.repo.CompareAndSetTaskStatus(ctx, task.ID, model.TaskStatusDeploying, model.TaskStatusDeployFailed)
	if err != nil {
		return fmt.Errorf("could not set task %d deploy failed: %w", task.ID, err)
	}
	if !ok {
		d.logger.Warningf("Task %d status changed while deploying, not marking it as failed", task.ID)
	}

	return nil
}

func (d *Dispatcher) openLogs(taskID int64) (stdout, stderr io.Writer, close func(), err error) {
	out, err := d.sink.OpenForWrite(taskID, conventions.StdoutLog)
	if err != nil {
		return nil, nil, nil, err
	}
	errw, err := d.sink.OpenForWrite(taskID, conventions.StderrLog)
	if err != nil {
		out.Close()
		return nil, nil, nil, err
	}

	close = func() {
		if err := out.Close(); err != nil {
			d.logger.Warningf("Could not close stdout log of task %d: %s", taskID, err)
		}
		if err := errw.Close(); err != nil {
			d.logger.Warningf("Could not close stderr log of task %d: %s", taskID, err)
		}
	}

	return out, errw, close, nil
}

// Reconcile fails the tasks left deploying by a previous process that died
// in the middle of a pipeline. Deployed tasks are kept, only an operator can
// mark them done.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	stale, err := d.repo.FailStaleDeployments(ctx)
	if err != nil {
		return fmt.Errorf("could not fail stale deployments: %w", err)
	}

	for _, task := range stale {
		d.logger.Warningf("Task %d was left deploying, marked as %s", task.ID, task.Status)

		w, err := d.sink.OpenForWrite(task.ID, conventions.StderrLog)
		if err != nil {
			d.logger.Warningf("Could not write reconcile note for task %d: %s", task.ID, err)
			continue
		}
		fmt.Fprintf(w, "deployq: deployment interrupted by a dispatcher restart\n")
		if err := w.Close(); err != nil {
			d.logger.Warningf("Could not close stderr log of task %d: %s", task.ID, err)
		}
	}

	return nil
}
