package fake

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/pipeline"
)

// HandlerFunc decides the result of a fake command run.
type HandlerFunc func(ctx context.Context, cmd pipeline.Command, stdout, stderr io.Writer) (int, error)

// RunnerConfig is the configuration for the fake runner.
type RunnerConfig struct {
	// Handler is called for every command, when missing every command succeeds.
	Handler HandlerFunc
	Logger  log.Logger
}

func (c *RunnerConfig) defaults() error {
	if c.Handler == nil {
		c.Handler = func(ctx context.Context, cmd pipeline.Command, stdout, stderr io.Writer) (int, error) {
			fmt.Fprintf(stdout, "fake run: %s\n", cmd)
			return 0, nil
		}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.FakeRunner"})
	return nil
}

// Runner is a fake implementation of pipeline.Runner that doesn't run processes.
// It records every command it receives.
type Runner struct {
	handler HandlerFunc
	calls   []pipeline.Command
	mu      sync.Mutex
	logger  log.Logger
}

var _ pipeline.Runner = &Runner{}

// NewRunner creates a new fake runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Runner{handler: cfg.Handler, logger: cfg.Logger}, nil
}

// Run records the command and delegates the result to the handler.
func (r *Runner) Run(ctx context.Context, cmd pipeline.Command, stdout, stderr io.Writer) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	r.logger.Infof("Fake running %q", cmd.String())
	return r.handler(ctx, cmd, stdout, stderr)
}

// Calls returns the commands run so far.
func (r *Runner) Calls() []pipeline.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]pipeline.Command, len(r.calls))
	copy(calls, r.calls)
	return calls
}
