package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/slok/deployq/internal/log"
)

// Command is an external process invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory, the current one if empty.
	Dir string
	// Env is added to the environment inherited from the current process.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs external commands streaming their output into the writers.
// A command that runs and exits with a non zero code is not an error, the
// exit code is returned. Errors are for commands that could not be run.
type Runner interface {
	Run(ctx context.Context, cmd Command, stdout, stderr io.Writer) (exitCode int, err error)
}

// ExecRunnerConfig is the configuration of the exec runner.
type ExecRunnerConfig struct {
	Logger log.Logger
}

func (c *ExecRunnerConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.ExecRunner"})
	return nil
}

// ExecRunner runs commands as OS processes.
type ExecRunner struct {
	logger log.Logger
}

// NewExecRunner returns a new OS process runner.
func NewExecRunner(cfg ExecRunnerConfig) (*ExecRunner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &ExecRunner{logger: cfg.Logger}, nil
}

// Run executes the command. The output is written to the writers while the
// process runs. On context cancellation the whole process group is killed.
func (r *ExecRunner) Run(ctx context.Context, c Command, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	r.logger.Debugf("Running %q in %q", c.String(), c.Dir)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	if ctx.Err() != nil {
		return -1, fmt.Errorf("%q cancelled: %w", c.String(), ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, fmt.Errorf("could not run %q: %w", c.String(), err)
}
