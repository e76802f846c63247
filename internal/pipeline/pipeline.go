package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/slok/deployq/internal/log"
)

// Stage is a step of the deploy pipeline.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageCheckout Stage = "checkout"
	StageDeploy   Stage = "deploy"
	StageClone    Stage = "clone"
)

// StageError is returned when a pipeline stage fails, either because the
// command exited with a non zero code or because it could not be run.
type StageError struct {
	Stage    Stage
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s stage failed: %s", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage failed with exit code %d", e.Stage, e.ExitCode)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsStageError returns true if the error is a pipeline stage failure.
func IsStageError(err error) bool {
	var serr *StageError
	return errors.As(err, &serr)
}

// DeployRequest is what the pipeline needs to deploy a task.
type DeployRequest struct {
	TaskID int64
	Branch string
	Stdout io.Writer
	Stderr io.Writer
}

// Deployer deploys a branch into the working copy.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) error
}

// PipelineConfig is the configuration of the deploy pipeline.
type PipelineConfig struct {
	Runner Runner
	// WorkDir is the deployment working copy.
	WorkDir string
	// Repository is the source repository cloned into WorkDir on reset.
	Repository string
	// DeployCommand is run through Shell once the branch is checked out.
	// Without it the pipeline can only reset the working copy.
	DeployCommand string
	Shell         string
	Git           string
	Logger        log.Logger
}

func (c *PipelineConfig) defaults() error {
	if c.Runner == nil {
		return fmt.Errorf("runner is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if c.Shell == "" {
		c.Shell = "bash"
	}
	if c.Git == "" {
		c.Git = "git"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Pipeline"})
	return nil
}

// Pipeline runs the deploy stages: fetch, checkout and the deploy command.
type Pipeline struct {
	runner        Runner
	workDir       string
	repository    string
	deployCommand string
	shell         string
	git           string
	// mu serializes deploys and working copy resets.
	mu            sync.Mutex
	logger        log.Logger
}

var _ Deployer = &Pipeline{}

// NewPipeline returns a new deploy pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Pipeline{
		runner:        cfg.Runner,
		workDir:       cfg.WorkDir,
		repository:    cfg.Repository,
		deployCommand: cfg.DeployCommand,
		shell:         cfg.Shell,
		git:           cfg.Git,
		logger:        cfg.Logger,
	}, nil
}

type step struct {
	stage Stage
	cmd   Command
	// bestEffort steps don't fail the pipeline.
	bestEffort bool
}

func (p *Pipeline) steps(req DeployRequest) []step {
	env := []string{
		"DEPLOYQ_TASK_ID=" + strconv.FormatInt(req.TaskID, 10),
		"DEPLOYQ_BRANCH=" + req.Branch,
	}

	return []step{
		{
			stage:      StageFetch,
			cmd:        Command{Name: p.git, Args: []string{"fetch"}, Dir: p.workDir},
			bestEffort: true,
		},
		{
			stage: StageCheckout,
			cmd:   Command{Name: p.git, Args: []string{"checkout", "origin/" + req.Branch}, Dir: p.workDir},
		},
		{
			stage: StageDeploy,
			cmd:   Command{Name: p.shell, Args: []string{"-c", p.deployCommand}, Dir: p.workDir, Env: env},
		},
	}
}

// Deploy runs the pipeline stages in order. Any non zero exit of a required
// stage stops the pipeline with a StageError. Context cancellation is
// returned as is.
func (p *Pipeline) Deploy(ctx context.Context, req DeployRequest) error {
	if p.deployCommand == "" {
		return &StageError{Stage: StageDeploy, ExitCode: -1, Err: fmt.Errorf("deploy command is not configured")}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.WithValues(log.Kv{"task": req.TaskID, "branch": req.Branch})

	for _, s := range p.steps(req) {
		logger.Debugf("Running %s stage: %s", s.stage, s.cmd)
		fmt.Fprintf(req.Stdout, "==> [%s] %s\n", s.stage, s.cmd)

		exitCode, err := p.runner.Run(ctx, s.cmd, req.Stdout, req.Stderr)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case err != nil && s.bestEffort:
			logger.Warningf("Ignoring %s stage error: %s", s.stage, err)
		case err != nil:
			return &StageError{Stage: s.stage, ExitCode: exitCode, Err: err}
		case exitCode != 0 && s.bestEffort:
			logger.Warningf("Ignoring %s stage exit code %d", s.stage, exitCode)
		case exitCode != 0:
			return &StageError{Stage: s.stage, ExitCode: exitCode}
		}
	}

	return nil
}

// ResetWorkingCopy removes the working copy and clones the repository again.
func (p *Pipeline) ResetWorkingCopy(ctx context.Context, stdout, stderr io.Writer) error {
	if p.repository == "" {
		return fmt.Errorf("repository is required to reset the working copy")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.RemoveAll(p.workDir); err != nil {
		return fmt.Errorf("could not remove working copy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.workDir), 0755); err != nil {
		return fmt.Errorf("could not create working copy parent: %w", err)
	}

	cmd := Command{Name: p.git, Args: []string{"clone", p.repository, p.workDir}}
	exitCode, err := p.runner.Run(ctx, cmd, stdout, stderr)
	if err != nil {
		return &StageError{Stage: StageClone, ExitCode: exitCode, Err: err}
	}
	if exitCode != 0 {
		return &StageError{Stage: StageClone, ExitCode: exitCode}
	}

	p.logger.Infof("Working copy reset from %s", p.repository)
	return nil
}

// EnsureWorkingCopy clones the repository when the working copy doesn't
// exist yet. It returns true when a clone was made.
func (p *Pipeline) EnsureWorkingCopy(ctx context.Context, stdout, stderr io.Writer) (bool, error) {
	_, err := os.Stat(p.workDir)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("could not check working copy: %w", err)
	}

	if err := p.ResetWorkingCopy(ctx, stdout, stderr); err != nil {
		return false, err
	}

	return true, nil
}
