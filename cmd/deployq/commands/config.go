package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/deployq/internal/conventions"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/pipeline"
	"github.com/slok/deployq/internal/pipeline/fake"
	"github.com/slok/deployq/internal/storage/io"
)

// pipelineFlags are the flags shared by the commands that run the deploy pipeline.
type pipelineFlags struct {
	configFile    string
	repository    string
	deployCommand string
	shell         string
	dryRun        bool
}

func registerPipelineFlags(cmd *kingpin.CmdClause) *pipelineFlags {
	f := &pipelineFlags{}

	cmd.Flag("config", "Path to a YAML configuration file, flags take precedence over it.").StringVar(&f.configFile)
	cmd.Flag("repository", "Source repository cloned into the working copy on init.").StringVar(&f.repository)
	cmd.Flag("deploy-command", "Command run in the working copy after checking out the task branch.").StringVar(&f.deployCommand)
	cmd.Flag("shell", "Shell used to run the deploy command.").Default("bash").StringVar(&f.shell)
	cmd.Flag("dry-run", "Don't run any command, only log what would be run.").BoolVar(&f.dryRun)

	return f
}

// serverConfig loads the configuration file, if any, and applies the flags over it.
func (f pipelineFlags) serverConfig(ctx context.Context) (model.ServerConfig, error) {
	var cfg model.ServerConfig
	if f.configFile != "" {
		configPath := f.configFile
		if !filepath.IsAbs(configPath) {
			absPath, err := filepath.Abs(configPath)
			if err != nil {
				return cfg, fmt.Errorf("could not resolve config path: %w", err)
			}
			configPath = absPath
		}

		configRepo := io.NewConfigYAMLRepository(os.DirFS("/"))
		var err error
		cfg, err = configRepo.GetServerConfig(ctx, configPath[1:])
		if err != nil {
			return cfg, fmt.Errorf("could not load config %s: %w", f.configFile, err)
		}
	}

	if f.repository != "" {
		cfg.Repository = f.repository
	}
	if f.deployCommand != "" {
		cfg.DeployCommand = f.deployCommand
	}

	return cfg, nil
}

func (f pipelineFlags) newPipeline(rootCmd *RootCommand, cfg model.ServerConfig) (*pipeline.Pipeline, error) {
	var runner pipeline.Runner
	if f.dryRun {
		r, err := fake.NewRunner(fake.RunnerConfig{Logger: rootCmd.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create fake runner: %w", err)
		}
		runner = r
	} else {
		r, err := pipeline.NewExecRunner(pipeline.ExecRunnerConfig{Logger: rootCmd.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create runner: %w", err)
		}
		runner = r
	}

	p, err := pipeline.NewPipeline(pipeline.PipelineConfig{
		Runner:        runner,
		WorkDir:       conventions.RepoPath(rootCmd.DataDir),
		Repository:    cfg.Repository,
		DeployCommand: cfg.DeployCommand,
		Shell:         f.shell,
		Logger:        rootCmd.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create pipeline: %w", err)
	}

	return p, nil
}
