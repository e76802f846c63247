package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/deployq/internal/app/setup"
)

type InitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	pipeline *pipelineFlags
}

// NewInitCommand returns the init command.
func NewInitCommand(rootCmd *RootCommand, app *kingpin.Application) *InitCommand {
	c := &InitCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("init", "Migrate the task database and reset the working copy to a fresh clone.")
	c.pipeline = registerPipelineFlags(c.Cmd)

	return c
}

func (c InitCommand) Name() string { return c.Cmd.FullCommand() }

func (c InitCommand) Run(ctx context.Context) error {
	cfg, err := c.pipeline.serverConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Repository == "" {
		return fmt.Errorf("a repository is required, use --repository or the config file")
	}

	repo, err := c.rootCmd.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	deployPipeline, err := c.pipeline.newPipeline(c.rootCmd, cfg)
	if err != nil {
		return err
	}

	svc, err := setup.NewService(setup.ServiceConfig{
		Repository:  repo,
		WorkingCopy: deployPipeline,
		Logger:      c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	res, err := svc.Run(ctx)
	if err != nil {
		return fmt.Errorf("could not initialize: %w", err)
	}

	fmt.Fprint(c.rootCmd.Stdout, res.Output)
	c.rootCmd.Logger.Infof("Initialized")

	return nil
}
