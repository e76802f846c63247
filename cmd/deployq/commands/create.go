package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/deployq/internal/app/create"
	"github.com/slok/deployq/internal/model"
)

type CreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	branch string
	format string
}

// NewCreateCommand returns the create command.
func NewCreateCommand(rootCmd *RootCommand, app *kingpin.Application) *CreateCommand {
	c := &CreateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("create", "Enqueue a deployment of a branch.")
	c.Cmd.Flag("branch", "Branch to deploy.").Required().StringVar(&c.branch)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c CreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c CreateCommand) Run(ctx context.Context) error {
	repo, err := c.rootCmd.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	// A running server sees the task on its next idle check.
	svc, err := create.NewService(create.ServiceConfig{
		Repository: repo,
		Logger:     c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	task, err := svc.Run(ctx, create.Request{Branch: c.branch})
	if err != nil {
		return fmt.Errorf("could not create task: %w", err)
	}

	if err := newPrinter(c.format, c.rootCmd.Stdout).PrintList([]model.Task{*task}); err != nil {
		return fmt.Errorf("could not print task: %w", err)
	}

	return nil
}
