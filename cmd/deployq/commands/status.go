package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/deployq/internal/app/status"
	"github.com/slok/deployq/internal/model"
)

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id      int64
	running bool
	format  string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Get the detailed status of a task with its logs.")
	c.Cmd.Arg("id", "Task ID.").Int64Var(&c.id)
	c.Cmd.Flag("running", "Show the task currently deploying or deployed instead.").BoolVar(&c.running)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	if !c.running && c.id <= 0 {
		return fmt.Errorf("a task ID or --running is required")
	}

	repo, err := c.rootCmd.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	sink, err := c.rootCmd.openLogSink()
	if err != nil {
		return err
	}

	svc, err := status.NewService(status.ServiceConfig{
		Repository: repo,
		Logs:       sink,
		Logger:     c.rootCmd.Logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	var detail *model.TaskDetail
	if c.running {
		detail, err = svc.Running(ctx)
	} else {
		detail, err = svc.Run(ctx, status.Request{ID: c.id})
	}
	if err != nil {
		return fmt.Errorf("could not get task status: %w", err)
	}

	if err := newPrinter(c.format, c.rootCmd.Stdout).PrintStatus(*detail); err != nil {
		return fmt.Errorf("could not print status: %w", err)
	}

	return nil
}
