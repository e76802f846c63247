package commands

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/slok/deployq/internal/app/create"
	"github.com/slok/deployq/internal/app/list"
	"github.com/slok/deployq/internal/app/setup"
	"github.com/slok/deployq/internal/app/status"
	"github.com/slok/deployq/internal/app/update"
	"github.com/slok/deployq/internal/app/upload"
	"github.com/slok/deployq/internal/dispatcher"
	"github.com/slok/deployq/internal/httpapi"
	"github.com/slok/deployq/internal/logsink"
	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/storage/sqlite"
	"github.com/slok/deployq/internal/wake"
)

const (
	defaultListenAddress = ":8080"
	defaultIdleTimeout   = 30 * time.Second
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	pipeline      *pipelineFlags
	listenAddress string
	idleTimeout   time.Duration
	maxUploadSize int64
	noReconcile   bool
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Serve the task API and run the deployment dispatcher.")
	c.pipeline = registerPipelineFlags(c.Cmd)
	c.Cmd.Flag("listen-address", "Address the task API listens on (default "+defaultListenAddress+").").StringVar(&c.listenAddress)
	c.Cmd.Flag("idle-timeout", "Max time the dispatcher waits for new tasks before checking the queue again (default 30s).").DurationVar(&c.idleTimeout)
	c.Cmd.Flag("max-upload-size", "Max size in bytes of each uploaded task file, 0 means no limit.").Int64Var(&c.maxUploadSize)
	c.Cmd.Flag("no-reconcile", "Don't fail the tasks left deploying by a previous run on start.").BoolVar(&c.noReconcile)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.config(ctx)
	if err != nil {
		return err
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

	deployPipeline, err := c.pipeline.newPipeline(c.rootCmd, cfg)
	if err != nil {
		return err
	}

	signal := wake.NewSignal()

	disp, err := dispatcher.New(dispatcher.Config{
		Repository:  repo,
		Deployer:    deployPipeline,
		LogSink:     sink,
		Wake:        signal,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create dispatcher: %w", err)
	}

	if !c.noReconcile {
		if err := disp.Reconcile(ctx); err != nil {
			return err
		}
	}

	if cfg.Repository != "" {
		var out bytes.Buffer
		cloned, err := deployPipeline.EnsureWorkingCopy(ctx, &out, &out)
		if err != nil {
			return fmt.Errorf("could not prepare working copy: %w\n%s", err, out.String())
		}
		if cloned {
			logger.Infof("Working copy cloned from %s", cfg.Repository)
		}
	} else {
		logger.Warningf("No repository configured, the working copy is used as it is")
	}

	handler, err := c.newHandler(cfg, repo, sink, deployPipeline, signal)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr: cfg.ListenAddress,
		Handler:    handler,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create API server: %w", err)
	}

	var g run.Group

	// Task API.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return server.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Dispatcher.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return disp.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func (c ServeCommand) config(ctx context.Context) (model.ServerConfig, error) {
	cfg, err := c.pipeline.serverConfig(ctx)
	if err != nil {
		return cfg, err
	}

	if c.listenAddress != "" {
		cfg.ListenAddress = c.listenAddress
	}
	if c.idleTimeout > 0 {
		cfg.IdleTimeout = c.idleTimeout
	}
	if c.maxUploadSize > 0 {
		cfg.MaxUploadSize = c.maxUploadSize
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DeployCommand == "" {
		return cfg, fmt.Errorf("a deploy command is required, use --deploy-command or the config file")
	}

	return cfg, nil
}

func (c ServeCommand) newHandler(cfg model.ServerConfig, repo *sqlite.Repository, sink *logsink.Sink, wc setup.WorkingCopy, signal *wake.Signal) (http.Handler, error) {
	logger := c.rootCmd.Logger

	createSvc, err := create.NewService(create.ServiceConfig{Repository: repo, Notifier: signal, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create create service: %w", err)
	}
	listSvc, err := list.NewService(list.ServiceConfig{Repository: repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create list service: %w", err)
	}
	statusSvc, err := status.NewService(status.ServiceConfig{Repository: repo, Logs: sink, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create status service: %w", err)
	}
	updateSvc, err := update.NewService(update.ServiceConfig{Repository: repo, Notifier: signal, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create update service: %w", err)
	}
	uploadSvc, err := upload.NewService(upload.ServiceConfig{Repository: repo, Files: sink, MaxSize: cfg.MaxUploadSize, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create upload service: %w", err)
	}
	setupSvc, err := setup.NewService(setup.ServiceConfig{Repository: repo, WorkingCopy: wc, Notifier: signal, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create setup service: %w", err)
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		CreateService: createSvc,
		ListService:   listSvc,
		StatusService: statusSvc,
		UpdateService: updateSvc,
		UploadService: uploadSvc,
		SetupService:  setupSvc,
		Logs:          sink,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create API handler: %w", err)
	}

	return handler, nil
}
