package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robalyx/followtrack/internal/downloader"
	"github.com/robalyx/followtrack/internal/session"
	"github.com/robalyx/followtrack/internal/setup"
	"github.com/robalyx/followtrack/internal/setup/telemetry"
	"github.com/robalyx/followtrack/internal/status"
	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/sourcegraph/conc"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const (
	// SessionWorker scrapes the follower graphs of tracked accounts.
	SessionWorker = "session"

	// DownloaderWorker refreshes the profiles of accounts seen in the graph.
	DownloaderWorker = "downloader"

	// restartDelay is the pause before a crashed loop is started again.
	restartDelay = 5 * time.Second
)

var (
	ErrNoWorkers       = errors.New("no workers to start")
	ErrUnknownWorker   = errors.New("unknown credential name")
	ErrRedisNotEnabled = errors.New("redis is not configured")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	credentialFlag := &cli.StringSliceFlag{
		Name:    "credential",
		Aliases: []string{"c"},
		Usage:   "Only start loops for the named credentials (default: all)",
	}

	app := &cli.Command{
		Name:  "worker",
		Usage: "Start the followtrack workers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Value:   0,
				Usage:   "Downloader loops per app credential (default: from config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "all",
				Usage: "Start session and downloader loops",
				Flags: []cli.Flag{credentialFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runWorkers(ctx, c, true, true)
				},
			},
			{
				Name:  SessionWorker,
				Usage: "Start one session loop per credential",
				Flags: []cli.Flag{credentialFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runWorkers(ctx, c, true, false)
				},
			},
			{
				Name:  DownloaderWorker,
				Usage: "Start profile downloader loops on app credentials",
				Flags: []cli.Flag{credentialFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runWorkers(ctx, c, false, true)
				},
			},
			{
				Name:   "status",
				Usage:  "Show the last reported status of every worker",
				Action: showStatus,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, os.Args)
}

// runWorkers starts the requested loops and blocks until they all stop.
func runWorkers(ctx context.Context, c *cli.Command, sessions, downloaders bool) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceWorker)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	clients, err := selectClients(app, c.StringSlice("credential"))
	if err != nil {
		return err
	}

	var loops []loop

	if sessions {
		sessionLoops, err := newSessionLoops(app, clients)
		if err != nil {
			return err
		}

		loops = append(loops, sessionLoops...)
	}

	if downloaders {
		count := c.Int("workers")
		if count <= 0 {
			count = max(app.Config.Downloader.Workers, 1)
		}

		downloaderLoops, err := newDownloaderLoops(app, clients, count)
		if err != nil {
			return err
		}

		loops = append(loops, downloaderLoops...)
	}

	if len(loops) == 0 {
		return ErrNoWorkers
	}

	var wg conc.WaitGroup
	for _, l := range loops {
		wg.Go(func() {
			runLoop(ctx, l)
		})
	}

	log.Printf("Started %d workers", len(loops))
	app.Logger.Info("Started workers", zap.Int("count", len(loops)))
	wg.Wait()
	log.Println("All workers have finished. Exiting.")

	return nil
}

// selectClients returns the configured clients, restricted to names when given.
func selectClients(app *setup.App, names []string) ([]setup.NamedClient, error) {
	clients, err := app.Clients()
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return clients, nil
	}

	byName := make(map[string]setup.NamedClient, len(clients))
	for _, client := range clients {
		byName[client.Name] = client
	}

	selected := make([]setup.NamedClient, 0, len(names))
	for _, name := range names {
		client, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
		}

		selected = append(selected, client)
	}

	return selected, nil
}

// loop is a named long running worker.
type loop struct {
	name   string
	start  func(context.Context)
	logger *zap.Logger
}

func newSessionLoops(app *setup.App, clients []setup.NamedClient) ([]loop, error) {
	store, err := app.GraphStore()
	if err != nil {
		return nil, err
	}

	registry, err := app.Registry()
	if err != nil {
		return nil, err
	}

	ledger, err := app.Ledger()
	if err != nil {
		return nil, err
	}

	schedule, err := app.Schedule()
	if err != nil {
		return nil, err
	}

	// Status lookups prefer an app token, whose view is not affected by blocks
	statusClient := clients[0].Client
	for _, client := range clients {
		if client.Client.Credential().Kind == twitter.TokenKindApp {
			statusClient = client.Client
			break
		}
	}

	loops := make([]loop, 0, len(clients))
	for _, client := range clients {
		name := fmt.Sprintf("%s_%s", SessionWorker, client.Name)
		logger := app.LogManager.GetWorkerLogger(name)

		reporter := status.NewReporter(app.StatusClient, SessionWorker, client.Name, logger)
		s := session.New(client.Client, statusClient, store, registry, ledger, schedule,
			app.SessionConfig(), logger, session.WithReporter(reporter))

		loops = append(loops, loop{name: name, start: s.Start, logger: logger})
	}

	return loops, nil
}

func newDownloaderLoops(app *setup.App, clients []setup.NamedClient, count int) ([]loop, error) {
	schedule, err := app.Schedule()
	if err != nil {
		return nil, err
	}

	ledger, err := app.Ledger()
	if err != nil {
		return nil, err
	}

	cfg := app.Config.Downloader
	config := downloader.Config{
		OutputDir:         app.Config.Storage.ProfilesDir,
		BatchSize:         cfg.BatchSize,
		FallbackTargetAge: cfg.FallbackTargetAge,
		IdleInterval:      cfg.IdleInterval,
		ErrorInterval:     cfg.ErrorInterval,
		RateLimitBuffer:   cfg.RateLimitBuffer,
	}

	if config.BatchSize <= 0 {
		config.BatchSize = twitter.LookupBatchSize
	}

	if config.FallbackTargetAge <= 0 {
		config.FallbackTargetAge = session.DefaultProfileTargetAge
	}

	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}

	var loops []loop

	for _, client := range clients {
		if client.Client.Credential().Kind != twitter.TokenKindApp {
			continue
		}

		for i := range count {
			name := fmt.Sprintf("%s_%s_%d", DownloaderWorker, client.Name, i)
			logger := app.LogManager.GetWorkerLogger(name)

			reporter := status.NewReporter(app.StatusClient, DownloaderWorker, client.Name, logger)
			d := downloader.New(client.Client, schedule, ledger, config, logger, downloader.WithReporter(reporter))

			loops = append(loops, loop{name: name, start: d.Start, logger: logger})
		}
	}

	return loops, nil
}

// runLoop runs a loop until the context ends, restarting it after a panic.
func runLoop(ctx context.Context, l loop) {
	for {
		if ctx.Err() != nil {
			l.logger.Info("Context cancelled, stopping worker")
			return
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Worker execution failed",
						zap.String("worker", l.name),
						zap.Any("panic", r),
					)
				}
			}()

			l.logger.Info("Starting worker", zap.String("worker", l.name))
			l.start(ctx)
		}()

		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("Worker stopped unexpectedly, restarting", zap.String("worker", l.name))

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// showStatus prints the heartbeat of every worker.
func showStatus(ctx context.Context, _ *cli.Command) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceWorker)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	if app.StatusClient == nil {
		return ErrRedisNotEnabled
	}

	statuses, err := status.NewMonitor(app.StatusClient, app.Logger).GetAllStatuses(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, s := range statuses {
		health := "healthy"
		switch {
		case s.IsStale(now):
			health = "stale"
		case !s.IsHealthy:
			health = "unhealthy"
		}

		fmt.Printf("%-10s %-12s %s  %-9s %3d%%  %s (%s ago)\n",
			s.WorkerType, s.SubType, s.WorkerID, health, s.Progress, s.CurrentTask,
			now.Sub(s.LastSeen).Truncate(time.Second))
	}

	return nil
}
