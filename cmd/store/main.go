package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/robalyx/followtrack/cmd/store/commands"
	"github.com/robalyx/followtrack/internal/setup"
	"github.com/robalyx/followtrack/internal/setup/telemetry"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	app, err := setup.InitializeApp(ctx, telemetry.ServiceStore)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	deps := &commands.CLIDependencies{
		App: app,
		Out: os.Stdout,
	}

	cmd := &cli.Command{
		Name:  "store",
		Usage: "Inspect and maintain the follower batch log and profile schedule",
		Commands: slices.Concat(
			commands.GraphCommands(deps),
			commands.ScheduleCommands(deps),
			commands.LegacyCommands(deps),
		),
	}

	return cmd.Run(ctx, os.Args)
}
