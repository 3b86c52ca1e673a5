package main

import (
	"context"
	"fmt"
	"iter"
	"log"
	"os"

	"github.com/robalyx/followtrack/internal/batch"
	"github.com/robalyx/followtrack/internal/export/postgres"
	"github.com/robalyx/followtrack/internal/graph"
	"github.com/robalyx/followtrack/internal/setup"
	"github.com/robalyx/followtrack/internal/setup/telemetry"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "export",
		Usage: "Copy the batch log into external databases",
		Commands: []*cli.Command{
			{
				Name:  "postgres",
				Usage: "Import batches into PostgreSQL, resuming after the last imported batch",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "archived-only",
						Usage: "Skip batches that have not been archived yet",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return exportPostgres(ctx, c.Bool("archived-only"))
				},
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

func exportPostgres(ctx context.Context, archivedOnly bool) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceExport)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	store, err := app.GraphStore()
	if err != nil {
		return err
	}

	importer, err := postgres.Connect(ctx, app.PostgresConfig(), app.Logger)
	if err != nil {
		return err
	}
	defer importer.Close()

	source := store.AllBatches()
	if archivedOnly {
		source = store.PastBatches()
	}

	count, err := importer.Import(ctx, batches(source))
	if err != nil {
		return err
	}

	app.Logger.Info("Exported batches to PostgreSQL", zap.Int("count", count))
	log.Printf("Imported %d batches", count)

	return nil
}

// batches drops the file dates from a batch log iterator.
func batches(seq iter.Seq2[graph.PastBatch, error]) iter.Seq2[*batch.Batch, error] {
	return func(yield func(*batch.Batch, error) bool) {
		for entry, err := range seq {
			if !yield(entry.Batch, err) || err != nil {
				return
			}
		}
	}
}
