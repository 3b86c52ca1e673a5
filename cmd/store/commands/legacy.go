package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/robalyx/followtrack/internal/legacy"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// LegacyCommands returns the commands that import data from the per-user directory layout.
func LegacyCommands(deps *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:      "convert-legacy",
			Usage:     "Load per-user follower directories into an empty store",
			ArgsUsage: "DIR",
			Description: `Reads DIR/<id>/followers and DIR/<id>/following, drops removals of ids
that were not present, and writes the batches of earlier days as archived
files and today's batches to the current file.`,
			Action: handleConvertLegacy(deps),
		},
	}
}

func handleConvertLegacy(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		if c.NArg() < 1 {
			return ErrDirRequired
		}

		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		if store.UserCount() > 0 {
			return ErrStoreInUse
		}

		logger := deps.App.Logger.Named("convert_legacy")
		today := time.Now().UTC().Format(time.DateOnly)

		batches := legacy.DeduplicateRemovals(legacy.Batches(c.Args().First()))

		archived, appended := 0, 0

		for group, err := range legacy.PartitionDates(batches) {
			if err != nil {
				return err
			}

			if group.Date < today {
				count, err := store.ImportPast(group.Date, group.Batches)
				if err != nil {
					return fmt.Errorf("failed to import %s: %w", group.Date, err)
				}

				archived += count
				logger.Info("Imported day", zap.String("date", group.Date), zap.Int("batches", count))

				continue
			}

			for _, b := range group.Batches {
				if err := store.Append(b); err != nil {
					return err
				}

				appended++
			}
		}

		fmt.Fprintf(deps.Out, "archived %d batches, appended %d batches for %d accounts\n",
			archived, appended, store.UserCount())

		return nil
	}
}
