package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robalyx/followtrack/internal/graph"
	"github.com/robalyx/followtrack/internal/session"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// GraphCommands returns the commands that read or maintain the batch log.
func GraphCommands(deps *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:   "archive",
			Usage:  "Move batches from earlier days into compressed daily files",
			Action: handleArchive(deps),
		},
		{
			Name:   "validate",
			Usage:  "Check the current file and the deactivation log",
			Action: handleValidate(deps),
		},
		{
			Name:  "batches",
			Usage: "Print one line per batch",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "current",
					Usage: "Only print batches that have not been archived",
				},
			},
			Action: handleBatches(deps),
		},
		{
			Name:   "dump",
			Usage:  "Print every account with its last update and availability",
			Action: handleDump(deps),
		},
		{
			Name:      "followers",
			Usage:     "Print the current followers of an account",
			ArgsUsage: "ID",
			Action:    handleIDs(deps, (*graph.Store).Followers),
		},
		{
			Name:      "following",
			Usage:     "Print the accounts an account currently follows",
			ArgsUsage: "ID",
			Action:    handleIDs(deps, (*graph.Store).Following),
		},
		{
			Name:      "lookup",
			Usage:     "Print every batch that mentions an id",
			ArgsUsage: "ID",
			Action:    handleLookup(deps),
		},
		{
			Name:  "scores",
			Usage: "Print ids by the number of tracked accounts they were added to",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "limit",
					Usage: "Maximum number of ids to print (0 = no limit)",
					Value: 0,
				},
			},
			Action: handleScores(deps),
		},
		{
			Name:   "known-users",
			Usage:  "Print every id that appears anywhere in the batch log",
			Action: handleKnownUsers(deps),
		},
		{
			Name:      "ids-since",
			Usage:     "Print ids touched by a batch at or after TIME",
			ArgsUsage: "TIME",
			Description: `TIME is epoch seconds, a date (2024-03-01) or an RFC 3339 timestamp.
Removed ids that are currently deactivated are left out.`,
			Action: handleIDsSince(deps),
		},
		{
			Name:   "compare",
			Usage:  "Compare the accounts in the store with the tracked registry",
			Action: handleCompare(deps),
		},
	}
}

func handleArchive(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		count, err := store.Archive()
		if err != nil {
			return err
		}

		deps.App.Logger.Info("Archived batches", zap.Int("count", count))
		fmt.Fprintf(deps.Out, "archived %d batches\n", count)

		return nil
	}
}

func handleValidate(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		if err := store.Validate(); err != nil {
			return fmt.Errorf("store is invalid: %w", err)
		}

		ledger, err := deps.App.Ledger()
		if err != nil {
			return err
		}

		if invalid := ledger.Log().Validate(); len(invalid) > 0 {
			for _, id := range invalid {
				fmt.Fprintf(deps.Out, "invalid deactivation entries for %d\n", id)
			}

			return fmt.Errorf("deactivation log has %d invalid accounts", len(invalid))
		}

		fmt.Fprintf(deps.Out, "ok: %d accounts\n", store.UserCount())

		return nil
	}
}

func handleBatches(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		if c.Bool("current") {
			current, err := store.CurrentBatches()
			if err != nil {
				return err
			}

			for _, b := range current {
				fmt.Fprintln(deps.Out, formatBatch("", b))
			}

			return nil
		}

		for entry, err := range store.AllBatches() {
			if err != nil {
				return err
			}

			fmt.Fprintln(deps.Out, formatBatch(entry.Date, entry.Batch))
		}

		return nil
	}
}

func handleDump(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		for _, update := range store.UserUpdates() {
			lastUpdate := "never"
			if !update.LastUpdate.IsZero() {
				lastUpdate = update.LastUpdate.Format(time.RFC3339)
			}

			fmt.Fprintf(deps.Out, "%d %s available=%t\n", update.ID, lastUpdate, update.Available)
		}

		return nil
	}
}

func handleIDs(deps *CLIDependencies, pick func(*graph.Store, uint64) ([]uint64, bool)) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}

		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		ids, ok := pick(store, id)
		if !ok {
			return fmt.Errorf("%w: %d", graph.ErrUntrackedID, id)
		}

		for _, id := range ids {
			fmt.Fprintln(deps.Out, id)
		}

		return nil
	}
}

func handleLookup(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}

		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		for appearance, err := range store.Lookup(id) {
			if err != nil {
				return err
			}

			roles := make([]string, len(appearance.Roles))
			for i, role := range appearance.Roles {
				roles[i] = role.String()
			}

			fmt.Fprintf(deps.Out, "%s: %s\n", formatBatch(appearance.Date, appearance.Batch), strings.Join(roles, ", "))
		}

		return nil
	}
}

func handleScores(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		scores, err := store.UserScores()
		if err != nil {
			return err
		}

		sorted := graph.SortedScores(scores)
		if limit := c.Int("limit"); limit > 0 && limit < len(sorted) {
			sorted = sorted[:limit]
		}

		for _, score := range sorted {
			fmt.Fprintf(deps.Out, "%d,%d\n", score.ID, score.Score)
		}

		return nil
	}
}

func handleKnownUsers(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		known, err := store.KnownUserIDs()
		if err != nil {
			return err
		}

		for _, id := range sortedIDs(known) {
			fmt.Fprintln(deps.Out, id)
		}

		return nil
	}
}

func handleIDsSince(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		if c.NArg() < 1 {
			return ErrTimeRequired
		}

		since, err := parseTime(c.Args().First())
		if err != nil {
			return err
		}

		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		ledger, err := deps.App.Ledger()
		if err != nil {
			return err
		}

		ids, err := store.IDsSince(since, func(id uint64) bool {
			_, deactivated := ledger.Status(id)
			return deactivated
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			fmt.Fprintln(deps.Out, id)
		}

		return nil
	}
}

func handleCompare(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		registry, err := deps.App.Registry()
		if err != nil {
			return err
		}

		trackedIDs, err := registry.IDs()
		if err != nil {
			return err
		}

		storeOnly, trackedOnly := session.CompareUsers(store, trackedIDs)

		for _, id := range storeOnly {
			fmt.Fprintf(deps.Out, "store only: %d\n", id)
		}

		for _, id := range trackedOnly {
			fmt.Fprintf(deps.Out, "tracked only: %d\n", id)
		}

		return nil
	}
}
