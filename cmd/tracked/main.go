package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/robalyx/followtrack/internal/setup"
	"github.com/robalyx/followtrack/internal/setup/telemetry"
	"github.com/robalyx/followtrack/internal/tracked"
	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var (
	ErrIDRequired        = errors.New("ID argument required")
	ErrFileRequired      = errors.New("FILE argument required")
	ErrTargetAgeRequired = errors.New("TARGET_AGE argument required")
	ErrNotTracked        = errors.New("account is not tracked")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	app, err := setup.InitializeApp(ctx, telemetry.ServiceTracked)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	registry, err := app.Registry()
	if err != nil {
		return err
	}

	cmd := &cli.Command{
		Name:  "tracked",
		Usage: "Manage the accounts whose follower graphs are scraped",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Look up accounts and start tracking them",
				ArgsUsage: "ID...",
				Action: func(ctx context.Context, c *cli.Command) error {
					return addUsers(ctx, app, registry, c.Args().Slice())
				},
			},
			{
				Name:  "list",
				Usage: "Print tracked accounts with their effective target age",
				Action: func(_ context.Context, _ *cli.Command) error {
					return listUsers(app, registry)
				},
			},
			{
				Name:      "import",
				Usage:     "Track the accounts of an exported CSV file",
				ArgsUsage: "FILE",
				Action: func(_ context.Context, c *cli.Command) error {
					if c.NArg() < 1 {
						return ErrFileRequired
					}

					return importUsers(app, registry, c.Args().First())
				},
			},
			{
				Name:  "export",
				Usage: "Write tracked accounts as CSV to standard output",
				Action: func(_ context.Context, _ *cli.Command) error {
					records, err := registry.Export()
					if err != nil {
						return err
					}

					return tracked.WriteCSV(os.Stdout, records)
				},
			},
			{
				Name:      "block",
				Usage:     "Record that an account blocks a credential account",
				ArgsUsage: "ID CREDENTIAL_ID",
				Action: func(_ context.Context, c *cli.Command) error {
					ids, err := parseIDs(c, 2)
					if err != nil {
						return err
					}

					return registry.PutBlock(ids[0], ids[1])
				},
			},
			{
				Name:      "protect",
				Usage:     "Mark an account as protected",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "unset",
						Usage: "Clear the protected flag instead",
					},
				},
				Action: func(_ context.Context, c *cli.Command) error {
					ids, err := parseIDs(c, 1)
					if err != nil {
						return err
					}

					return registry.SetProtected(ids[0], !c.Bool("unset"))
				},
			},
			{
				Name:      "target-age",
				Usage:     "Override the target age of an account (\"default\" clears it)",
				ArgsUsage: "ID TARGET_AGE",
				Action: func(_ context.Context, c *cli.Command) error {
					return setTargetAge(registry, c)
				},
			},
		},
	}

	return cmd.Run(ctx, os.Args)
}

// parseIDs reads count numeric ids from the arguments.
func parseIDs(c *cli.Command, count int) ([]uint64, error) {
	if c.NArg() < count {
		return nil, ErrIDRequired
	}

	ids := make([]uint64, count)
	for i := range count {
		id, err := strconv.ParseUint(c.Args().Get(i), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", c.Args().Get(i), err)
		}

		ids[i] = id
	}

	return ids, nil
}

// addUsers looks up each id and stores its profile. Unavailable accounts are skipped.
func addUsers(ctx context.Context, app *setup.App, registry *tracked.Registry, args []string) error {
	if len(args) == 0 {
		return ErrIDRequired
	}

	clients, err := app.Clients()
	if err != nil {
		return err
	}

	client := clients[0].Client

	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", arg, err)
		}

		user, userStatus, err := client.LookupUser(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to look up %d: %w", id, err)
		}

		if user == nil {
			app.Logger.Warn("Skipping unavailable account", zap.Uint64("userID", id), zap.Stringer("status", userStatus))
			fmt.Printf("skipped %d: %s\n", id, userStatus)

			continue
		}

		err = registry.Put(&tracked.User{
			ID:             user.ID,
			ScreenName:     user.ScreenName,
			FollowersCount: user.FollowersCount,
			Protected:      userStatus == twitter.StatusProtected,
		})
		if err != nil {
			return err
		}

		fmt.Printf("added %d (%s, %d followers)\n", user.ID, user.ScreenName, user.FollowersCount)
	}

	return nil
}

func listUsers(app *setup.App, registry *tracked.Registry) error {
	users, err := registry.Users()
	if err != nil {
		return err
	}

	targetAgeConfig := app.SessionConfig().TargetAge

	for _, user := range users {
		targetAge := user.TargetAge
		source := "override"

		if targetAge == 0 {
			targetAge = targetAgeConfig.TargetAge(user.FollowersCount)
			source = "default"
		}

		fmt.Printf("%d %s followers=%d protected=%t blocks=%d target=%s (%s)\n",
			user.ID, user.ScreenName, user.FollowersCount, user.Protected, len(user.Blocks), targetAge, source)
	}

	return nil
}

// importUsers stores every record of a CSV export. Imported accounts start with
// no follower count until their first lookup.
func importUsers(app *setup.App, registry *tracked.Registry, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	records, err := tracked.ReadCSV(file)
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := registry.Put(&tracked.User{ID: record.ID, ScreenName: record.ScreenName}); err != nil {
			return err
		}

		if err := registry.SetTargetAge(record.ID, record.TargetAge); err != nil {
			return err
		}
	}

	app.Logger.Info("Imported tracked accounts", zap.Int("count", len(records)), zap.String("path", path))
	fmt.Printf("imported %d accounts\n", len(records))

	return nil
}

func setTargetAge(registry *tracked.Registry, c *cli.Command) error {
	ids, err := parseIDs(c, 1)
	if err != nil {
		return err
	}

	if c.NArg() < 2 {
		return ErrTargetAgeRequired
	}

	var targetAge time.Duration
	if value := c.Args().Get(1); value != "default" {
		targetAge, err = time.ParseDuration(value)
		if err != nil || targetAge <= 0 {
			return fmt.Errorf("invalid target age %q", value)
		}
	}

	_, found, err := registry.Get(ids[0])
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %d", ErrNotTracked, ids[0])
	}

	return registry.SetTargetAge(ids[0], targetAge)
}
