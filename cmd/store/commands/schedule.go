package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/robalyx/followtrack/internal/session"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// ScheduleCommands returns the commands that inspect and maintain the profile schedule.
func ScheduleCommands(deps *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "schedule",
			Usage: "Inspect and maintain the profile refresh schedule",
			Commands: []*cli.Command{
				{
					Name:  "dump",
					Usage: "Print entries in priority order",
					Flags: []cli.Flag{
						&cli.IntFlag{
							Name:  "count",
							Usage: "Maximum number of entries to print (0 = all)",
							Value: 100,
						},
					},
					Action: handleScheduleDump(deps),
				},
				{
					Name:   "status",
					Usage:  "Print entry counts by state",
					Action: handleScheduleStatus(deps),
				},
				{
					Name:   "clean",
					Usage:  "Remove currently deactivated accounts",
					Action: handleScheduleClean(deps),
				},
				{
					Name:   "seed",
					Usage:  "Enroll every account in the batch log, ranked by popularity",
					Action: handleScheduleSeed(deps),
				},
			},
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Format(time.RFC3339)
}

func handleScheduleDump(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, c *cli.Command) error {
		schedule, err := deps.App.Schedule()
		if err != nil {
			return err
		}

		entries, err := schedule.DumpNext(c.Int("count"))
		if err != nil {
			return err
		}

		for _, entry := range entries {
			fmt.Fprintf(deps.Out, "%d next=%s observed=%s lease=%s target=%s\n",
				entry.ID,
				formatTime(entry.NextDue),
				formatTime(entry.LastObserved),
				formatTime(entry.LeaseStarted),
				entry.TargetAge)
		}

		return nil
	}
}

func handleScheduleStatus(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		schedule, err := deps.App.Schedule()
		if err != nil {
			return err
		}

		status, err := schedule.QueueStatus()
		if err != nil {
			return err
		}

		fmt.Fprintf(deps.Out, "total=%d urgent=%d overdue=%d leased=%d next=%s\n",
			status.Total, status.Urgent, status.Overdue, status.Leased, formatTime(status.NextDue))

		return nil
	}
}

func handleScheduleClean(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		schedule, err := deps.App.Schedule()
		if err != nil {
			return err
		}

		ledger, err := deps.App.Ledger()
		if err != nil {
			return err
		}

		count, err := session.CleanSchedule(ledger.CurrentDeactivated(0), schedule)
		if err != nil {
			return err
		}

		deps.App.Logger.Info("Cleaned schedule", zap.Int("removed", count))
		fmt.Fprintf(deps.Out, "removed %d entries\n", count)

		return nil
	}
}

func handleScheduleSeed(deps *CLIDependencies) cli.ActionFunc {
	return func(_ context.Context, _ *cli.Command) error {
		store, err := deps.App.GraphStore()
		if err != nil {
			return err
		}

		schedule, err := deps.App.Schedule()
		if err != nil {
			return err
		}

		ledger, err := deps.App.Ledger()
		if err != nil {
			return err
		}

		count, err := session.SeedSchedule(store, ledger.CurrentDeactivated(0), schedule)
		if err != nil {
			return err
		}

		deps.App.Logger.Info("Seeded schedule", zap.Int("ids", count))
		fmt.Fprintf(deps.Out, "seeded %d ids\n", count)

		return nil
	}
}
