package commands

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
	"github.com/robalyx/followtrack/internal/setup"
	"github.com/urfave/cli/v3"
)

var (
	ErrIDRequired   = errors.New("ID argument required")
	ErrTimeRequired = errors.New("TIME argument required")
	ErrDirRequired  = errors.New("DIR argument required")
	ErrStoreInUse   = errors.New("store already holds batches")
)

// CLIDependencies holds the common dependencies needed by CLI commands.
type CLIDependencies struct {
	App *setup.App
	Out io.Writer
}

// parseID reads a numeric account id from the first argument.
func parseID(c *cli.Command) (uint64, error) {
	if c.NArg() < 1 {
		return 0, ErrIDRequired
	}

	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", c.Args().First(), err)
	}

	return id, nil
}

// parseTime accepts epoch seconds, a date or an RFC 3339 timestamp.
func parseTime(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}

	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid time %q", value)
}

func sideLens(change *batch.Change) (int, int) {
	if change == nil {
		return 0, 0
	}

	return len(change.AdditionIDs), len(change.RemovalIDs)
}

// formatBatch renders a one line summary of a batch.
func formatBatch(date string, b *batch.Batch) string {
	if date == "" {
		date = "current"
	}

	followerAdded, followerRemoved := sideLens(b.FollowerChange)
	followedAdded, followedRemoved := sideLens(b.FollowedChange)

	return fmt.Sprintf("%s %d %d followers +%d -%d followed +%d -%d",
		date, b.Timestamp.Unix(), b.UserID,
		followerAdded, followerRemoved, followedAdded, followedRemoved)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	return slices.Sorted(maps.Keys(set))
}
