// Package downloader refreshes the profiles of accounts that appear in the
// follower graph. It leases due ids from the schedule, looks them up, writes
// the profiles to timestamped NDJSON files and records accounts that are gone.
package downloader

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robalyx/followtrack/internal/deactivation"
	"github.com/robalyx/followtrack/internal/status"
	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/robalyx/followtrack/pkg/utils"
	"go.uber.org/zap"
)

const (
	// MinAge is how long a freshly observed profile is left alone.
	MinAge = 6 * time.Hour
	// MinRunning is how long a lease blocks another downloader from the same id.
	MinRunning = 25 * time.Minute

	// SnapshotField is the key stamped onto every written profile.
	SnapshotField = "snapshot"

	outputExt = ".ndjson"
)

// ErrSnapshotCollision is returned when a profile already carries the snapshot field.
var ErrSnapshotCollision = errors.New("profile already has a snapshot field")

// Client looks up profiles.
type Client interface {
	LookupProfiles(ctx context.Context, ids []uint64) ([]twitter.ProfileResult, error)
}

// Schedule leases and reschedules profile ids.
type Schedule interface {
	GetNext(count int, minAge, minRunning time.Duration) ([]uint64, error)
	Finish(id uint64, fallbackTargetAge time.Duration) error
	Delete(id uint64) (bool, error)
}

// Ledger records deactivated accounts.
type Ledger interface {
	AddAll(updates map[uint64]deactivation.Update)
	Flush() error
}

// Config controls a downloader.
type Config struct {
	OutputDir         string
	BatchSize         int
	FallbackTargetAge time.Duration
	IdleInterval      time.Duration
	ErrorInterval     time.Duration
	RateLimitBuffer   time.Duration
}

// Result summarizes one batch.
type Result struct {
	Leased        int
	Profiles      int
	Deactivations int
	OutputPath    string
}

// Downloader runs profile batches.
type Downloader struct {
	client   Client
	schedule Schedule
	ledger   Ledger
	config   Config
	reporter *status.Reporter
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClock overrides the time source used for snapshots and file names.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) {
		d.now = now
	}
}

// WithReporter publishes the loop's progress through reporter.
func WithReporter(reporter *status.Reporter) Option {
	return func(d *Downloader) {
		d.reporter = reporter
	}
}

// New creates a downloader.
func New(client Client, schedule Schedule, ledger Ledger, config Config, logger *zap.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		client:   client,
		schedule: schedule,
		ledger:   ledger,
		config:   config,
		logger:   logger.Named("downloader"),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.reporter == nil {
		d.reporter = status.NewReporter(nil, "downloader", "profiles", logger)
	}

	return d
}

// Start runs batches until the context is cancelled.
func (d *Downloader) Start(ctx context.Context) {
	d.logger.Info("Downloader started", zap.String("workerID", d.reporter.WorkerID()))
	d.reporter.Start(ctx)
	defer d.reporter.Stop()

	for {
		if utils.ContextGuardWithLog(ctx, d.logger, "Context cancelled, stopping downloader") {
			return
		}

		d.reporter.SetHealthy(true)
		d.reporter.UpdateStatus("Leasing profile ids", 0)

		result, err := d.RunBatch(ctx, d.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.Error("Failed to run profile batch", zap.Error(err))
			d.reporter.SetHealthy(false)

			if !utils.ErrorSleep(ctx, d.config.ErrorInterval, d.logger, "downloader") {
				return
			}

			continue
		}

		if result.Leased == 0 {
			d.reporter.UpdateStatus("No profiles due, waiting", 0)

			if !utils.IntervalSleep(ctx, d.config.IdleInterval, d.logger, "downloader") {
				return
			}

			continue
		}

		d.reporter.UpdateStatus("Completed", 100)
	}
}

// RunBatch leases up to count ids, looks them up and records the outcome.
// A rate limit is waited out and the same ids are requested again, which is
// safe because nothing is finished until a lookup succeeds.
func (d *Downloader) RunBatch(ctx context.Context, count int) (*Result, error) {
	ids, err := d.schedule.GetNext(count, MinAge, MinRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to lease profile ids: %w", err)
	}

	result := &Result{Leased: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	d.reporter.UpdateStatus(fmt.Sprintf("Looking up %d profiles", len(ids)), 25)

	results, err := d.lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	var (
		profiles      []stampedProfile
		finished      []uint64
		deactivations = make(map[uint64]deactivation.Update)
	)

	for _, r := range results {
		observed := d.now().UTC().Truncate(time.Second)

		if r.Profile == nil {
			deactivations[r.ID] = deactivation.Update{Status: r.StatusCode, Observed: observed}
			continue
		}

		if _, ok := r.Profile[SnapshotField]; ok {
			return nil, fmt.Errorf("%w: %d", ErrSnapshotCollision, r.ID)
		}

		r.Profile[SnapshotField] = observed.Unix()

		profiles = append(profiles, stampedProfile{id: r.ID, snapshot: observed.Unix(), profile: r.Profile})
		finished = append(finished, r.ID)
	}

	d.reporter.UpdateStatus("Writing profiles", 75)

	if len(profiles) > 0 {
		path, err := d.writeProfiles(profiles)
		if err != nil {
			return nil, err
		}

		result.OutputPath = path
	}

	if len(deactivations) > 0 {
		d.ledger.AddAll(deactivations)

		if err := d.ledger.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush deactivations: %w", err)
		}
	}

	for id := range deactivations {
		if _, err := d.schedule.Delete(id); err != nil {
			return nil, fmt.Errorf("failed to delete %d from schedule: %w", id, err)
		}
	}

	for _, id := range finished {
		if err := d.schedule.Finish(id, d.config.FallbackTargetAge); err != nil {
			return nil, fmt.Errorf("failed to finish %d: %w", id, err)
		}
	}

	result.Profiles = len(profiles)
	result.Deactivations = len(deactivations)

	d.logger.Info("Finished profile batch",
		zap.Int("leased", result.Leased),
		zap.Int("profiles", result.Profiles),
		zap.Int("deactivations", result.Deactivations),
		zap.String("output", result.OutputPath))

	return result, nil
}

func (d *Downloader) lookup(ctx context.Context, ids []uint64) ([]twitter.ProfileResult, error) {
	for {
		results, err := d.client.LookupProfiles(ctx, ids)
		if err == nil {
			return results, nil
		}

		rateLimit, ok := twitter.IsRateLimit(err)
		if !ok {
			return nil, fmt.Errorf("failed to look up profiles: %w", err)
		}

		d.reporter.UpdateStatus("Rate limited", 25)

		if !utils.RateLimitSleep(ctx, rateLimit.Reset, d.config.RateLimitBuffer, d.logger, "downloader") {
			return nil, ctx.Err()
		}
	}
}

type stampedProfile struct {
	id       uint64
	snapshot int64
	profile  twitter.Profile
}

// writeProfiles writes one profile per line ordered by snapshot and id.
func (d *Downloader) writeProfiles(profiles []stampedProfile) (string, error) {
	slices.SortFunc(profiles, func(a, b stampedProfile) int {
		if c := cmp.Compare(a.snapshot, b.snapshot); c != 0 {
			return c
		}

		return cmp.Compare(a.id, b.id)
	})

	name := strconv.FormatInt(d.now().UnixMilli(), 10) + outputExt
	path := filepath.Join(d.config.OutputDir, name)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create profile file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, p := range profiles {
		line, err := sonic.Marshal(p.profile)
		if err != nil {
			return "", fmt.Errorf("failed to encode profile %d: %w", p.id, err)
		}

		writer.Write(line)
		writer.WriteByte('\n')
	}

	if err := writer.Flush(); err != nil {
		return "", fmt.Errorf("failed to write profile file: %w", err)
	}

	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync profile file: %w", err)
	}

	return path, nil
}
