// Package session runs the scraping loop for one API credential. Each
// iteration either archives old batches or picks the most overdue tracked
// account, pages its follower and followed ids and stores the delta.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
	"github.com/robalyx/followtrack/internal/graph"
	"github.com/robalyx/followtrack/internal/status"
	"github.com/robalyx/followtrack/internal/tracked"
	"github.com/robalyx/followtrack/internal/twitter"
	"github.com/robalyx/followtrack/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UnavailableStatus explains why an account could not be scraped.
type UnavailableStatus int

const (
	StatusUnknown UnavailableStatus = iota
	StatusBlock
	StatusDeactivated
	StatusSuspended
	StatusProtected
)

func (s UnavailableStatus) String() string {
	switch s {
	case StatusBlock:
		return "block"
	case StatusDeactivated:
		return "deactivated"
	case StatusSuspended:
		return "suspended"
	case StatusProtected:
		return "protected"
	case StatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// RunKind tells what an iteration did.
type RunKind int

const (
	RunArchived RunKind = iota
	RunScraped
	RunUnavailable
)

// RunInfo describes a completed iteration.
type RunInfo struct {
	Kind          RunKind
	ArchivedCount int
	Batch         *batch.Batch
	Enqueued      int
	UserID        uint64
	Status        UnavailableStatus
}

// Client pages follower and followed ids with the session's credential.
type Client interface {
	Credential() twitter.Credential
	FollowerIDs(ctx context.Context, userID uint64) ([]uint64, error)
	FollowedIDs(ctx context.Context, userID uint64) ([]uint64, error)
}

// StatusClient looks up why an account is unavailable.
type StatusClient interface {
	LookupUser(ctx context.Context, userID uint64) (*twitter.User, twitter.UserStatus, error)
}

// Registry is the tracked-account registry.
type Registry interface {
	Users() ([]*tracked.User, error)
	Get(id uint64) (*tracked.User, bool, error)
	PutBlock(id, targetID uint64) error
	SetProtected(id uint64, protected bool) error
}

// Ledger records deactivated accounts.
type Ledger interface {
	Status(id uint64) (int, bool)
	Add(id uint64, status int, observed time.Time)
	Flush() error
}

// Schedule receives ids whose profiles should be refreshed.
type Schedule interface {
	Prioritize(id uint64, fallbackTargetAge time.Duration) error
}

// Config controls a session.
type Config struct {
	TargetAge       TargetAgeConfig
	FailureCooldown time.Duration
	ScrapePause     time.Duration
	IdleInterval    time.Duration
	ErrorInterval   time.Duration
	RateLimitBuffer time.Duration
}

// Session scrapes tracked accounts with one credential.
type Session struct {
	client       Client
	statusClient StatusClient
	store        *graph.Store
	registry     Registry
	ledger       Ledger
	schedule     Schedule
	config       Config
	reporter     *status.Reporter
	logger       *zap.Logger
	now          func() time.Time

	failed map[uint64]time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for priorities and ledger entries.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithReporter publishes the loop's progress through reporter.
func WithReporter(reporter *status.Reporter) Option {
	return func(s *Session) {
		s.reporter = reporter
	}
}

// New creates a session.
func New(
	client Client,
	statusClient StatusClient,
	store *graph.Store,
	registry Registry,
	ledger Ledger,
	schedule Schedule,
	config Config,
	logger *zap.Logger,
	opts ...Option,
) *Session {
	s := &Session{
		client:       client,
		statusClient: statusClient,
		store:        store,
		registry:     registry,
		ledger:       ledger,
		schedule:     schedule,
		config:       config,
		logger:       logger.Named("session").With(zap.Stringer("token", client.Credential().Kind)),
		now:          time.Now,
		failed:       make(map[uint64]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.reporter == nil {
		s.reporter = status.NewReporter(nil, "session", client.Credential().Kind.String(), logger)
	}

	return s
}

// Start runs iterations until the context is cancelled. Failures are logged
// and never end the loop; rate limits are waited out.
func (s *Session) Start(ctx context.Context) {
	s.logger.Info("Session started", zap.String("workerID", s.reporter.WorkerID()))
	s.reporter.Start(ctx)
	defer s.reporter.Stop()

	for {
		if utils.ContextGuardWithLog(ctx, s.logger, "Context cancelled, stopping session") {
			return
		}

		s.reporter.SetHealthy(true)

		info, err := s.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if rateLimit, ok := twitter.IsRateLimit(err); ok {
				s.reporter.UpdateStatus("Rate limited", 0)

				if !utils.RateLimitSleep(ctx, rateLimit.Reset, s.config.RateLimitBuffer, s.logger, "session") {
					return
				}

				continue
			}

			s.logger.Error("Session iteration failed", zap.Error(err))
			s.reporter.SetHealthy(false)

			if !utils.ErrorSleep(ctx, s.config.ErrorInterval, s.logger, "session") {
				return
			}

			continue
		}

		if info == nil {
			s.reporter.UpdateStatus("No accounts due, waiting", 0)

			if !utils.IntervalSleep(ctx, s.config.IdleInterval, s.logger, "session") {
				return
			}

			continue
		}

		s.logRunInfo(info)
	}
}

func (s *Session) logRunInfo(info *RunInfo) {
	switch info.Kind {
	case RunArchived:
		s.logger.Info("Archived batches", zap.Int("count", info.ArchivedCount))
	case RunScraped:
		s.logger.Info("Scraped account",
			zap.Uint64("userID", info.UserID),
			zap.Int("changes", info.Batch.TotalLen()),
			zap.Int("enqueued", info.Enqueued))
	case RunUnavailable:
		s.logger.Warn("Account unavailable",
			zap.Uint64("userID", info.UserID),
			zap.Stringer("status", info.Status))
	}
}

type candidate struct {
	id       uint64
	user     *tracked.User
	priority time.Duration
}

// Run performs one iteration. It returns nil when there is nothing to do or
// the chosen account was leased by another session in the meantime.
func (s *Session) Run(ctx context.Context) (*RunInfo, error) {
	s.reporter.UpdateStatus("Archiving", 0)

	archived, err := s.store.Archive()
	if err != nil {
		return nil, fmt.Errorf("failed to archive: %w", err)
	}

	if archived > 0 {
		return &RunInfo{Kind: RunArchived, ArchivedCount: archived}, nil
	}

	s.reporter.UpdateStatus("Selecting account", 10)

	next, err := s.selectCandidate()
	if err != nil {
		return nil, err
	}

	if next == nil {
		return nil, nil
	}

	info, err := s.scrape(ctx, next.id, next.user)

	utils.ContextSleep(ctx, s.config.ScrapePause)

	return info, err
}

// selectCandidate picks the account that is most overdue. Accounts never
// written to the store come first; ties go to the smaller id.
func (s *Session) selectCandidate() (*candidate, error) {
	users, err := s.registry.Users()
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked users: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	credential := s.client.Credential()

	remaining := make(map[uint64]*tracked.User, len(users))
	for _, user := range users {
		remaining[user.ID] = user
	}

	var candidates []candidate

	for _, update := range s.store.UserUpdates() {
		user, isTracked := remaining[update.ID]
		delete(remaining, update.ID)

		if !update.Available || s.coolingDown(update.ID, now) {
			continue
		}

		if _, deactivated := s.ledger.Status(update.ID); deactivated {
			continue
		}

		followersCount := DefaultFollowersCount
		var targetAge time.Duration

		if isTracked {
			if user.Protected || (credential.Kind == twitter.TokenKindUser && user.BlocksCredential(credential.UserID)) {
				continue
			}

			followersCount = user.FollowersCount
			targetAge = user.TargetAge
		}

		if targetAge == 0 {
			targetAge = s.config.TargetAge.TargetAge(followersCount)
		}

		candidates = append(candidates, candidate{
			id:       update.ID,
			user:     user,
			priority: now.Sub(update.LastUpdate) - targetAge,
		})
	}

	for id, user := range remaining {
		if s.coolingDown(id, now) {
			continue
		}

		candidates = append(candidates, candidate{id: id, user: user, priority: math.MaxInt64})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if order := cmp.Compare(c.priority, best.priority); order > 0 || (order == 0 && c.id < best.id) {
			best = c
		}
	}

	return &best, nil
}

func (s *Session) coolingDown(id uint64, now time.Time) bool {
	failedAt, ok := s.failed[id]
	if !ok {
		return false
	}

	if now.Sub(failedAt) >= s.config.FailureCooldown {
		delete(s.failed, id)
		return false
	}

	return true
}

// Scrape leases and scrapes one account regardless of its priority.
func (s *Session) Scrape(ctx context.Context, userID uint64) (*RunInfo, error) {
	user, found, err := s.registry.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked user %d: %w", userID, err)
	}

	if !found {
		user = nil
	}

	return s.scrape(ctx, userID, user)
}

func (s *Session) scrape(ctx context.Context, userID uint64, user *tracked.User) (*RunInfo, error) {
	followersCount := DefaultFollowersCount
	if user != nil {
		followersCount = user.FollowersCount
	}

	s.logger.Info("Scraping account", zap.Uint64("userID", userID))
	s.reporter.UpdateStatus(fmt.Sprintf("Scraping %d", userID), 25)

	lastUpdate, ok := s.store.CheckOut(userID, EstimateRunDuration(followersCount))
	if !ok {
		return nil, nil
	}

	followerIDs, followedIDs, err := s.fetchFollows(ctx, userID)
	if err != nil {
		return s.handleFailure(ctx, userID, lastUpdate, err)
	}

	s.reporter.UpdateStatus("Writing batch", 75)

	b := s.store.MakeBatch(userID, followerIDs, followedIDs)
	if err := s.store.UpdateAndWrite(b, lastUpdate); err != nil {
		s.release(userID, lastUpdate)
		return nil, fmt.Errorf("failed to write batch for %d: %w", userID, err)
	}

	enqueued, err := s.enqueueBatch(b)
	if err != nil {
		return nil, err
	}

	return &RunInfo{Kind: RunScraped, Batch: b, Enqueued: enqueued, UserID: userID}, nil
}

func (s *Session) fetchFollows(ctx context.Context, userID uint64) ([]uint64, []uint64, error) {
	var followerIDs, followedIDs []uint64

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := s.client.FollowerIDs(ctx, userID)
		followerIDs = ids

		return err
	})

	g.Go(func() error {
		ids, err := s.client.FollowedIDs(ctx, userID)
		followedIDs = ids

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return followerIDs, followedIDs, nil
}

// handleFailure releases the lease and records what the failure reveals about
// the account. Rate limits and cancellation are returned to the caller.
func (s *Session) handleFailure(ctx context.Context, userID uint64, lastUpdate time.Time, fetchErr error) (*RunInfo, error) {
	s.release(userID, lastUpdate)

	if _, ok := twitter.IsRateLimit(fetchErr); ok || ctx.Err() != nil {
		return nil, fetchErr
	}

	unavailable := s.classify(ctx, userID, fetchErr)

	now := s.now().UTC().Truncate(time.Second)
	s.failed[userID] = now

	var err error

	switch unavailable {
	case StatusBlock:
		err = s.registry.PutBlock(userID, s.client.Credential().UserID)
	case StatusDeactivated, StatusSuspended:
		code := twitter.CodeUserNotFound
		if unavailable == StatusSuspended {
			code = twitter.CodeUserSuspended
		}

		s.ledger.Add(userID, code, now)
		err = s.ledger.Flush()
	case StatusProtected:
		err = s.registry.SetProtected(userID, true)
	case StatusUnknown:
		s.logger.Warn("Failed to scrape account", zap.Uint64("userID", userID), zap.Error(fetchErr))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to record %s status of %d: %w", unavailable, userID, err)
	}

	return &RunInfo{Kind: RunUnavailable, UserID: userID, Status: unavailable}, nil
}

// classify looks an account up when paging was refused, to tell a block from
// a protected, deactivated or suspended account.
func (s *Session) classify(ctx context.Context, userID uint64, fetchErr error) UnavailableStatus {
	if !twitter.IsUnavailable(fetchErr) {
		return StatusUnknown
	}

	user, userStatus, err := s.statusClient.LookupUser(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to look up unavailable account", zap.Uint64("userID", userID), zap.Error(err))
		return StatusUnknown
	}

	switch userStatus {
	case twitter.StatusProtected:
		return StatusProtected
	case twitter.StatusDeactivated:
		return StatusDeactivated
	case twitter.StatusSuspended:
		return StatusSuspended
	case twitter.StatusActive:
		if user != nil && user.Protected {
			return StatusProtected
		}

		return StatusBlock
	default:
		return StatusUnknown
	}
}

func (s *Session) release(userID uint64, lastUpdate time.Time) {
	if _, err := s.store.UndoCheckOut(userID, lastUpdate); err != nil && !errors.Is(err, graph.ErrUntrackedID) {
		s.logger.Error("Failed to release lease", zap.Uint64("userID", userID), zap.Error(err))
	}
}

// enqueueBatch prioritizes the profiles of every added id and of every removed
// id that is not known to be deactivated.
func (s *Session) enqueueBatch(b *batch.Batch) (int, error) {
	ids := make(map[uint64]struct{})

	for _, id := range b.AdditionIDs() {
		ids[id] = struct{}{}
	}

	for _, id := range b.RemovalIDs() {
		if _, deactivated := s.ledger.Status(id); !deactivated {
			ids[id] = struct{}{}
		}
	}

	for id := range ids {
		if err := s.schedule.Prioritize(id, DefaultProfileTargetAge); err != nil {
			return 0, fmt.Errorf("failed to prioritize %d: %w", id, err)
		}
	}

	return len(ids), nil
}
