package graph

import (
	"bufio"
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
	"go.uber.org/zap"
)

const (
	// CurrentFileName is the append-only file holding today's batches.
	CurrentFileName = "current.bin"
	// PastDirName holds one compressed file per archived date.
	PastDirName = "past"
	// PastFileExt is the suffix of archived files.
	PastFileExt = ".bin.zst"
)

type idSet map[uint64]struct{}

func (s idSet) sorted() []uint64 {
	ids := make([]uint64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// userState is the replayed state of one account. A zero lastUpdate means
// the account was checked out but never written.
type userState struct {
	followers  idSet
	following  idSet
	lastUpdate time.Time
	expiration time.Time
}

func newUserState() *userState {
	return &userState{
		followers: make(idSet),
		following: make(idSet),
	}
}

// UserUpdate describes when an account was last written and whether it is free to lease.
type UserUpdate struct {
	ID         uint64
	LastUpdate time.Time
	Available  bool
}

// UserIDs pairs an account with a sorted id set.
type UserIDs struct {
	ID  uint64
	IDs []uint64
}

// Store owns the follower and followed sets of every account, rebuilt
// from the batch log on open and extended by appending to the current file.
type Store struct {
	base   string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	users  map[uint64]*userState
	file   *os.File
	writer *bufio.Writer
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for batch timestamps, leases and archival.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open replays all archived files in ascending date order and then the
// current file, failing on the first batch inconsistent with accumulated state.
func Open(base string, logger *zap.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		base:   base,
		logger: logger.Named("graph_store"),
		now:    time.Now,
		users:  make(map[uint64]*userState),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.pastDirPath(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	file, err := os.OpenFile(s.currentFilePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open current file: %w", err)
	}

	s.file = file
	s.writer = bufio.NewWriter(file)

	pastCount := 0
	for past, err := range s.PastBatches() {
		if err != nil {
			file.Close()
			return nil, err
		}

		if err := s.apply(past.Batch, nil); err != nil {
			file.Close()
			return nil, err
		}

		pastCount++
	}

	current, err := s.readCurrent()
	if err != nil {
		file.Close()
		return nil, err
	}

	for _, b := range current {
		if err := s.apply(b, nil); err != nil {
			file.Close()
			return nil, err
		}
	}

	s.logger.Info("Replayed batch log",
		zap.Int("pastBatches", pastCount),
		zap.Int("currentBatches", len(current)),
		zap.Int("users", len(s.users)))

	return s, nil
}

// Close flushes and closes the current file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush current file: %w", err)
	}

	return s.file.Close()
}

// UserCount returns the number of accounts with state.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users)
}

// UserIDs returns every account id in ascending order.
func (s *Store) UserIDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Followers returns the sorted follower ids of an account.
func (s *Store) Followers(id uint64) ([]uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.users[id]
	if !ok {
		return nil, false
	}

	return state.followers.sorted(), true
}

// Following returns the sorted followed ids of an account.
func (s *Store) Following(id uint64) ([]uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.users[id]
	if !ok {
		return nil, false
	}

	return state.following.sorted(), true
}

// AllFollowers returns the follower sets of every account ordered by account id.
func (s *Store) AllFollowers() []UserIDs {
	return s.allSets(func(state *userState) idSet { return state.followers })
}

// AllFollowing returns the followed sets of every account ordered by account id.
func (s *Store) AllFollowing() []UserIDs {
	return s.allSets(func(state *userState) idSet { return state.following })
}

func (s *Store) allSets(pick func(*userState) idSet) []UserIDs {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]UserIDs, 0, len(s.users))
	for id, state := range s.users {
		results = append(results, UserIDs{ID: id, IDs: pick(state).sorted()})
	}

	slices.SortFunc(results, func(a, b UserIDs) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return results
}

// UserUpdates returns every account with its last update and lease availability, unordered.
func (s *Store) UserUpdates() []UserUpdate {
	now := s.now().UTC().Truncate(time.Second)

	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := make([]UserUpdate, 0, len(s.users))
	for id, state := range s.users {
		updates = append(updates, UserUpdate{
			ID:         id,
			LastUpdate: state.lastUpdate,
			Available:  !state.expiration.After(now),
		})
	}

	return updates
}

// CheckOut leases an account for the estimated run duration. It returns the
// last update seen at checkout and false if an unexpired lease already exists.
func (s *Store) CheckOut(userID uint64, estimated time.Duration) (time.Time, bool) {
	now := s.now().UTC().Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.users[userID]
	if !ok {
		state = newUserState()
		s.users[userID] = state
	}

	if state.expiration.After(now) {
		return time.Time{}, false
	}

	state.expiration = now.Add(estimated)

	return state.lastUpdate, true
}

// UndoCheckOut releases a lease if the account has not been updated since checkout.
func (s *Store) UndoCheckOut(userID uint64, lastUpdate time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.users[userID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUntrackedID, userID)
	}

	if !state.lastUpdate.Equal(lastUpdate) {
		return false, nil
	}

	state.expiration = time.Time{}

	return true, nil
}

// MakeBatch diffs freshly observed id lists against the current state of an account.
// An unseen account gets every observed id as an addition.
func (s *Store) MakeBatch(userID uint64, followerIDs, followingIDs []uint64) *batch.Batch {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.users[userID]
	if !ok {
		return batch.New(now, userID,
			batch.NewChange(slices.Clone(followerIDs), nil),
			batch.NewChange(slices.Clone(followingIDs), nil),
		)
	}

	return batch.New(now, userID,
		diff(state.followers, followerIDs),
		diff(state.following, followingIDs),
	)
}

func diff(current idSet, observed []uint64) *batch.Change {
	seen := make(idSet, len(observed))

	var additions, removals []uint64
	for _, id := range observed {
		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		if _, ok := current[id]; !ok {
			additions = append(additions, id)
		}
	}

	for id := range current {
		if _, ok := seen[id]; !ok {
			removals = append(removals, id)
		}
	}

	return batch.NewChange(additions, removals)
}

// UpdateAndWrite applies a batch produced after CheckOut and appends it to the
// current file. The state only changes once the record is flushed and synced.
func (s *Store) UpdateAndWrite(b *batch.Batch, lastUpdate time.Time) error {
	return s.write(b, &lastUpdate)
}

// Append writes a batch to the current file without a lease. It is meant for
// loading batches into a store that no session is using.
func (s *Store) Append(b *batch.Batch) error {
	return s.write(b, nil)
}

func (s *Store) write(b *batch.Batch, lastUpdate *time.Time) error {
	data, err := batch.Encode(b)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(b, lastUpdate); err != nil {
		return err
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to append batch: %w", err)
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush current file: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync current file: %w", err)
	}

	s.mutate(b)

	return nil
}

// apply validates and folds a batch into memory. Callers hold the write lock or own the store exclusively.
func (s *Store) apply(b *batch.Batch, lastUpdate *time.Time) error {
	if err := s.check(b, lastUpdate); err != nil {
		return err
	}

	s.mutate(b)

	return nil
}

// check verifies a batch against current state without modifying it.
func (s *Store) check(b *batch.Batch, lastUpdate *time.Time) error {
	state, ok := s.users[b.UserID]

	var current time.Time
	if ok {
		current = state.lastUpdate
	}

	if lastUpdate != nil && !lastUpdate.Equal(current) {
		return &StaleBatchError{Batch: b, Expected: *lastUpdate, Actual: current}
	}

	if !current.IsZero() && !b.Timestamp.After(current) {
		return &InvalidBatchError{Batch: b, Err: ErrTimestampOrder}
	}

	if !ok {
		// Additions into empty sets cannot collide but removals always miss
		return checkChange(b, newUserState())
	}

	return checkChange(b, state)
}

func checkChange(b *batch.Batch, state *userState) error {
	sides := []struct {
		change   *batch.Change
		set      idSet
		follower bool
	}{
		{b.FollowerChange, state.followers, true},
		{b.FollowedChange, state.following, false},
	}

	for _, side := range sides {
		if side.change == nil {
			continue
		}

		for _, id := range side.change.AdditionIDs {
			if _, ok := side.set[id]; ok {
				return &IDError{Err: ErrDuplicateID, UserID: b.UserID, ID: id, Follower: side.follower}
			}
		}

		for _, id := range side.change.RemovalIDs {
			if _, ok := side.set[id]; !ok {
				return &IDError{Err: ErrMissingID, UserID: b.UserID, ID: id, Follower: side.follower}
			}
		}
	}

	return nil
}

// mutate folds an already checked batch into memory and clears any lease.
func (s *Store) mutate(b *batch.Batch) {
	state, ok := s.users[b.UserID]
	if !ok {
		state = newUserState()
		s.users[b.UserID] = state
	}

	state.lastUpdate = b.Timestamp
	state.expiration = time.Time{}

	fold := func(change *batch.Change, set idSet) {
		if change == nil {
			return
		}

		for _, id := range change.AdditionIDs {
			set[id] = struct{}{}
		}

		for _, id := range change.RemovalIDs {
			delete(set, id)
		}
	}

	fold(b.FollowerChange, state.followers)
	fold(b.FollowedChange, state.following)
}

func (s *Store) currentFilePath() string {
	return filepath.Join(s.base, CurrentFileName)
}

func (s *Store) pastDirPath() string {
	return filepath.Join(s.base, PastDirName)
}

func (s *Store) pastFilePath(date string) string {
	return filepath.Join(s.pastDirPath(), date+PastFileExt)
}

// readCurrent decodes the current file sorted by timestamp and user id.
func (s *Store) readCurrent() ([]*batch.Batch, error) {
	file, err := os.Open(s.currentFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open current file: %w", err)
	}
	defer file.Close()

	batches, err := batch.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read current file: %w", err)
	}

	batch.Sort(batches)

	return batches, nil
}

// CurrentBatches returns the batches in the current file sorted by timestamp and user id.
func (s *Store) CurrentBatches() ([]*batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readCurrent()
}
