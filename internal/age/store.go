// Package age schedules entities for periodic re-observation. Each entry is kept
// under two keys in one bbolt bucket: a priority key ordered by next due time and
// a by-id key used to find and replace the priority key on every update.
package age

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketName = []byte("schedule")

// Entry is the decoded schedule of one id. Zero times are absent; a zero
// NextDue means the entry is urgent and a zero TargetAge means it is unknown.
type Entry struct {
	ID           uint64
	NextDue      time.Time
	LastObserved time.Time
	LeaseStarted time.Time
	TargetAge    time.Duration
}

// Status summarizes the queue.
type Status struct {
	Total   int
	Urgent  int
	Overdue int
	Leased  int
	NextDue time.Time
}

// Store is the persistent schedule.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens or creates the schedule database at path.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schedule bucket: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.Named("age_store"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertOrUpdate records an observation. An unknown id is created urgent;
// a known id becomes due at lastObserved plus targetAge.
func (s *Store) InsertOrUpdate(id uint64, lastObserved time.Time, targetAge time.Duration) error {
	observed, err := encodeTime(lastObserved)
	if err != nil {
		return err
	}

	target, err := encodeDuration(targetAge)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		current, found, err := getRecord(bucket, id)
		if err != nil {
			return err
		}

		if !found {
			return putRecord(bucket, nil, record{
				id:           id,
				targetAge:    target,
				lastObserved: observed,
			})
		}

		next := current
		next.targetAge = target
		next.lastObserved = observed

		next.nextDue, err = encodeTime(lastObserved.Add(targetAge))
		if err != nil {
			return err
		}

		return putRecord(bucket, &current, next)
	})
}

// Prioritize makes an id urgent, enrolling it with the fallback target age if unknown.
func (s *Store) Prioritize(id uint64, fallbackTargetAge time.Duration) error {
	fallback, err := encodeDuration(fallbackTargetAge)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		current, found, err := getRecord(bucket, id)
		if err != nil {
			return err
		}

		if !found {
			return putRecord(bucket, nil, record{id: id, targetAge: fallback})
		}

		next := current
		next.nextDue = 0

		return putRecord(bucket, &current, next)
	})
}

// Finish completes a lease: the id is observed now and becomes due after its
// stored target age, or the fallback when none is stored.
func (s *Store) Finish(id uint64, fallbackTargetAge time.Duration) error {
	now := s.now()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		current, found, err := getRecord(bucket, id)
		if err != nil {
			return err
		}

		targetAge := fallbackTargetAge
		if found && current.targetAge != 0 {
			targetAge = time.Duration(current.targetAge) * time.Second
		}

		next := record{id: id}
		if found {
			next = current
		}

		if next.targetAge, err = encodeDuration(targetAge); err != nil {
			return err
		}

		if next.lastObserved, err = encodeTime(now); err != nil {
			return err
		}

		if next.nextDue, err = encodeTime(now.Add(targetAge)); err != nil {
			return err
		}

		next.leaseStarted = 0

		if !found {
			return putRecord(bucket, nil, next)
		}

		return putRecord(bucket, &current, next)
	})
}

// Delete removes an id from the schedule and reports whether it was present.
func (s *Store) Delete(id uint64) (bool, error) {
	var found bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		current, ok, err := getRecord(bucket, id)
		if err != nil || !ok {
			return err
		}

		found = true

		if err := bucket.Delete(current.priorityKey()); err != nil {
			return err
		}

		return bucket.Delete(idKey(id))
	})

	return found, err
}

// Get returns the entry for an id.
func (s *Store) Get(id uint64) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		current, ok, err := getRecord(tx.Bucket(bucketName), id)
		if err != nil || !ok {
			return err
		}

		entry, found = current.entry(), true

		return nil
	})

	return entry, found, err
}

// GetNext leases up to count ids in priority order. Ids observed within minAge
// or leased within minRunning are skipped. Leases are recorded in the same
// transaction as the scan, so concurrent callers never receive the same id.
func (s *Store) GetNext(count int, minAge, minRunning time.Duration) ([]uint64, error) {
	if count <= 0 {
		return nil, nil
	}

	now := s.now()

	started, err := encodeTime(now)
	if err != nil {
		return nil, err
	}

	var ids []uint64

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		var selected []record

		cursor := bucket.Cursor()
		for key, value := cursor.Seek([]byte{priorityTag}); key != nil && key[0] == priorityTag; key, value = cursor.Next() {
			candidate, err := decodePriority(key, value)
			if err != nil {
				return err
			}

			if candidate.lastObserved != 0 && now.Sub(decodeTime(candidate.lastObserved)) < minAge {
				continue
			}

			if candidate.leaseStarted != 0 && now.Sub(decodeTime(candidate.leaseStarted)) < minRunning {
				continue
			}

			selected = append(selected, candidate)
			if len(selected) == count {
				break
			}
		}

		// bbolt cursors are invalidated by writes, so leases are stored after the scan
		for _, candidate := range selected {
			current, found, err := getRecord(bucket, candidate.id)
			if err != nil {
				return err
			}

			if !found || current.nextDue != candidate.nextDue {
				return decodeError(candidate.priorityKey(), ErrInvalidKey)
			}

			next := current
			next.leaseStarted = started

			if err := putRecord(bucket, &current, next); err != nil {
				return err
			}

			ids = append(ids, candidate.id)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Leased schedule entries",
		zap.Int("requested", count),
		zap.Int("leased", len(ids)))

	return ids, nil
}

// DumpNext returns up to count entries in priority order without leasing them.
// A count of zero or less returns every entry.
func (s *Store) DumpNext(count int) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		cursor := bucket.Cursor()
		for key, value := cursor.Seek([]byte{priorityTag}); key != nil && key[0] == priorityTag; key, value = cursor.Next() {
			candidate, err := decodePriority(key, value)
			if err != nil {
				return err
			}

			current, found, err := getRecord(bucket, candidate.id)
			if err != nil {
				return err
			}

			if !found {
				return decodeError(key, ErrInvalidKey)
			}

			entries = append(entries, current.entry())
			if count > 0 && len(entries) == count {
				break
			}
		}

		return nil
	})

	return entries, err
}

// QueueStatus counts entries by state.
func (s *Store) QueueStatus() (Status, error) {
	now := s.now()

	var status Status

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketName).Cursor()
		for key, value := cursor.Seek([]byte{idTag}); key != nil; key, value = cursor.Next() {
			current, err := decodeID(key, value)
			if err != nil {
				return err
			}

			status.Total++

			nextDue := decodeTime(current.nextDue)
			switch {
			case nextDue.IsZero():
				status.Urgent++
			case !nextDue.After(now):
				status.Overdue++
			case status.NextDue.IsZero() || nextDue.Before(status.NextDue):
				status.NextDue = nextDue
			}

			if current.leaseStarted != 0 {
				status.Leased++
			}
		}

		return nil
	})

	return status, err
}

func getRecord(bucket *bolt.Bucket, id uint64) (record, bool, error) {
	key := idKey(id)

	value := bucket.Get(key)
	if value == nil {
		return record{}, false, nil
	}

	current, err := decodeID(key, value)
	if err != nil {
		return record{}, false, err
	}

	return current, true, nil
}

// putRecord writes both records of an entry, replacing the priority key of previous if given.
func putRecord(bucket *bolt.Bucket, previous *record, next record) error {
	if previous != nil {
		if err := bucket.Delete(previous.priorityKey()); err != nil {
			return fmt.Errorf("failed to delete priority record: %w", err)
		}
	}

	if err := bucket.Put(next.priorityKey(), next.priorityValue()); err != nil {
		return fmt.Errorf("failed to put priority record: %w", err)
	}

	if err := bucket.Put(idKey(next.id), next.idValue()); err != nil {
		return fmt.Errorf("failed to put id record: %w", err)
	}

	return nil
}

// IsDecodeError reports whether err came from a corrupt stored record.
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}
