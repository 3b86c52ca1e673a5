package batch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrUnsortedIDs      = errors.New("ids are not strictly increasing")
	ErrOverlappingIDs   = errors.New("id appears in both additions and removals")
	ErrInvalidHeader    = errors.New("invalid batch header")
	ErrInvalidTimestamp = errors.New("timestamp does not fit in 32 bits")
)

// Change is a one-directional delta between two observations.
// Both lists are strictly increasing and disjoint.
type Change struct {
	AdditionIDs []uint64
	RemovalIDs  []uint64
}

// NewChange builds a change from unsorted id slices. Empty lists are stored as nil.
func NewChange(additions, removals []uint64) *Change {
	return &Change{
		AdditionIDs: sortedSet(additions),
		RemovalIDs:  sortedSet(removals),
	}
}

// IsEmpty reports whether the change has neither additions nor removals.
func (c *Change) IsEmpty() bool {
	return len(c.AdditionIDs) == 0 && len(c.RemovalIDs) == 0
}

// Len returns the total number of ids in the change.
func (c *Change) Len() int {
	return len(c.AdditionIDs) + len(c.RemovalIDs)
}

// Validate checks that both lists are strictly increasing and disjoint.
func (c *Change) Validate() error {
	if !isIncreasing(c.AdditionIDs) || !isIncreasing(c.RemovalIDs) {
		return ErrUnsortedIDs
	}

	// Both lists are sorted so a merge walk is enough
	i, j := 0, 0
	for i < len(c.AdditionIDs) && j < len(c.RemovalIDs) {
		switch {
		case c.AdditionIDs[i] < c.RemovalIDs[j]:
			i++
		case c.AdditionIDs[i] > c.RemovalIDs[j]:
			j++
		default:
			return fmt.Errorf("%w: %d", ErrOverlappingIDs, c.AdditionIDs[i])
		}
	}

	return nil
}

// Batch is one timestamped observation of an account's follower and followed deltas.
// A nil change means that side was not observed, which differs from an empty change.
type Batch struct {
	Timestamp      time.Time
	UserID         uint64
	FollowerChange *Change
	FollowedChange *Change
}

// New creates a batch truncated to second precision in UTC.
func New(timestamp time.Time, userID uint64, followerChange, followedChange *Change) *Batch {
	return &Batch{
		Timestamp:      timestamp.UTC().Truncate(time.Second),
		UserID:         userID,
		FollowerChange: followerChange,
		FollowedChange: followedChange,
	}
}

// Validate checks the timestamp range and that both sides hold sorted, disjoint ids.
func (b *Batch) Validate() error {
	if b.Timestamp.Unix() < 0 || b.Timestamp.Unix() > int64(^uint32(0)) {
		return fmt.Errorf("%w: %s", ErrInvalidTimestamp, b.Timestamp)
	}

	for _, change := range []*Change{b.FollowerChange, b.FollowedChange} {
		if change == nil {
			continue
		}

		if err := change.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Date returns the UTC calendar date of the batch as YYYY-MM-DD.
func (b *Batch) Date() string {
	return b.Timestamp.UTC().Format(time.DateOnly)
}

// AdditionIDs returns every id added on either side, in side order.
func (b *Batch) AdditionIDs() []uint64 {
	var ids []uint64
	if b.FollowerChange != nil {
		ids = append(ids, b.FollowerChange.AdditionIDs...)
	}

	if b.FollowedChange != nil {
		ids = append(ids, b.FollowedChange.AdditionIDs...)
	}

	return ids
}

// RemovalIDs returns every id removed on either side, in side order.
func (b *Batch) RemovalIDs() []uint64 {
	var ids []uint64
	if b.FollowerChange != nil {
		ids = append(ids, b.FollowerChange.RemovalIDs...)
	}

	if b.FollowedChange != nil {
		ids = append(ids, b.FollowedChange.RemovalIDs...)
	}

	return ids
}

// TotalLen returns the number of ids carried by the batch.
func (b *Batch) TotalLen() int {
	total := 0
	if b.FollowerChange != nil {
		total += b.FollowerChange.Len()
	}

	if b.FollowedChange != nil {
		total += b.FollowedChange.Len()
	}

	return total
}

// Compare orders batches by timestamp and then by user id.
func Compare(a, b *Batch) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}

	return cmp.Compare(a.UserID, b.UserID)
}

// Sort orders batches in place by timestamp and user id.
func Sort(batches []*Batch) {
	slices.SortStableFunc(batches, Compare)
}

func sortedSet(ids []uint64) []uint64 {
	if len(ids) == 0 {
		return nil
	}

	slices.Sort(ids)

	return slices.Compact(ids)
}

func isIncreasing(ids []uint64) bool {
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			return false
		}
	}

	return true
}
