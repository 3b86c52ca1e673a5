package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
)

var (
	ErrDuplicateID       = errors.New("duplicate user id")
	ErrMissingID         = errors.New("missing user id")
	ErrUntrackedID       = errors.New("user id is not tracked")
	ErrStaleBatch        = errors.New("batch is stale")
	ErrPastFileCollision = errors.New("past file already exists")
	ErrInvalidPastFile   = errors.New("invalid past file path")
	ErrInvalidBatch      = errors.New("invalid batch")
	ErrTimestampOrder    = errors.New("batch timestamp does not advance past last update")
	ErrWrongDate         = errors.New("batch date does not match file date")
	ErrOutOfOrder        = errors.New("batches are not ordered by timestamp and user id")
	ErrNotToday          = errors.New("current file holds a batch from a previous day")
)

// IDError reports a delta that is inconsistent with the accumulated state:
// an addition of an id already present or a removal of an id that is absent.
type IDError struct {
	Err      error  // ErrDuplicateID or ErrMissingID
	UserID   uint64 // account whose set was being updated
	ID       uint64 // offending follower or followed id
	Follower bool   // true for the follower side
}

func (e *IDError) Error() string {
	side := "followed"
	if e.Follower {
		side = "follower"
	}

	return fmt.Sprintf("%s: %d in %s set of user %d", e.Err, e.ID, side, e.UserID)
}

func (e *IDError) Unwrap() error {
	return e.Err
}

// StaleBatchError is returned when the last update no longer matches the value seen at checkout.
type StaleBatchError struct {
	Batch    *batch.Batch
	Expected time.Time
	Actual   time.Time
}

func (e *StaleBatchError) Error() string {
	return fmt.Sprintf("%s: user %d expected last update %d, found %d",
		ErrStaleBatch, e.Batch.UserID, e.Expected.Unix(), e.Actual.Unix())
}

func (e *StaleBatchError) Unwrap() error {
	return ErrStaleBatch
}

// PastFileCollisionError is returned when archival would overwrite an existing past file.
type PastFileCollisionError struct {
	Path string
}

func (e *PastFileCollisionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPastFileCollision, e.Path)
}

func (e *PastFileCollisionError) Unwrap() error {
	return ErrPastFileCollision
}

// InvalidBatchError identifies a batch that breaks an ordering or placement rule.
// FileDate is empty for batches read from the current file.
type InvalidBatchError struct {
	FileDate string
	Batch    *batch.Batch
	Err      error
}

func (e *InvalidBatchError) Error() string {
	file := "current file"
	if e.FileDate != "" {
		file = "past file " + e.FileDate
	}

	return fmt.Sprintf("%s in %s: user %d at %d: %s",
		ErrInvalidBatch, file, e.Batch.UserID, e.Batch.Timestamp.Unix(), e.Err)
}

func (e *InvalidBatchError) Unwrap() []error {
	return []error{ErrInvalidBatch, e.Err}
}
