// Package deactivation records when accounts were observed deactivated or
// suspended, and when such a status was reversed.
package deactivation

import (
	"cmp"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"
)

var (
	ErrInvalidUserID    = errors.New("invalid user id")
	ErrInvalidStatus    = errors.New("invalid status code")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidRecord    = errors.New("invalid record")
)

// Entry is one observed deactivation. A zero Reversal means it has not been reversed.
type Entry struct {
	Status   int
	Observed time.Time
	Reversal time.Time
}

// Reversed reports whether the deactivation was reversed.
func (e Entry) Reversed() bool {
	return !e.Reversal.IsZero()
}

// Update is a newly observed deactivation.
type Update struct {
	Status   int
	Observed time.Time
}

// Log holds every deactivation entry by account id, each list ordered by observation.
type Log struct {
	entries map[uint64][]Entry
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{entries: make(map[uint64][]Entry)}
}

// ReadLog parses lines of id,status,observed[,reversal] with epoch-second times.
func ReadLog(r io.Reader) (*Log, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	log := NewLog()

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return log, nil
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read deactivation log: %w", err)
		}

		id, entry, err := parseRecord(record)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		log.entries[id] = append(log.entries[id], entry)
	}
}

func parseRecord(record []string) (uint64, Entry, error) {
	if len(record) < 3 || len(record) > 4 {
		return 0, Entry{}, fmt.Errorf("%w: %d fields", ErrInvalidRecord, len(record))
	}

	id, err := strconv.ParseUint(record[0], 10, 64)
	if err != nil {
		return 0, Entry{}, fmt.Errorf("%w: %q", ErrInvalidUserID, record[0])
	}

	status, err := strconv.ParseUint(record[1], 10, 32)
	if err != nil {
		return 0, Entry{}, fmt.Errorf("%w: %q", ErrInvalidStatus, record[1])
	}

	observed, err := parseTimestamp(record[2])
	if err != nil {
		return 0, Entry{}, err
	}

	entry := Entry{Status: int(status), Observed: observed}

	if len(record) == 4 && record[3] != "" {
		if entry.Reversal, err = parseTimestamp(record[3]); err != nil {
			return 0, Entry{}, err
		}
	}

	return id, entry, nil
}

func parseTimestamp(value string) (time.Time, error) {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}

	return time.Unix(seconds, 0).UTC(), nil
}

// Write writes every entry ordered by account id.
func (l *Log) Write(w io.Writer) error {
	writer := csv.NewWriter(w)

	for _, id := range slices.Sorted(maps.Keys(l.entries)) {
		for _, entry := range l.entries[id] {
			reversal := ""
			if entry.Reversed() {
				reversal = strconv.FormatInt(entry.Reversal.Unix(), 10)
			}

			err := writer.Write([]string{
				strconv.FormatUint(id, 10),
				strconv.Itoa(entry.Status),
				strconv.FormatInt(entry.Observed.Unix(), 10),
				reversal,
			})
			if err != nil {
				return fmt.Errorf("failed to write deactivation entry: %w", err)
			}
		}
	}

	writer.Flush()

	return writer.Error()
}

// Lookup returns a copy of every entry for an account.
func (l *Log) Lookup(id uint64) []Entry {
	return slices.Clone(l.entries[id])
}

// Status returns the status of the first unreversed entry for an account.
func (l *Log) Status(id uint64) (int, bool) {
	for _, entry := range l.entries[id] {
		if !entry.Reversed() {
			return entry.Status, true
		}
	}

	return 0, false
}

// StatusTimestamp returns when the first unreversed entry for an account was observed.
func (l *Log) StatusTimestamp(id uint64) (time.Time, bool) {
	for _, entry := range l.entries[id] {
		if !entry.Reversed() {
			return entry.Observed, true
		}
	}

	return time.Time{}, false
}

// CurrentDeactivated returns accounts whose latest entry is unreversed.
// A non-zero status restricts the result to that status.
func (l *Log) CurrentDeactivated(status int) map[uint64]struct{} {
	ids := make(map[uint64]struct{})

	for id, entries := range l.entries {
		if len(entries) == 0 {
			continue
		}

		last := entries[len(entries)-1]
		if !last.Reversed() && (status == 0 || last.Status == status) {
			ids[id] = struct{}{}
		}
	}

	return ids
}

// EverDeactivated returns accounts with any entry, optionally restricted to a status.
func (l *Log) EverDeactivated(status int) map[uint64]struct{} {
	ids := make(map[uint64]struct{})

	for id, entries := range l.entries {
		for _, entry := range entries {
			if status == 0 || entry.Status == status {
				ids[id] = struct{}{}
				break
			}
		}
	}

	return ids
}

// Add records a deactivation. Entries stay ordered by observation, exact
// duplicates are dropped, and a new unreversed entry with the same status as
// an unreversed predecessor is not kept.
func (l *Log) Add(id uint64, status int, observed time.Time) {
	entries := append(l.entries[id], Entry{Status: status, Observed: observed.UTC().Truncate(time.Second)})

	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.Observed.Unix(), b.Observed.Unix())
	})
	entries = slices.CompactFunc(entries, func(a, b Entry) bool {
		return a.Status == b.Status && a.Observed.Equal(b.Observed) && a.Reversal.Equal(b.Reversal)
	})

	if n := len(entries); n >= 2 {
		previous, last := entries[n-2], entries[n-1]
		if previous.Status == last.Status && !previous.Reversed() && !last.Reversed() {
			entries = entries[:n-1]
		}
	}

	l.entries[id] = entries
}

// AddAll records several deactivations.
func (l *Log) AddAll(updates map[uint64]Update) {
	for id, update := range updates {
		l.Add(id, update.Status, update.Observed)
	}
}

// Reverse marks the latest entry of an account as reversed at the given time.
// It returns false if the account has no unreversed latest entry.
func (l *Log) Reverse(id uint64, reversal time.Time) bool {
	entries := l.entries[id]
	if len(entries) == 0 || entries[len(entries)-1].Reversed() {
		return false
	}

	entries[len(entries)-1].Reversal = reversal.UTC().Truncate(time.Second)

	return true
}

// Validate returns the sorted ids whose entries are inconsistent: every entry
// but the last must be reversed after it was observed and before the next one.
func (l *Log) Validate() []uint64 {
	var invalid []uint64

	for id, entries := range l.entries {
		if !validEntries(entries) {
			invalid = append(invalid, id)
		}
	}

	slices.Sort(invalid)

	return invalid
}

func validEntries(entries []Entry) bool {
	if len(entries) == 0 {
		return false
	}

	for i := range len(entries) - 1 {
		current, next := entries[i], entries[i+1]
		if !current.Reversed() || !current.Observed.Before(current.Reversal) || !current.Observed.Before(next.Observed) {
			return false
		}
	}

	last := entries[len(entries)-1]

	return !last.Reversed() || last.Observed.Before(last.Reversal)
}

// Len returns the number of accounts in the log.
func (l *Log) Len() int {
	return len(l.entries)
}

// Clone returns a deep copy of the log.
func (l *Log) Clone() *Log {
	clone := NewLog()
	for id, entries := range l.entries {
		clone.entries[id] = slices.Clone(entries)
	}

	return clone
}
