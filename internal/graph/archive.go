package graph

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/robalyx/followtrack/internal/batch"
	"go.uber.org/zap"
)

// ZstdLevel is the compression level used for archived files.
const ZstdLevel = 7

// PastBatch is a batch read from an archived file together with that file's date.
type PastBatch struct {
	Date  string
	Batch *batch.Batch
}

// PastBatches iterates over every archived batch in ascending file date order.
// Iteration stops after the first error.
func (s *Store) PastBatches() iter.Seq2[PastBatch, error] {
	return func(yield func(PastBatch, error) bool) {
		dates, err := s.PastDates()
		if err != nil {
			yield(PastBatch{}, err)
			return
		}

		for _, date := range dates {
			if !s.readPastFile(date, yield) {
				return
			}
		}
	}
}

// readPastFile yields the batches of one archived file and reports whether iteration should continue.
func (s *Store) readPastFile(date string, yield func(PastBatch, error) bool) bool {
	file, err := os.Open(s.pastFilePath(date))
	if err != nil {
		yield(PastBatch{}, fmt.Errorf("failed to open past file %s: %w", date, err))
		return false
	}
	defer file.Close()

	decoder, err := zstd.NewReader(bufio.NewReader(file))
	if err != nil {
		yield(PastBatch{}, fmt.Errorf("failed to create decoder for %s: %w", date, err))
		return false
	}
	defer decoder.Close()

	reader := batch.NewReader(decoder)
	for {
		b, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return true
		}

		if err != nil {
			yield(PastBatch{}, fmt.Errorf("failed to read past file %s: %w", date, err))
			return false
		}

		if !yield(PastBatch{Date: date, Batch: b}, nil) {
			return false
		}
	}
}

// PastDates lists archived file dates in ascending order.
func (s *Store) PastDates() ([]string, error) {
	entries, err := os.ReadDir(s.pastDirPath())
	if err != nil {
		return nil, fmt.Errorf("failed to list past directory: %w", err)
	}

	dates := make([]string, 0, len(entries))
	for _, entry := range entries {
		date, err := extractPathDate(entry.Name())
		if err != nil {
			return nil, err
		}

		dates = append(dates, date)
	}

	slices.Sort(dates)

	return dates, nil
}

func extractPathDate(name string) (string, error) {
	date, _, _ := strings.Cut(name, ".")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPastFile, name)
	}

	return date, nil
}

// Archive moves every batch from a day before today out of the current file into
// one compressed file per date. It returns the number of archived batches, which
// is zero when nothing needed archiving. No file is written if any target exists.
func (s *Store) Archive() (int, error) {
	today := s.now().UTC().Format(time.DateOnly)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush current file: %w", err)
	}

	batches, err := s.readCurrent()
	if err != nil {
		return 0, err
	}

	var current []*batch.Batch
	toArchive := make(map[string][]*batch.Batch)

	for _, b := range batches {
		date := b.Date()
		if date == today {
			current = append(current, b)
		} else {
			toArchive[date] = append(toArchive[date], b)
		}
	}

	if len(toArchive) == 0 {
		return 0, nil
	}

	dates := slices.Sorted(maps.Keys(toArchive))

	for _, date := range dates {
		path := s.pastFilePath(date)
		if _, err := os.Stat(path); err == nil {
			return 0, &PastFileCollisionError{Path: path}
		} else if !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("failed to check past file %s: %w", path, err)
		}
	}

	archived := 0
	for _, date := range dates {
		count, err := s.writePastFile(date, toArchive[date])
		if err != nil {
			return archived, err
		}

		archived += count
	}

	if err := s.rewriteCurrent(current); err != nil {
		return archived, err
	}

	s.logger.Info("Archived batches",
		zap.Int("archived", archived),
		zap.Int("remaining", len(current)),
		zap.Strings("dates", dates))

	return archived, nil
}

// writePastFile creates a new compressed file for one date. Batches arrive sorted.
func (s *Store) writePastFile(date string, batches []*batch.Batch) (int, error) {
	path := s.pastFilePath(date)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return 0, &PastFileCollisionError{Path: path}
		}

		return 0, fmt.Errorf("failed to create past file %s: %w", path, err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(ZstdLevel)))
	if err != nil {
		return 0, fmt.Errorf("failed to create encoder for %s: %w", path, err)
	}

	count, err := batch.NewWriter(encoder).WriteAll(batches)
	if err != nil {
		encoder.Close()
		return count, fmt.Errorf("failed to write past file %s: %w", path, err)
	}

	if err := encoder.Close(); err != nil {
		return count, fmt.Errorf("failed to finish past file %s: %w", path, err)
	}

	if err := file.Sync(); err != nil {
		return count, fmt.Errorf("failed to sync past file %s: %w", path, err)
	}

	return count, nil
}

// rewriteCurrent replaces the current file with the given batches and reopens it for appending.
func (s *Store) rewriteCurrent(batches []*batch.Batch) error {
	tempPath := s.currentFilePath() + ".tmp"

	temp, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary current file: %w", err)
	}

	writer := bufio.NewWriter(temp)
	if _, err := batch.NewWriter(writer).WriteAll(batches); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return fmt.Errorf("failed to write temporary current file: %w", err)
	}

	if err := writer.Flush(); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return fmt.Errorf("failed to flush temporary current file: %w", err)
	}

	if err := temp.Sync(); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return fmt.Errorf("failed to sync temporary current file: %w", err)
	}

	temp.Close()
	s.file.Close()

	if err := os.Rename(tempPath, s.currentFilePath()); err != nil {
		return fmt.Errorf("failed to replace current file: %w", err)
	}

	file, err := os.OpenFile(s.currentFilePath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen current file: %w", err)
	}

	s.file = file
	s.writer = bufio.NewWriter(file)

	return nil
}

// Validate checks that every archived batch falls on its file's date, that
// archived batches are strictly ordered by timestamp and user id, and that
// the current file only holds batches from today.
func (s *Store) Validate() error {
	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to flush current file: %w", err)
	}
	s.mu.Unlock()

	var last *batch.Batch

	for past, err := range s.PastBatches() {
		if err != nil {
			return err
		}

		if past.Batch.Date() != past.Date {
			return &InvalidBatchError{FileDate: past.Date, Batch: past.Batch, Err: ErrWrongDate}
		}

		if last != nil && batch.Compare(last, past.Batch) >= 0 {
			return &InvalidBatchError{FileDate: past.Date, Batch: past.Batch, Err: ErrOutOfOrder}
		}

		last = past.Batch
	}

	today := s.now().UTC().Format(time.DateOnly)

	current, err := s.CurrentBatches()
	if err != nil {
		return err
	}

	for _, b := range current {
		if b.Date() != today {
			return &InvalidBatchError{Batch: b, Err: ErrNotToday}
		}
	}

	return nil
}

// ImportPast folds the batches of one earlier date into memory and writes them
// as that date's archived file. The date must fall after every archived date and
// before today, and the batches must be strictly ordered. A failed import leaves
// the in-memory state partially updated, so the store should be discarded.
func (s *Store) ImportPast(date string, batches []*batch.Batch) (int, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPastFile, date)
	}

	if date >= s.now().UTC().Format(time.DateOnly) {
		return 0, fmt.Errorf("%w: %s is not before today", ErrInvalidPastFile, date)
	}

	dates, err := s.PastDates()
	if err != nil {
		return 0, err
	}

	if len(dates) > 0 && dates[len(dates)-1] >= date {
		return 0, fmt.Errorf("%w: %s does not follow %s", ErrOutOfOrder, date, dates[len(dates)-1])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range batches {
		if b.Date() != date {
			return 0, &InvalidBatchError{FileDate: date, Batch: b, Err: ErrWrongDate}
		}

		if i > 0 && batch.Compare(batches[i-1], b) >= 0 {
			return 0, &InvalidBatchError{FileDate: date, Batch: b, Err: ErrOutOfOrder}
		}

		if err := s.apply(b, nil); err != nil {
			return 0, err
		}
	}

	count, err := s.writePastFile(date, batches)
	if err != nil {
		return count, err
	}

	s.logger.Debug("Imported past batches", zap.String("date", date), zap.Int("count", count))

	return count, nil
}
