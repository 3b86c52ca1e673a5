// Package legacy reads the per-user directory format that predates the batch
// log. Each account directory is named by its zero-padded id and holds
// followers and following directories of timestamped files: the first file is
// a gzip-compressed full id set and later files list changes, one id per line
// with a leading minus for removals.
package legacy

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robalyx/followtrack/internal/batch"
)

const (
	FollowersDirName = "followers"
	FollowingDirName = "following"

	fullExt   = ".gz"
	updateExt = ".txt"
)

var (
	ErrInvalidUserDirectory = errors.New("invalid user directory")
	ErrInvalidBatchFile     = errors.New("invalid batch file")
	ErrInvalidUpdateLine    = errors.New("invalid update line")
)

// Entry locates the files of one legacy observation. Either path may be empty
// when that side was not observed at this timestamp.
type Entry struct {
	Timestamp     time.Time
	UserID        uint64
	FollowersPath string
	FollowingPath string
}

// Read loads the observation as a batch.
func (e Entry) Read() (*batch.Batch, error) {
	var followerChange, followedChange *batch.Change

	if e.FollowersPath != "" {
		change, err := readBatchFile(e.FollowersPath)
		if err != nil {
			return nil, err
		}

		followerChange = change
	}

	if e.FollowingPath != "" {
		change, err := readBatchFile(e.FollowingPath)
		if err != nil {
			return nil, err
		}

		followedChange = change
	}

	return batch.New(e.Timestamp, e.UserID, followerChange, followedChange), nil
}

// List finds every observation under base ordered by timestamp and user id.
func List(base string) ([]Entry, error) {
	dirs, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy directory: %w", err)
	}

	var entries []Entry

	for _, dir := range dirs {
		userID, err := strconv.ParseUint(strings.TrimLeft(dir.Name(), "0"), 10, 64)
		if err != nil || !dir.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidUserDirectory, dir.Name())
		}

		path := filepath.Join(base, dir.Name())

		followers, err := listTimestampedFiles(filepath.Join(path, FollowersDirName))
		if err != nil {
			return nil, err
		}

		following, err := listTimestampedFiles(filepath.Join(path, FollowingDirName))
		if err != nil {
			return nil, err
		}

		timestamps := make(map[int64]struct{}, len(followers)+len(following))
		for timestamp := range followers {
			timestamps[timestamp] = struct{}{}
		}

		for timestamp := range following {
			timestamps[timestamp] = struct{}{}
		}

		for timestamp := range timestamps {
			entries = append(entries, Entry{
				Timestamp:     time.Unix(timestamp, 0).UTC(),
				UserID:        userID,
				FollowersPath: followers[timestamp],
				FollowingPath: following[timestamp],
			})
		}
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}

		return cmp.Compare(a.UserID, b.UserID)
	})

	return entries, nil
}

// listTimestampedFiles maps epoch seconds to file paths. The earliest file must
// be a full set and every later one an update. A missing directory is empty.
func listTimestampedFiles(dir string) (map[int64]string, error) {
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	results := make(map[int64]string, len(files))
	for _, file := range files {
		stem := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))

		timestamp, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidBatchFile, filepath.Join(dir, file.Name()))
		}

		results[timestamp] = filepath.Join(dir, file.Name())
	}

	timestamps := make([]int64, 0, len(results))
	for timestamp := range results {
		timestamps = append(timestamps, timestamp)
	}

	slices.Sort(timestamps)

	for i, timestamp := range timestamps {
		path := results[timestamp]
		ext := filepath.Ext(path)

		if (i == 0 && ext != fullExt) || (i > 0 && ext != updateExt) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidBatchFile, path)
		}
	}

	return results, nil
}

func readBatchFile(path string) (*batch.Change, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	switch filepath.Ext(path) {
	case fullExt:
		ids, err := readFull(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		return batch.NewChange(ids, nil), nil
	case updateExt:
		return readUpdate(file)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBatchFile, path)
	}
}

// readFull decodes a gzip stream of a varint count followed by varint deltas.
func readFull(r io.Reader) ([]uint64, error) {
	decoder, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	reader := bufio.NewReader(decoder)

	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, min(count, 1<<16))

	var last uint64
	for range count {
		delta, err := binary.ReadUvarint(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}

			return nil, err
		}

		last += delta
		ids = append(ids, last)
	}

	return ids, nil
}

func readUpdate(r io.Reader) (*batch.Change, error) {
	var additions, removals []uint64

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		value, removal := strings.CutPrefix(line, "-")

		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUpdateLine, line)
		}

		if removal {
			removals = append(removals, id)
		} else {
			additions = append(additions, id)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return batch.NewChange(additions, removals), nil
}

// Batches reads every observation under base in timestamp and user id order.
func Batches(base string) iter.Seq2[*batch.Batch, error] {
	return func(yield func(*batch.Batch, error) bool) {
		entries, err := List(base)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, entry := range entries {
			b, err := entry.Read()
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}
