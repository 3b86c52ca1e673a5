package deactivation

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// File is a log backed by a file on disk. It is safe for concurrent use and
// only touches the disk on Flush.
type File struct {
	path string

	mu  sync.RWMutex
	log *Log

	flushMu sync.Mutex
}

// Open reads the log at path, starting empty if the file does not exist.
func Open(path string) (*File, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{path: path, log: NewLog()}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open deactivation log: %w", err)
	}
	defer file.Close()

	log, err := ReadLog(bufio.NewReader(file))
	if err != nil {
		return nil, err
	}

	return &File{path: path, log: log}, nil
}

// Log returns a snapshot of the log.
func (f *File) Log() *Log {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.log.Clone()
}

// Lookup returns every entry for an account.
func (f *File) Lookup(id uint64) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.log.Lookup(id)
}

// Status returns the active deactivation status of an account.
func (f *File) Status(id uint64) (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.log.Status(id)
}

// CurrentDeactivated returns accounts whose latest entry is unreversed.
func (f *File) CurrentDeactivated(status int) map[uint64]struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.log.CurrentDeactivated(status)
}

// Add records a deactivation in memory.
func (f *File) Add(id uint64, status int, observed time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.Add(id, status, observed)
}

// AddAll records several deactivations in memory.
func (f *File) AddAll(updates map[uint64]Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.AddAll(updates)
}

// Flush rewrites the file with the full log.
func (f *File) Flush() error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	snapshot := f.Log()

	tempPath := f.path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create deactivation log: %w", err)
	}

	writer := bufio.NewWriter(file)
	if err := snapshot.Write(writer); err != nil {
		file.Close()
		return err
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush deactivation log: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync deactivation log: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close deactivation log: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("failed to replace deactivation log: %w", err)
	}

	return nil
}
