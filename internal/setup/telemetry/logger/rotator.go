// Package logger caps log files at a number of lines.
package logger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LineCapWriter appends to a log file and, once twice the cap has been
// written, rewrites the file with only the newest maxLines lines.
type LineCapWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	lines    *Ring[string]
	maxLines int
	pending  []byte // Bytes after the last newline
	written  int    // Lines written since the last trim
}

// Open opens or creates the log file at path.
func Open(path string, maxLines int) (*LineCapWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	return &LineCapWriter{
		file:     file,
		path:     path,
		lines:    NewRing[string](maxLines),
		maxLines: max(maxLines, 1),
	}, nil
}

// Write implements io.Writer.
func (w *LineCapWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}

	data := append(w.pending, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}

		if idx > 0 {
			w.lines.Push(string(data[:idx]))
			w.written++
		}

		data = data[idx+1:]
	}

	w.pending = append(w.pending[:0], data...)

	if w.written >= w.maxLines*2 {
		if err := w.trim(); err != nil {
			return n, fmt.Errorf("failed to trim log file: %w", err)
		}
	}

	return n, nil
}

// Sync implements zapcore.WriteSyncer.
func (w *LineCapWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Sync()
}

// Close closes the file.
func (w *LineCapWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.file.Close()
}

// trim replaces the file with the buffered lines and reopens it for appending.
func (w *LineCapWriter) trim() error {
	var buf bytes.Buffer
	for _, line := range w.lines.Items() {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	buf.Write(w.pending)

	temp, err := os.CreateTemp(filepath.Dir(w.path), "trim-*.log")
	if err != nil {
		return err
	}

	if _, err := temp.Write(buf.Bytes()); err != nil {
		temp.Close()
		os.Remove(temp.Name())

		return err
	}

	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return err
	}

	w.file.Close()

	if err := os.Rename(temp.Name(), w.path); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w.file = file
	w.written = w.lines.Len()

	return nil
}
