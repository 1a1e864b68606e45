// Package storage owns the durable tick journal, the historical cache built
// from it, and the optional Redis latest-tick snapshot cache.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang-tick-streamer/internal/tick"
)

// Journal is the append-only, line-delimited record of all ingested tick
// batches. It is the sole persistence medium: append order is arrival order,
// lines are never rewritten or compacted. There is exactly one writer, the
// ingestion path.
type Journal struct {
	file    *os.File
	path    string
	appends int64
}

// OpenJournal opens (or creates) the journal file in append mode. The parent
// directory is created if missing.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	return &Journal{file: file, path: path}, nil
}

// Append writes one batch as a single self-contained JSON line. The newline
// is written in the same call as the payload so a line is never split across
// writes.
func (j *Journal) Append(batch *tick.Batch) error {
	data, err := batch.Marshal()
	if err != nil {
		return err
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}

	atomic.AddInt64(&j.appends, 1)
	return nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Appends returns the number of batches appended since the journal was opened.
func (j *Journal) Appends() int64 {
	return atomic.LoadInt64(&j.appends)
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}
