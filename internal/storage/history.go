package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"time"

	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/tick"
)

// History is the read-only, per-instrument view of all ticks persisted before
// process start. It is populated by exactly one background Load per process
// lifetime; live ticks are never appended to it. Readers block on Done until
// the load completes, after which the cache is immutable and lock-free.
type History struct {
	path string
	log  *logger.Log

	series  map[string][]tick.Tick
	catalog []string
	done    chan struct{}
}

// NewHistory creates an empty, not-yet-loaded history cache.
func NewHistory(path string, log *logger.Log) *History {
	return &History{
		path:   path,
		log:    log,
		series: make(map[string][]tick.Tick),
		done:   make(chan struct{}),
	}
}

// Load scans the journal line by line and builds the per-instrument series in
// file order. Malformed lines are skipped with a warning and never abort the
// load. Call exactly once, typically in a goroutine at process init; the
// completion channel is closed whether or not the file exists.
func (h *History) Load() {
	defer close(h.done)

	entry := h.log.WithComponent("history")
	started := time.Now()

	file, err := os.Open(h.path)
	if err != nil {
		entry.WithError(err).Warn("journal not readable, starting with empty history")
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo, loaded, skipped := 0, 0, 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var batch tick.Batch
		if err := json.Unmarshal(line, &batch); err != nil {
			skipped++
			entry.WithFields(logger.Fields{"line": lineNo}).WithError(err).Warn("skipping malformed journal line")
			continue
		}

		for key, feed := range batch.Feeds {
			if feed == nil || feed.LTPC == nil {
				continue
			}
			h.series[key] = append(h.series[key], *feed.LTPC)
			loaded++
		}
	}
	if err := scanner.Err(); err != nil {
		entry.WithError(err).Warn("journal scan stopped early")
	}

	h.catalog = make([]string, 0, len(h.series))
	for key := range h.series {
		h.catalog = append(h.catalog, key)
	}
	sort.Strings(h.catalog)

	entry.WithFields(logger.Fields{
		"securities":    len(h.catalog),
		"ticks":         loaded,
		"skipped_lines": skipped,
		"duration":      time.Since(started).String(),
	}).Info("historical cache loaded")
}

// Done returns the one-shot completion channel. It may be waited on any
// number of times, by any number of goroutines, before or after completion.
func (h *History) Done() <-chan struct{} {
	return h.done
}

// Catalog blocks until the load completes, then returns the sorted list of
// all instrument keys present in the journal.
func (h *History) Catalog() []string {
	<-h.done
	return h.catalog
}

// Ticks blocks until the load completes, then returns every persisted tick
// for the given instrument in file order. Unknown keys yield an empty slice.
func (h *History) Ticks(instrumentKey string) []tick.Tick {
	<-h.done
	return h.series[instrumentKey]
}
