// Package ingest converts raw stream messages into enriched, durable records.
// The contract is enrich-once: persistence and fan-out observe the identical
// enriched batch.
package ingest

import (
	"sync/atomic"

	"golang-tick-streamer/internal/instrument"
	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/storage"
	"golang-tick-streamer/internal/tick"
)

// Recorder validates, enriches and journals inbound tick batches. It never
// returns an error to the ingestion loop: a batch that cannot be parsed or
// persisted is dropped with a log entry and is not fanned out.
type Recorder struct {
	journal   *storage.Journal
	lookup    *instrument.Map
	snapshots *storage.SnapshotCache // nil when the cache is disabled
	log       *logger.Entry

	processed int64
	dropped   int64
}

// NewRecorder wires a recorder. snapshots may be nil.
func NewRecorder(journal *storage.Journal, lookup *instrument.Map, snapshots *storage.SnapshotCache, log *logger.Log) *Recorder {
	return &Recorder{
		journal:   journal,
		lookup:    lookup,
		snapshots: snapshots,
		log:       log.WithComponent("ingest"),
	}
}

// Process turns one raw stream message into an enriched batch: parse and
// shape-check, resolve each feed's ticker, append one journal line, then
// return the same enriched batch for fan-out. The boolean is false when the
// batch was dropped and must not be fanned out.
func (r *Recorder) Process(raw []byte) (*tick.Batch, bool) {
	batch, err := tick.ParseBatch(raw)
	if err != nil {
		atomic.AddInt64(&r.dropped, 1)
		r.log.WithError(err).Warn("dropping unparseable batch")
		return nil, false
	}

	for key, feed := range batch.Feeds {
		feed.Ticker = r.lookup.Symbol(key)
	}

	if err := r.journal.Append(batch); err != nil {
		atomic.AddInt64(&r.dropped, 1)
		r.log.WithError(err).Error("failed to journal batch, not fanning out")
		return nil, false
	}

	r.cacheLatest(batch)

	atomic.AddInt64(&r.processed, 1)
	return batch, true
}

// cacheLatest refreshes the per-instrument snapshot cache. Best-effort only:
// Redis being down never affects ingestion.
func (r *Recorder) cacheLatest(batch *tick.Batch) {
	if r.snapshots == nil {
		return
	}
	for _, key := range batch.Keys() {
		feed := batch.Feeds[key]
		if err := r.snapshots.StoreLatest(key, feed.Ticker, *feed.LTPC); err != nil {
			r.log.WithError(err).WithFields(logger.Fields{"instrument": key}).Debug("snapshot cache write failed")
		}
	}
}

// Stats returns processed/dropped batch counters.
func (r *Recorder) Stats() (processed, dropped int64) {
	return atomic.LoadInt64(&r.processed), atomic.LoadInt64(&r.dropped)
}
