// Package tick defines the typed wire records for the upstream market-data
// feed and the persisted journal: one Batch per inbound message, one Feed per
// instrument, one Tick per last-traded-price-change group.
package tick

import (
	"encoding/json"
	"fmt"
)

// Tick is one last-traded-price-change update. Immutable once constructed.
type Tick struct {
	LastPrice    float64 `json:"ltp"`
	LastTradeAt  string  `json:"ltt"`
	LastQuantity int64   `json:"ltq,string"`
	PrevClose    float64 `json:"cp"`
}

// Feed carries the field groups published for one instrument. Only the ltpc
// group is consumed; Ticker is filled in during enrichment.
type Feed struct {
	LTPC   *Tick  `json:"ltpc,omitempty"`
	Ticker string `json:"ticker,omitempty"`
}

// Batch is one inbound stream message: updates for one or more instruments,
// keyed by instrument key. A batch is the atomic unit of ingestion.
type Batch struct {
	Feeds     map[string]*Feed `json:"feeds"`
	CurrentTs string           `json:"currentTs,omitempty"`
}

// ParseBatch decodes and shape-checks one raw stream message. It fails closed:
// anything that is not a JSON object carrying a feeds map is rejected.
func ParseBatch(raw []byte) (*Batch, error) {
	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("malformed batch: %w", err)
	}

	if batch.Feeds == nil {
		return nil, fmt.Errorf("malformed batch: missing feeds")
	}

	for key, feed := range batch.Feeds {
		if key == "" {
			return nil, fmt.Errorf("malformed batch: empty instrument key")
		}
		if feed == nil {
			return nil, fmt.Errorf("malformed batch: nil feed for %s", key)
		}
	}

	return &batch, nil
}

// Marshal serializes the batch as a single self-contained JSON object,
// suitable for one journal line.
func (b *Batch) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	return data, nil
}

// Keys returns the instrument keys present in the batch that carry an ltpc
// group, in map order.
func (b *Batch) Keys() []string {
	keys := make([]string, 0, len(b.Feeds))
	for key, feed := range b.Feeds {
		if feed != nil && feed.LTPC != nil {
			keys = append(keys, key)
		}
	}
	return keys
}
