package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"golang-tick-streamer/internal/tick"
)

// SnapshotCache keeps the latest tick per instrument in Redis so operational
// consumers can read a current snapshot without a feed subscription. It is
// strictly best-effort: the journal remains the only durable record.
type SnapshotCache struct {
	client *redis.Client
	ctx    context.Context
}

// LatestTick is the cached snapshot payload.
type LatestTick struct {
	InstrumentKey string    `json:"instrument_key"`
	Ticker        string    `json:"ticker"`
	Tick          tick.Tick `json:"tick"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const snapshotTTL = 24 * time.Hour

// NewSnapshotCache connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewSnapshotCache(redisURL string) (*SnapshotCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	cache := &SnapshotCache{
		client: redis.NewClient(opt),
		ctx:    context.Background(),
	}

	if err := cache.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return cache, nil
}

// Ping tests the Redis connection.
func (sc *SnapshotCache) Ping() error {
	_, err := sc.client.Ping(sc.ctx).Result()
	return err
}

// StoreLatest overwrites the snapshot for one instrument.
func (sc *SnapshotCache) StoreLatest(instrumentKey, ticker string, t tick.Tick) error {
	key := fmt.Sprintf("ticks:latest:%s", instrumentKey)

	snapshot := LatestTick{
		InstrumentKey: instrumentKey,
		Ticker:        ticker,
		Tick:          t,
		UpdatedAt:     time.Now(),
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := sc.client.Set(sc.ctx, key, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	return nil
}

// GetLatest retrieves the snapshot for one instrument. A cache miss returns
// (nil, nil).
func (sc *SnapshotCache) GetLatest(instrumentKey string) (*LatestTick, error) {
	key := fmt.Sprintf("ticks:latest:%s", instrumentKey)

	data, err := sc.client.Get(sc.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snapshot LatestTick
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snapshot, nil
}

// Close closes the Redis connection.
func (sc *SnapshotCache) Close() error {
	if err := sc.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	return nil
}
