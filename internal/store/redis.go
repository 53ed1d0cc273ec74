package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tickgrid/bet-engine/internal/model"
)

// RedisPositionStore implements PositionStore on Redis. One JSON blob per
// user holds the open and recently-terminal positions, expiring after the
// local horizon; anything older is reloadable from the ledger instead.
type RedisPositionStore struct {
	rdb     *redis.Client
	horizon time.Duration
}

// DefaultHorizon is how long a user's snapshot outlives its last write.
const DefaultHorizon = 24 * time.Hour

// NewRedisPositionStore creates a Redis-backed snapshot store. A
// non-positive horizon falls back to DefaultHorizon.
func NewRedisPositionStore(rdb *redis.Client, horizon time.Duration) *RedisPositionStore {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &RedisPositionStore{rdb: rdb, horizon: horizon}
}

func (s *RedisPositionStore) SaveSnapshot(ctx context.Context, userID string, positions []model.Position) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", userID, err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(userID), data, s.horizon).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", userID, err)
	}
	return nil
}

func (s *RedisPositionStore) LoadSnapshot(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", userID, err)
	}

	var positions []model.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", userID, err)
	}
	return positions, nil
}

func snapshotKey(userID string) string { return fmt.Sprintf("positions:%s", userID) }
