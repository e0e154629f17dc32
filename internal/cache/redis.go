package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps snapshots as JSON strings with a TTL.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client, ttl time.Duration) *redisStore {
	return &redisStore{client: client, ttl: ttl}
}

// Load implements Store. A missing key is not an error.
func (s *redisStore) Load(ctx context.Context, businessID, userID string) (*Snapshot, error) {
	val, err := s.client.Get(ctx, key(businessID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	return &snap, nil
}

// Save implements Store.
func (s *redisStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.BusinessID == "" || snap.UserID == "" {
		return ErrInvalidKey
	}
	snap.SavedAt = time.Now().UTC()

	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}
	return s.client.Set(ctx, key(snap.BusinessID, snap.UserID), val, s.ttl).Err()
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, businessID, userID string) error {
	return s.client.Del(ctx, key(businessID, userID)).Err()
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}
