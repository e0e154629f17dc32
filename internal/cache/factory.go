package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreType represents the snapshot driver.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"

	defaultTTL = 24 * time.Hour
)

// NewStore creates a snapshot store. The redis driver requires
// WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	config := &storeConfig{ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(config)
	}
	if config.ttl <= 0 {
		config.ttl = defaultTTL
	}

	switch storeType {
	case StoreTypeMemory, "":
		return newMemoryStore(config.ttl, config.now), nil

	case StoreTypeRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(config.redisClient, config.ttl), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreType, storeType)
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: redis url is empty", ErrInvalidConfig)
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return redis.NewClient(opts), nil
}
