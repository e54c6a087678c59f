package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/referral-distributor/internal/config"
	apperrors "github.com/referral-distributor/internal/errors"
	"github.com/referral-distributor/internal/types"
)

const assetInfoKeyPrefix = "assetinfo:"

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetAssetInfo returns the cached metadata of asset, or nil when absent
func (r *RedisCache) GetAssetInfo(ctx context.Context, asset string) (*types.AssetInfo, error) {
	data, err := r.client.Get(ctx, assetInfoKeyPrefix+asset).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewCacheError("get asset info", err)
	}

	var info types.AssetInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, apperrors.NewCacheError("decode asset info", err)
	}
	return &info, nil
}

// SetAssetInfo stores metadata until its expiry, or forever when it has none
func (r *RedisCache) SetAssetInfo(ctx context.Context, info types.AssetInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return apperrors.NewCacheError("encode asset info", err)
	}

	var ttl time.Duration
	if !info.ExpiresAt.IsZero() {
		ttl = time.Until(info.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}

	if err := r.client.Set(ctx, assetInfoKeyPrefix+info.Asset, data, ttl).Err(); err != nil {
		return apperrors.NewCacheError("set asset info", err)
	}
	return nil
}
