package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// KeyPrefixRoute is the prefix for cached route decisions
const KeyPrefixRoute = "fleet:route:"

// RedisCache shares route decisions between gateway replicas
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// ConnectRedis opens a client and verifies it with a ping
func ConnectRedis(ctx context.Context, addr, password string, db int, log logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", addr, err)
	}

	log.Info("connected to redis", logger.String("addr", addr), logger.Int("db", db))
	return client, nil
}

func routeKey(key string) string {
	return KeyPrefixRoute + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.RouteDecision, bool, error) {
	data, err := c.client.Get(ctx, routeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.RouteDecision{}, false, nil
		}
		return models.RouteDecision{}, false, fmt.Errorf("failed to get cached route: %w", err)
	}

	var d models.RouteDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return models.RouteDecision{}, false, fmt.Errorf("failed to unmarshal cached route: %w", err)
	}
	return d, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, d models.RouteDecision, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}
	if err := c.client.Set(ctx, routeKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache route: %w", err)
	}
	return nil
}

// DeleteRegion scans cached routes and removes those pointing at regionID
func (c *RedisCache) DeleteRegion(ctx context.Context, regionID string) error {
	iter := c.client.Scan(ctx, 0, KeyPrefixRoute+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var d models.RouteDecision
		if json.Unmarshal(data, &d) != nil || d.RegionID != regionID {
			continue
		}
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cached route: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cached routes: %w", err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, KeyPrefixRoute+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cached route: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to flush route cache: %w", err)
	}
	return nil
}
