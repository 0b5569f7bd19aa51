/**
 * @description
 * Redis-backed cache for the bill-provider catalog. The catalog changes
 * rarely but is fetched by every kiosk on the bill-payment screen, so reads
 * go through a short-TTL cache in front of the database.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
)

const (
	providerCacheKey = "easypay:bill_providers"
	providerCacheTTL = 5 * time.Minute
)

// ProviderCache caches the bill-provider catalog in Redis. A nil cache or a
// nil client is a pass-through.
type ProviderCache struct {
	client redis.UniversalClient
}

func NewProviderCache(client redis.UniversalClient) *ProviderCache {
	return &ProviderCache{client: client}
}

// Get returns the cached catalog, or nil on miss or Redis failure.
func (c *ProviderCache) Get(ctx context.Context) []domain.BillProvider {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, providerCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("level=warn component=provider_cache msg=\"cache read failed\" err=%v", err)
		}
		return nil
	}
	var providers []domain.BillProvider
	if err := json.Unmarshal(raw, &providers); err != nil {
		log.Printf("level=warn component=provider_cache msg=\"cache entry unparsable; ignoring\" err=%v", err)
		return nil
	}
	return providers
}

// Set stores the catalog. Failures are logged and swallowed.
func (c *ProviderCache) Set(ctx context.Context, providers []domain.BillProvider) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(providers)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, providerCacheKey, raw, providerCacheTTL).Err(); err != nil {
		log.Printf("level=warn component=provider_cache msg=\"cache write failed\" err=%v", err)
	}
}

// ErrCacheNotConfigured distinguishes "no Redis wired" from a Redis outage
// in the health report.
var ErrCacheNotConfigured = errors.New("cache not configured")

// Ping reports Redis liveness for the health endpoint.
func (c *ProviderCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrCacheNotConfigured
	}
	return c.client.Ping(ctx).Err()
}
