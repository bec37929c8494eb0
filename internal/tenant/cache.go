package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/metrics"
)

const DefaultCacheTTL = 30 * time.Second

// CachedRepository fronts a Repository with a short-TTL Redis copy so admin
// edits become visible within ttl. Writes go through and drop the cached
// entry. Redis failures degrade to reading the backing repository.
type CachedRepository struct {
	next   Repository
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(next Repository, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRepository{next: next, redis: client, ttl: ttl, logger: logger}
}

func cacheKey(tenantID string) string {
	return "wagate:tenant:" + tenantID
}

func (c *CachedRepository) Get(ctx context.Context, tenantID string) (core.ProviderInstanceConfig, error) {
	data, err := c.redis.Get(ctx, cacheKey(tenantID)).Bytes()
	switch {
	case err == nil:
		var cfg core.ProviderInstanceConfig
		if jerr := json.Unmarshal(data, &cfg); jerr == nil {
			metrics.TenantCache.WithLabelValues("hit").Inc()
			return cfg, nil
		}
		c.logger.Warn().Str("tenant_id", tenantID).Msg("dropping undecodable tenant cache entry")
		_ = c.redis.Del(ctx, cacheKey(tenantID)).Err()
		metrics.TenantCache.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.TenantCache.WithLabelValues("miss").Inc()
	default:
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tenant cache unavailable")
		metrics.TenantCache.WithLabelValues("error").Inc()
	}

	cfg, err := c.next.Get(ctx, tenantID)
	if err != nil {
		return cfg, err
	}
	if data, err := json.Marshal(cfg); err == nil {
		if err := c.redis.Set(ctx, cacheKey(tenantID), data, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tenant cache write failed")
		}
	}
	return cfg, nil
}

func (c *CachedRepository) Upsert(ctx context.Context, cfg core.ProviderInstanceConfig) error {
	if err := c.next.Upsert(ctx, cfg); err != nil {
		return err
	}
	c.invalidate(ctx, cfg.TenantID)
	return nil
}

func (c *CachedRepository) SetStatus(ctx context.Context, tenantID string, status core.ProviderStatus) error {
	if err := c.next.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID)
	return nil
}

func (c *CachedRepository) invalidate(ctx context.Context, tenantID string) {
	if err := c.redis.Del(ctx, cacheKey(tenantID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tenant cache invalidate failed")
	}
}
