// Package app assembles the gate and its collaborators from configuration.
// The api, worker and gatectl binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Cypherspark/wa-gate/internal/config"
	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/db"
	"github.com/Cypherspark/wa-gate/internal/format"
	"github.com/Cypherspark/wa-gate/internal/gate"
	"github.com/Cypherspark/wa-gate/internal/log"
	"github.com/Cypherspark/wa-gate/internal/provider"
	"github.com/Cypherspark/wa-gate/internal/session"
	"github.com/Cypherspark/wa-gate/internal/tenant"
)

// Overrides are diagnostic switches only gatectl sets.
type Overrides struct {
	BypassSessionCheck bool
	DryRun             bool
}

type Components struct {
	DB       *db.DB
	Redis    *redis.Client
	Outbox   *core.Store
	Sessions *session.Postgres
	Tenants  tenant.Repository
	Resolver *tenant.Resolver
	Provider *provider.Client
	Gate     *gate.Gate
}

// Build opens the database (running migrations when configured), the
// optional Redis tenant cache, and constructs the gate.
func Build(ctx context.Context, cfg *config.Config, ov Overrides) (*Components, error) {
	logger := log.WithComponent("app")
	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	if err != nil {
		return nil, err
	}
	c := &Components{DB: db.NewDB(pool)}
	c.Outbox = &core.Store{DB: pool}
	c.Sessions = session.NewPostgres(pool, session.Options{
		Window:         cfg.SessionWindow,
		LegacyFallback: cfg.SessionLegacyFallback,
	})

	var repo tenant.Repository = tenant.NewPostgres(pool)
	if cfg.RedisAddr != "" {
		c.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, tenant cache will fall through")
		}
		repo = tenant.NewCachedRepository(repo, c.Redis, cfg.TenantCacheTTL, log.WithComponent("tenant_cache"))
	}
	c.Tenants = repo

	c.Provider = provider.NewClient(provider.Config{
		SendTimeout:       cfg.ProviderSendTimeout,
		RetryDelay:        cfg.ProviderRetryDelay,
		MaxNetworkRetries: 1,
		Logger:            log.WithComponent("provider"),
	})
	c.Resolver = tenant.NewResolver(repo, c.Provider, cfg.ProviderProbeTimeout, log.WithComponent("resolver"))

	formatter, err := format.New(nil)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Gate, err = gate.New(gate.Deps{
		Sessions:  c.Sessions,
		Resolver:  c.Resolver,
		Formatter: formatter,
		Sender:    c.Provider,
	}, gate.Options{
		MessagingEnabled:   cfg.MessagingEnabled,
		DebugMode:          cfg.DebugMode || ov.DryRun,
		BypassSessionCheck: ov.BypassSessionCheck,
		ReferenceBucket:    cfg.ReferenceBucket,
		SendTimeout:        2*cfg.ProviderSendTimeout + cfg.ProviderRetryDelay,
		Logger:             log.WithComponent("gate"),
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil && c.DB.Pool != nil {
		c.DB.Pool.Close()
	}
}
