// Package tenant resolves a tenant to its messaging provider instance.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/db"
)

// ErrNotFound means the tenant never configured messaging.
var ErrNotFound = fmt.Errorf("tenant: %w", core.ErrProviderNotConfigured)

// Repository reads and writes per-tenant provider configuration.
type Repository interface {
	Get(ctx context.Context, tenantID string) (core.ProviderInstanceConfig, error)
	Upsert(ctx context.Context, cfg core.ProviderInstanceConfig) error
	SetStatus(ctx context.Context, tenantID string, status core.ProviderStatus) error
}

// Validate checks a config before it is stored.
func Validate(cfg core.ProviderInstanceConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.TenantID) == "" {
		errs = append(errs, errors.New("tenant_id required"))
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		errs = append(errs, errors.New("instance_id required"))
	}
	if strings.TrimSpace(cfg.Token) == "" {
		errs = append(errs, errors.New("token required"))
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, errors.New("base_url must be an absolute http(s) url"))
	}
	if !cfg.Status.Valid() {
		errs = append(errs, fmt.Errorf("status %q invalid", cfg.Status))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidInput, err)
	}
	return nil
}

const configColumns = `tenant_id, instance_id, token, base_url, status, messaging_enabled, updated_at`

// Postgres keeps configs in the tenant_messaging table.
type Postgres struct {
	pool db.PgxPool
}

func NewPostgres(pool db.PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, tenantID string) (core.ProviderInstanceConfig, error) {
	var (
		cfg    core.ProviderInstanceConfig
		status string
	)
	err := p.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM tenant_messaging WHERE tenant_id=$1`, tenantID).
		Scan(&cfg.TenantID, &cfg.InstanceID, &cfg.Token, &cfg.BaseURL, &status, &cfg.MessagingEnabled, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ProviderInstanceConfig{}, ErrNotFound
	}
	if err != nil {
		return core.ProviderInstanceConfig{}, fmt.Errorf("tenant: get config: %w", err)
	}
	cfg.Status = core.ProviderStatus(status)
	return cfg, nil
}

func (p *Postgres) Upsert(ctx context.Context, cfg core.ProviderInstanceConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tenant_messaging(tenant_id, instance_id, token, base_url, status, messaging_enabled)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			token = EXCLUDED.token,
			base_url = EXCLUDED.base_url,
			status = EXCLUDED.status,
			messaging_enabled = EXCLUDED.messaging_enabled,
			updated_at = now()
	`, cfg.TenantID, cfg.InstanceID, cfg.Token, strings.TrimRight(cfg.BaseURL, "/"), string(cfg.Status), cfg.MessagingEnabled)
	if err != nil {
		return fmt.Errorf("tenant: upsert config: %w", err)
	}
	return nil
}

func (p *Postgres) SetStatus(ctx context.Context, tenantID string, status core.ProviderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", core.ErrInvalidInput, status)
	}
	tag, err := p.pool.Exec(ctx, `UPDATE tenant_messaging SET status=$2, updated_at=now() WHERE tenant_id=$1`, tenantID, string(status))
	if err != nil {
		return fmt.Errorf("tenant: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
