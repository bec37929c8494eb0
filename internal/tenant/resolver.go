package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/wa-gate/internal/core"
)

const DefaultProbeTimeout = 5 * time.Second

// StatusChecker performs the provider's lightweight health call. It returns a
// provider supplied detail string and a nil error when the instance is usable.
type StatusChecker interface {
	InstanceStatus(ctx context.Context, instanceID, token, baseURL string) (string, error)
}

// ConnectionResult is the outcome of a connection test. It is always
// returned, never an error.
type ConnectionResult struct {
	OK      bool          `json:"ok"`
	Detail  string        `json:"detail"`
	Latency time.Duration `json:"latency_ns"`
}

// Resolver maps tenants to provider instances.
type Resolver struct {
	repo         Repository
	checker      StatusChecker
	probeTimeout time.Duration
	logger       zerolog.Logger
}

func NewResolver(repo Repository, checker StatusChecker, probeTimeout time.Duration, logger zerolog.Logger) *Resolver {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Resolver{repo: repo, checker: checker, probeTimeout: probeTimeout, logger: logger}
}

// GetTenantConfig returns the tenant's config; a tenant that never configured
// messaging yields an error matching core.ErrProviderNotConfigured.
func (r *Resolver) GetTenantConfig(ctx context.Context, tenantID string) (core.ProviderInstanceConfig, error) {
	if strings.TrimSpace(tenantID) == "" {
		return core.ProviderInstanceConfig{}, fmt.Errorf("%w: tenant_id required", core.ErrInvalidInput)
	}
	return r.repo.Get(ctx, tenantID)
}

// CheckStatus reports core.ErrProviderUnavailable for any status but active.
func CheckStatus(cfg core.ProviderInstanceConfig) error {
	if cfg.Status != core.ProviderActive {
		return fmt.Errorf("%w: instance %s is %s", core.ErrProviderUnavailable, cfg.InstanceID, cfg.Status)
	}
	return nil
}

// TestConnection probes an instance with a bounded timeout.
func (r *Resolver) TestConnection(ctx context.Context, instanceID, token, baseURL string) (res ConnectionResult) {
	if instanceID == "" || token == "" || baseURL == "" {
		return ConnectionResult{Detail: "instance id, token and base url are required"}
	}
	if r.checker == nil {
		return ConnectionResult{Detail: "no status checker configured"}
	}
	start := time.Now()
	defer func() {
		res.Latency = time.Since(start)
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("instance_id", instanceID).Msg("connection test panicked")
			res.OK = false
			res.Detail = fmt.Sprintf("internal error: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	detail, err := r.checker.InstanceStatus(ctx, instanceID, token, baseURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ConnectionResult{Detail: fmt.Sprintf("timed out after %s", r.probeTimeout)}
		}
		return ConnectionResult{Detail: err.Error()}
	}
	return ConnectionResult{OK: true, Detail: detail}
}

// TestTenant runs TestConnection against the stored config of a tenant. When
// update is set the outcome is written back as active or error status.
func (r *Resolver) TestTenant(ctx context.Context, tenantID string, update bool) (ConnectionResult, error) {
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return ConnectionResult{}, err
	}
	res := r.TestConnection(ctx, cfg.InstanceID, cfg.Token, cfg.BaseURL)
	if !update {
		return res, nil
	}
	status := core.ProviderActive
	if !res.OK {
		status = core.ProviderErrored
	}
	if status != cfg.Status {
		if err := r.repo.SetStatus(ctx, tenantID, status); err != nil {
			return res, err
		}
		r.logger.Info().Str("tenant_id", tenantID).Str("from", string(cfg.Status)).Str("to", string(status)).
			Msg("provider status updated from connection test")
	}
	return res, nil
}
