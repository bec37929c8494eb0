package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Cypherspark/wa-gate/internal/core"
)

// Memory is an in-process Repository.
type Memory struct {
	mu      sync.RWMutex
	configs map[string]core.ProviderInstanceConfig
	reads   int
}

func NewMemory(cfgs ...core.ProviderInstanceConfig) *Memory {
	m := &Memory{configs: make(map[string]core.ProviderInstanceConfig)}
	for _, c := range cfgs {
		m.configs[c.TenantID] = c
	}
	return m
}

func (m *Memory) Get(_ context.Context, tenantID string) (core.ProviderInstanceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	cfg, ok := m.configs[tenantID]
	if !ok {
		return core.ProviderInstanceConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) Upsert(_ context.Context, cfg core.ProviderInstanceConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.UpdatedAt = time.Now()
	m.mu.Lock()
	m.configs[cfg.TenantID] = cfg
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetStatus(_ context.Context, tenantID string, status core.ProviderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return ErrNotFound
	}
	cfg.Status = status
	cfg.UpdatedAt = time.Now()
	m.configs[tenantID] = cfg
	return nil
}

// Reads reports how many Get calls reached the repository.
func (m *Memory) Reads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads
}
