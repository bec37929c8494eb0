package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Cypherspark/wa-gate/internal/core"
)

// Memory is an in-process Store used by tests and the diagnostic CLI.
type Memory struct {
	opts Options

	mu   sync.Mutex
	rows map[string][]core.Session
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), rows: make(map[string][]core.Session)}
}

func (m *Memory) HasActiveSession(ctx context.Context, phone, tenantID string) (bool, error) {
	s, err := m.ActiveSession(ctx, phone, tenantID)
	return s != nil, err
}

func (m *Memory) ActiveSession(_ context.Context, phone, tenantID string) (*core.Session, error) {
	p, err := normalize(phone)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return selectEffective(m.rows[p], tenantID, m.opts.Now(), m.opts.LegacyFallback), nil
}

func (m *Memory) CreateOrExtendSession(_ context.Context, phone, tenantID string) (core.Session, error) {
	p, err := normalize(phone)
	if err != nil {
		return core.Session{}, err
	}
	now := m.opts.Now()
	expires := now.Add(m.opts.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[p]
	newest := -1
	for i, s := range rows {
		if !s.Effective(now) || !sameTenant(s.TenantID, tenantID) {
			continue
		}
		if newest < 0 || s.CreatedAt.After(rows[newest].CreatedAt) {
			newest = i
		}
	}
	if newest >= 0 {
		if expires.After(rows[newest].ExpiresAt) {
			rows[newest].ExpiresAt = expires
		}
		updated := now
		rows[newest].UpdatedAt = &updated
		recordWrite("extend", nil)
		return rows[newest], nil
	}

	s := core.Session{
		ID:        uuid.NewString(),
		Phone:     p,
		TenantID:  tenantParam(tenantID),
		Active:    true,
		ExpiresAt: expires,
		CreatedAt: now,
	}
	m.rows[p] = append(rows, s)
	recordWrite("create", nil)
	return s, nil
}

func (m *Memory) DeactivateSession(_ context.Context, phone, tenantID string) (int, error) {
	p, err := normalize(phone)
	if err != nil {
		return 0, err
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i, s := range m.rows[p] {
		if !s.Active || !closes(s.TenantID, tenantID, m.opts.LegacyFallback) {
			continue
		}
		m.rows[p][i].Active = false
		m.rows[p][i].UpdatedAt = &now
		n++
	}
	recordWrite("deactivate", nil)
	return n, nil
}

// closes reports whether a tenant-scoped deactivation covers a row. With the
// legacy fallback on, tenant-less rows would still open the gate for the
// tenant, so they are closed too.
func closes(row *string, tenantID string, legacyFallback bool) bool {
	if tenantID == "" {
		return true
	}
	if row == nil {
		return legacyFallback
	}
	return *row == tenantID
}

// sameTenant compares a nullable row tenant against a lookup tenant, where
// "" stands for NULL.
func sameTenant(row *string, tenantID string) bool {
	if row == nil {
		return tenantID == ""
	}
	return *row == tenantID
}
