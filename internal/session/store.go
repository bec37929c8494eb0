// Package session tracks the consent windows opened by inbound customer
// messages. A customer may only be messaged while an effective session exists
// for their phone.
package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/metrics"
)

const DefaultWindow = 24 * time.Hour

// Store is the session store used by the dispatch gate and the inbound
// webhook consumer. An empty tenantID addresses every tenant of the phone.
type Store interface {
	HasActiveSession(ctx context.Context, phone, tenantID string) (bool, error)
	ActiveSession(ctx context.Context, phone, tenantID string) (*core.Session, error)
	CreateOrExtendSession(ctx context.Context, phone, tenantID string) (core.Session, error)
	DeactivateSession(ctx context.Context, phone, tenantID string) (int, error)
}

type Options struct {
	// Window is how far an inbound message pushes the expiry. Defaults to 24h.
	Window time.Duration
	// LegacyFallback lets a tenant-scoped lookup accept a tenant-less session
	// when the tenant has none of its own.
	LegacyFallback bool
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func recordWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SessionWrites.WithLabelValues(op, result).Inc()
}

func normalize(phone string) (string, error) {
	p := core.NormalizePhone(phone)
	if !core.ValidPhone(p) {
		return "", fmt.Errorf("%w: phone %q", core.ErrInvalidInput, phone)
	}
	return p, nil
}

func tenantParam(tenantID string) *string {
	if tenantID == "" {
		return nil
	}
	return &tenantID
}

// selectEffective applies the lookup rule to the rows of one phone:
// without a tenant any effective row matches; with a tenant only that
// tenant's rows match, falling back to tenant-less rows when allowed and the
// tenant has none. Among matches the newest row wins.
func selectEffective(rows []core.Session, tenantID string, now time.Time, legacyFallback bool) *core.Session {
	var own, legacy []core.Session
	for _, s := range rows {
		if !s.Effective(now) {
			continue
		}
		switch {
		case tenantID == "":
			own = append(own, s)
		case s.TenantID != nil && *s.TenantID == tenantID:
			own = append(own, s)
		case s.TenantID == nil:
			legacy = append(legacy, s)
		}
	}
	candidates := own
	if len(candidates) == 0 && legacyFallback {
		candidates = legacy
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].ExpiresAt.After(candidates[j].ExpiresAt)
	})
	out := candidates[0]
	return &out
}
