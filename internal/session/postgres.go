package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/wa-gate/internal/core"
	"github.com/Cypherspark/wa-gate/internal/db"
)

// rows considered per phone on lookup; more than this many live sessions for
// one phone means something upstream is duplicating inserts.
const lookupLimit = 50

const sessionColumns = `id, phone, tenant_id, active, expires_at, created_at, updated_at`

// Postgres stores sessions in the whatsapp_sessions table.
type Postgres struct {
	pool db.PgxPool
	opts Options
}

func NewPostgres(pool db.PgxPool, opts Options) *Postgres {
	return &Postgres{pool: pool, opts: opts.withDefaults()}
}

func scanSession(row pgx.Row) (core.Session, error) {
	var s core.Session
	err := row.Scan(&s.ID, &s.Phone, &s.TenantID, &s.Active, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (p *Postgres) HasActiveSession(ctx context.Context, phone, tenantID string) (bool, error) {
	s, err := p.ActiveSession(ctx, phone, tenantID)
	return s != nil, err
}

func (p *Postgres) ActiveSession(ctx context.Context, phone, tenantID string) (*core.Session, error) {
	ph, err := normalize(phone)
	if err != nil {
		return nil, err
	}
	now := p.opts.Now()
	rows, err := p.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM whatsapp_sessions
		WHERE phone=$1 AND active AND expires_at > $2
		  AND ($4 = '' OR tenant_id = $4 OR tenant_id IS NULL)
		ORDER BY created_at DESC
		LIMIT $3
	`, ph, now, lookupLimit, tenantID)
	if err != nil {
		return nil, fmt.Errorf("session: lookup: %w", err)
	}
	defer rows.Close()

	var found []core.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: lookup: %w", err)
	}
	return selectEffective(found, tenantID, now, p.opts.LegacyFallback), nil
}

// CreateOrExtendSession serializes writers of one (phone, tenant) pair with a
// transaction-scoped advisory lock, then either pushes the newest effective
// session's expiry forward or inserts a new row. Expiry never moves backwards.
func (p *Postgres) CreateOrExtendSession(ctx context.Context, phone, tenantID string) (core.Session, error) {
	ph, err := normalize(phone)
	if err != nil {
		return core.Session{}, err
	}
	now := p.opts.Now()
	expires := now.Add(p.opts.Window)
	tenant := tenantParam(tenantID)

	var out core.Session
	op := "create"
	err = db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text || '|' || $2::text, 0))`, ph, tenantID); err != nil {
			return fmt.Errorf("session: lock: %w", err)
		}

		var id string
		err := tx.QueryRow(ctx, `
			SELECT id FROM whatsapp_sessions
			WHERE phone=$1 AND tenant_id IS NOT DISTINCT FROM $2 AND active AND expires_at > $3
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE
		`, ph, tenant, now).Scan(&id)
		switch {
		case err == nil:
			out, err = scanSession(tx.QueryRow(ctx, `
				UPDATE whatsapp_sessions
				SET expires_at = GREATEST(expires_at, $2), updated_at = $3
				WHERE id=$1
				RETURNING `+sessionColumns, id, expires, now))
			if err != nil {
				return fmt.Errorf("session: extend: %w", err)
			}
			op = "extend"
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			out, err = scanSession(tx.QueryRow(ctx, `
				INSERT INTO whatsapp_sessions(phone, tenant_id, active, expires_at, created_at)
				VALUES($1, $2, true, $3, $4)
				RETURNING `+sessionColumns, ph, tenant, expires, now))
			if err != nil {
				return fmt.Errorf("session: insert: %w", err)
			}
			op = "create"
			return nil
		default:
			return fmt.Errorf("session: select for extend: %w", err)
		}
	})
	recordWrite(op, err)
	if err != nil {
		return core.Session{}, err
	}
	return out, nil
}

// DeactivateSession clears the active flag. An empty tenantID deactivates
// every session of the phone; with the legacy fallback on, a tenant-scoped
// close also clears the tenant-less rows the lookup would fall back to.
func (p *Postgres) DeactivateSession(ctx context.Context, phone, tenantID string) (int, error) {
	ph, err := normalize(phone)
	if err != nil {
		return 0, err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE whatsapp_sessions SET active=false, updated_at=$3
		WHERE phone=$1 AND active
		  AND ($2 = '' OR tenant_id = $2 OR ($4 AND tenant_id IS NULL))
	`, ph, tenantID, p.opts.Now(), p.opts.LegacyFallback)
	recordWrite("deactivate", err)
	if err != nil {
		return 0, fmt.Errorf("session: deactivate: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
