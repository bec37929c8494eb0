package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/wa-gate/internal/db"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("core: job not found")

// Store is the notification outbox. Business events enqueue here and return
// immediately; the worker claims and dispatches.
type Store struct{ DB db.PgxPool }

type EnqueueRequest struct {
	TenantID       string
	Phone          string
	Kind           NotificationKind
	Message        string
	Event          *NotificationEvent
	TicketID       string
	IdempotencyKey *string
}

func (r EnqueueRequest) validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant_id required", ErrInvalidInput)
	}
	if !ValidPhone(NormalizePhone(r.Phone)) {
		return fmt.Errorf("%w: phone invalid", ErrInvalidInput)
	}
	if r.Message == "" && !r.Kind.Valid() {
		return fmt.Errorf("%w: kind or message required", ErrInvalidInput)
	}
	return nil
}

// EnqueueNotification inserts a queued job. A repeated idempotency key for the
// same tenant returns the existing job id with already=true.
func (s *Store) EnqueueNotification(ctx context.Context, r EnqueueRequest) (jobID string, already bool, err error) {
	if err := r.validate(); err != nil {
		return "", false, err
	}
	var event []byte
	if r.Event != nil {
		event, err = json.Marshal(r.Event)
		if err != nil {
			return "", false, fmt.Errorf("core: marshal event: %w", err)
		}
	}

	err = s.DB.QueryRow(ctx, `
		INSERT INTO notification_jobs(tenant_id, phone, kind, message, event, ticket_id, idempotency_key)
		VALUES($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, r.TenantID, NormalizePhone(r.Phone), string(r.Kind), r.Message, event, r.TicketID, r.IdempotencyKey).Scan(&jobID)
	if err == nil {
		return jobID, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || r.IdempotencyKey == nil {
		return "", false, fmt.Errorf("core: enqueue: %w", err)
	}

	// Conflict on the idempotency key: hand back the job that won.
	err = s.DB.QueryRow(ctx, `SELECT id FROM notification_jobs WHERE tenant_id=$1 AND idempotency_key=$2`,
		r.TenantID, *r.IdempotencyKey).Scan(&jobID)
	if err != nil {
		return "", false, fmt.Errorf("core: load idempotent job: %w", err)
	}
	return jobID, true, nil
}

// ClaimQueuedJobs moves up to limit jobs from queued->dispatching using SKIP LOCKED and returns
// them in request order with their bumped attempt counts.
func (s *Store) ClaimQueuedJobs(ctx context.Context, limit int) ([]Claim, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM notification_jobs
		WHERE status='queued' AND send_after <= now()
		ORDER BY requested_at
		LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err = tx.Query(ctx, `
		UPDATE notification_jobs SET status='dispatching', attempts=attempts+1
		WHERE id = ANY($1)
		RETURNING id, attempts
	`, ids)
	if err != nil {
		return nil, err
	}
	attempts := make(map[string]int, len(ids))
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, err
		}
		attempts[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claims := make([]Claim, 0, len(ids))
	for _, id := range ids {
		claims = append(claims, Claim{ID: id, Attempts: attempts[id]})
	}
	return claims, tx.Commit(ctx)
}

const jobColumns = `id, tenant_id, phone, kind, message, event, ticket_id, status, outcome, error_code,
	provider_message_id, reason, requested_at, dispatched_at, attempts`

func scanJob(row pgx.Row) (Job, error) {
	var (
		j               Job
		kind, msg, tick *string
		outcome         *string
		event           []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.Phone, &kind, &msg, &event, &tick, &j.Status, &outcome, &j.ErrorCode,
		&j.ProviderMessageID, &j.Reason, &j.RequestedAt, &j.DispatchedAt, &j.Attempts)
	if err != nil {
		return Job{}, err
	}
	j.Event = event
	if kind != nil {
		j.Kind = NotificationKind(*kind)
	}
	if msg != nil {
		j.Message = *msg
	}
	if tick != nil {
		j.TicketID = *tick
	}
	if outcome != nil {
		o := Outcome(*outcome)
		j.Outcome = &o
	}
	return j, nil
}

func (s *Store) LoadJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.DB.QueryRow(ctx, `SELECT `+jobColumns+` FROM notification_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

// MarkDispatched records a terminal gate result on the job.
func (s *Store) MarkDispatched(ctx context.Context, id string, res DispatchResult) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE notification_jobs
		SET status='done', outcome=$2, error_code=NULLIF($3, ''), provider_message_id=NULLIF($4, ''),
			reason=NULLIF($5, ''), raw_payload=NULLIF($6, ''), reference_id=NULLIF($7, ''), dispatched_at=now()
		WHERE id=$1
	`, id, string(res.Outcome), res.ErrorCode, res.ProviderMessageID, res.Reason, res.RawPayload, res.ReferenceID)
	return err
}

func (s *Store) MarkFailedWithRetry(ctx context.Context, id string, retryIn time.Duration) error {
	_, err := s.DB.Exec(ctx, `UPDATE notification_jobs SET status='queued', send_after=now()+make_interval(secs => $2) WHERE id=$1`, id, retryIn.Seconds())
	return err
}

func (s *Store) MarkFailedPermanent(ctx context.Context, id, reason string) error {
	_, err := s.DB.Exec(ctx, `UPDATE notification_jobs SET status='failed', reason=$2 WHERE id=$1`, id, reason)
	return err
}

type JobFilter struct {
	TenantID string
	Outcome  *Outcome
	From, To *time.Time
	Limit    int
	Offset   int
}

// QueryJobs lists jobs for the audit view, newest first.
func (s *Store) QueryJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE tenant_id=$1`
	args := []any{f.TenantID}
	idx := 2
	if f.Outcome != nil {
		q += fmt.Sprintf(" AND outcome=$%d", idx)
		args = append(args, string(*f.Outcome))
		idx++
	}
	if f.From != nil {
		q += fmt.Sprintf(" AND requested_at >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND requested_at < $%d", idx)
		args = append(args, *f.To)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DecodeEvent returns the event payload stored with the job, if any.
func (j Job) DecodeEvent() (*NotificationEvent, error) {
	if len(j.Event) == 0 {
		return nil, nil
	}
	var ev NotificationEvent
	if err := json.Unmarshal(j.Event, &ev); err != nil {
		return nil, fmt.Errorf("core: decode job event: %w", err)
	}
	return &ev, nil
}
