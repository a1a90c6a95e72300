package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rowanhq/brightside/internal/domain"
)

const outboxColumns = `
	id, org_id, kind, status, attempts, max_retries, next_attempt_at,
	last_error, payload, dedupe_key, created_at, updated_at`

// EnqueueOutbox inserts a pending outbox event. Returns false without error
// when (org_id, dedupe_key) already exists.
func (q *Queries) EnqueueOutbox(ctx context.Context, ev *domain.OutboxEvent) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO outbox_events (
			id, org_id, kind, status, attempts, max_retries, next_attempt_at,
			last_error, payload, dedupe_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (org_id, dedupe_key) DO NOTHING`,
		ev.ID, ev.OrgID, ev.Kind, ev.Status, ev.Attempts, ev.MaxRetries, ev.NextAttemptAt,
		nullText(ev.LastError), []byte(ev.Payload), ev.DedupeKey, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertEmailEvent records the composed email alongside its outbox entry.
// Returns false without error on a duplicate (org_id, dedupe_key).
func (q *Queries) InsertEmailEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO email_events (
			id, org_id, dedupe_key, recipient, subject, body,
			booking_id, invoice_id, email_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (org_id, dedupe_key) DO NOTHING`,
		ev.ID, ev.OrgID, ev.DedupeKey, ev.Recipient, ev.Subject, ev.Body,
		nullUUID(ev.BookingID), nullUUID(ev.InvoiceID), ev.EmailType, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListDueOutbox returns pending events whose next attempt is due, ordered by
// kind then enqueue time so a flapping adapter cannot starve the other kind.
func (q *Queries) ListDueOutbox(ctx context.Context, now time.Time, limit int32) ([]domain.OutboxEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY kind, created_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// ClaimOutbox takes delivery ownership of a pending event. Returns false when
// another worker already claimed or finished it.
func (q *Queries) ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE outbox_events SET updated_at = now()
		WHERE id = $1 AND status = 'pending'
		  AND id IN (
			SELECT id FROM outbox_events WHERE id = $1 FOR UPDATE SKIP LOCKED
		  )`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (q *Queries) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE outbox_events SET
			status = 'sent',
			attempts = attempts + 1,
			last_error = NULL,
			updated_at = now()
		WHERE id = $1`, id)
	return err
}

func (q *Queries) MarkOutboxFailed(ctx context.Context, id uuid.UUID, attempts int32, status domain.OutboxStatus, nextAttemptAt time.Time, lastError string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE outbox_events SET
			status = $2,
			attempts = $3,
			next_attempt_at = $4,
			last_error = $5,
			updated_at = now()
		WHERE id = $1`, id, status, attempts, nextAttemptAt, nullText(lastError))
	return err
}

func (q *Queries) GetOutboxEvent(ctx context.Context, orgID, id uuid.UUID) (*domain.OutboxEvent, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanOutbox(row)
}

func (q *Queries) ListDeadOutbox(ctx context.Context, orgID uuid.UUID, kind domain.OutboxKind, limit, offset int32) ([]domain.OutboxEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE org_id = $1 AND status = 'dead' AND ($2 = '' OR kind = $2)
		ORDER BY updated_at DESC, id
		LIMIT $3 OFFSET $4`, orgID, string(kind), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// ResetOutboxEvent returns a dead event to the pending queue for immediate
// redelivery. Returns false when the event is not dead.
func (q *Queries) ResetOutboxEvent(ctx context.Context, orgID, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE outbox_events SET
			status = 'pending',
			attempts = 0,
			next_attempt_at = $3,
			last_error = NULL,
			updated_at = now()
		WHERE org_id = $1 AND id = $2 AND status = 'dead'`, orgID, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (q *Queries) CountPendingOutbox(ctx context.Context, kind domain.OutboxKind) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events
		WHERE status = 'pending' AND kind = $1`, kind).Scan(&n)
	return n, err
}

// OldestPendingOutbox reports the enqueue time of the oldest pending event of
// a kind. The bool is false when the queue is empty.
func (q *Queries) OldestPendingOutbox(ctx context.Context, kind domain.OutboxKind) (time.Time, bool, error) {
	var ts pgtype.Timestamptz
	err := q.db.QueryRow(ctx, `
		SELECT min(created_at) FROM outbox_events
		WHERE status = 'pending' AND kind = $1`, kind).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

func (q *Queries) GetEmailEvent(ctx context.Context, orgID, id uuid.UUID) (*domain.EmailEvent, error) {
	var ev domain.EmailEvent
	var booking, invoice pgtype.UUID
	err := q.db.QueryRow(ctx, `
		SELECT id, org_id, dedupe_key, recipient, subject, body,
		       booking_id, invoice_id, email_type, created_at
		FROM email_events
		WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&ev.ID, &ev.OrgID, &ev.DedupeKey, &ev.Recipient, &ev.Subject, &ev.Body,
			&booking, &invoice, &ev.EmailType, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.BookingID = fromUUID(booking)
	ev.InvoiceID = fromUUID(invoice)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

// UpsertEmailFailure mirrors a failed email into the dead-letter table,
// updating the retry bookkeeping on conflict.
func (q *Queries) UpsertEmailFailure(ctx context.Context, f *domain.EmailFailure) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO email_failures (
			id, org_id, dedupe_key, recipient, subject, body,
			status, attempt_count, max_retries, next_retry_at, last_error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (org_id, dedupe_key) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		f.ID, f.OrgID, f.DedupeKey, f.Recipient, f.Subject, f.Body,
		f.Status, f.AttemptCount, f.MaxRetries, f.NextRetryAt, nullText(f.LastError),
		f.CreatedAt, f.UpdatedAt)
	return err
}

// ListEmailFailures pages the email dead-letter table for an org, newest
// first. An empty status lists every row.
func (q *Queries) ListEmailFailures(ctx context.Context, orgID uuid.UUID, status domain.OutboxStatus, limit, offset int32) ([]domain.EmailFailure, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, org_id, dedupe_key, recipient, subject, body,
		       status, attempt_count, max_retries, next_retry_at, last_error,
		       created_at, updated_at
		FROM email_failures
		WHERE org_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, orgID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EmailFailure
	for rows.Next() {
		var f domain.EmailFailure
		var lastErr pgtype.Text
		if err := rows.Scan(&f.ID, &f.OrgID, &f.DedupeKey, &f.Recipient, &f.Subject, &f.Body,
			&f.Status, &f.AttemptCount, &f.MaxRetries, &f.NextRetryAt, &lastErr,
			&f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.LastError = lastErr.String
		f.NextRetryAt = f.NextRetryAt.UTC()
		f.CreatedAt = f.CreatedAt.UTC()
		f.UpdatedAt = f.UpdatedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q *Queries) MarkEmailFailureSent(ctx context.Context, orgID uuid.UUID, dedupeKey string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE email_failures SET status = 'sent', updated_at = now()
		WHERE org_id = $1 AND dedupe_key = $2`, orgID, dedupeKey)
	return err
}

func (q *Queries) IsUnsubscribed(ctx context.Context, orgID uuid.UUID, recipient, scope string) (bool, error) {
	var unsub bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unsubscribes
			WHERE org_id = $1 AND recipient = $2 AND scope = $3
		)`, orgID, recipient, scope).Scan(&unsub)
	return unsub, err
}

func collectOutbox(rows pgx.Rows) ([]domain.OutboxEvent, error) {
	defer rows.Close()
	var events []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func scanOutbox(row pgx.Row) (*domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	var lastError pgtype.Text
	var payload []byte
	err := row.Scan(
		&ev.ID, &ev.OrgID, &ev.Kind, &ev.Status, &ev.Attempts, &ev.MaxRetries, &ev.NextAttemptAt,
		&lastError, &payload, &ev.DedupeKey, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.LastError = fromText(lastError)
	ev.Payload = payload
	ev.NextAttemptAt = ev.NextAttemptAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return &ev, nil
}
