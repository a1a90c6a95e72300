package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/domain"
)

func (q *Queries) InsertAudit(ctx context.Context, rec *domain.AuditRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_records (id, org_id, actor_id, action, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.OrgID, nullUUID(rec.ActorID), rec.Action, nullUUID(rec.EntityID),
		[]byte(rec.Detail), rec.CreatedAt)
	return err
}

// GetIdempotentResponse returns the recorded response for an idempotency key,
// or nil when the key has never been used or has expired.
func (q *Queries) GetIdempotentResponse(ctx context.Context, orgID uuid.UUID, action, key string) (*IdempotentResponse, error) {
	var resp IdempotentResponse
	err := q.db.QueryRow(ctx, `
		SELECT status, body FROM idempotency_keys
		WHERE org_id = $1 AND action = $2 AND key = $3 AND expires_at > now()`,
		orgID, action, key).Scan(&resp.Status, &resp.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (q *Queries) SaveIdempotentResponse(ctx context.Context, orgID uuid.UUID, action, key string, status int, body []byte, expiresAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO idempotency_keys (org_id, action, key, status, body, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, action, key) DO NOTHING`,
		orgID, action, key, status, body, expiresAt)
	return err
}
