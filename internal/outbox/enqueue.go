// Package outbox implements the transactional side-effect queue: callers
// enqueue events inside their own database transaction, and a background
// worker delivers them with retry, backoff, dead-lettering, and per-kind
// circuit breakers.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/repository"
)

// DefaultMaxRetries bounds delivery attempts before an event goes dead.
const DefaultMaxRetries = 3

// EmailPayload is the outbox payload for kind=email. The worker re-reads the
// composed message from here rather than joining back to email_events.
type EmailPayload struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	EmailType string    `json:"email_type"`
	Scope     string    `json:"scope,omitempty"` // "marketing", "nps"; empty = transactional
	BookingID uuid.UUID `json:"booking_id,omitempty"`
	InvoiceID uuid.UUID `json:"invoice_id,omitempty"`
}

// ExportPayload is the outbox payload for kind=export.
type ExportPayload struct {
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body"`
}

// Enqueue inserts a pending outbox event inside the caller's transaction.
// A duplicate (org_id, dedupe_key) is a no-op and returns false.
func Enqueue(ctx context.Context, q repository.Querier, orgID uuid.UUID, kind domain.OutboxKind, dedupeKey string, payload any, maxRetries int32, now time.Time) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return q.EnqueueOutbox(ctx, &domain.OutboxEvent{
		ID:            uuid.New(),
		OrgID:         orgID,
		Kind:          kind,
		Status:        domain.OutboxPending,
		MaxRetries:    maxRetries,
		NextAttemptAt: now,
		Payload:       raw,
		DedupeKey:     dedupeKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Email is a composed outbound message to enqueue.
type Email struct {
	OrgID     uuid.UUID
	DedupeKey string
	Recipient string
	Subject   string
	Body      string
	EmailType string
	Scope     string
	BookingID uuid.UUID
	InvoiceID uuid.UUID
}

// EnqueueEmail writes the email_events record and its outbox entry under the
// same dedupe key. Duplicates are a no-op.
func EnqueueEmail(ctx context.Context, q repository.Querier, e Email, maxRetries int32, now time.Time) (bool, error) {
	inserted, err := q.InsertEmailEvent(ctx, &domain.EmailEvent{
		ID:        uuid.New(),
		OrgID:     e.OrgID,
		DedupeKey: e.DedupeKey,
		Recipient: e.Recipient,
		Subject:   e.Subject,
		Body:      e.Body,
		BookingID: e.BookingID,
		InvoiceID: e.InvoiceID,
		EmailType: e.EmailType,
		CreatedAt: now,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	return Enqueue(ctx, q, e.OrgID, domain.OutboxEmail, e.DedupeKey, EmailPayload{
		Recipient: e.Recipient,
		Subject:   e.Subject,
		Body:      e.Body,
		EmailType: e.EmailType,
		Scope:     e.Scope,
		BookingID: e.BookingID,
		InvoiceID: e.InvoiceID,
	}, maxRetries, now)
}
