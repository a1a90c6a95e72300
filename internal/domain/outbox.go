package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxKind selects the delivery adapter for an outbox event.
type OutboxKind string

const (
	OutboxEmail  OutboxKind = "email"
	OutboxExport OutboxKind = "export"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxEvent is a durable side-effect written in the same transaction as the
// business change that requires it. (org_id, dedupe_key) is unique; enqueueing
// a duplicate key is a no-op.
type OutboxEvent struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	Kind          OutboxKind
	Status        OutboxStatus
	Attempts      int32
	MaxRetries    int32
	NextAttemptAt time.Time
	LastError     string
	Payload       json.RawMessage
	DedupeKey     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EmailEvent records a composed outbound email so observers can inspect
// messages before (and independent of) delivery.
type EmailEvent struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	DedupeKey string
	Recipient string
	Subject   string
	Body      string
	BookingID uuid.UUID // uuid.Nil when unrelated
	InvoiceID uuid.UUID // uuid.Nil when unrelated
	EmailType string    // "booking_confirmed", "dunning", "reminder", ...
	CreatedAt time.Time
}

// EmailFailure is a dead-letter row for a failed email delivery, with its own
// retry schedule so operators can inspect and replay independently of the
// generic outbox.
type EmailFailure struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	DedupeKey    string
	Recipient    string
	Subject      string
	Body         string
	Status       OutboxStatus // pending, sent, dead
	AttemptCount int32
	MaxRetries   int32
	NextRetryAt  time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Unsubscribe marks a recipient as opted out of a scope ("marketing", "nps")
// within an org. Transactional mail ignores the set.
type Unsubscribe struct {
	OrgID     uuid.UUID
	Recipient string
	Scope     string
	CreatedAt time.Time
}
