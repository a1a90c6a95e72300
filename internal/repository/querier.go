package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
)

// IdempotentResponse is a recorded first response for an idempotency key.
type IdempotentResponse struct {
	Status int
	Body   []byte
}

// Querier is the query surface services depend on. *Queries implements it
// against Postgres; tests use the in-memory store in repositorytest.
type Querier interface {
	// Teams and workers
	CreateTeam(ctx context.Context, t *domain.Team) error
	GetTeam(ctx context.Context, orgID, teamID uuid.UUID) (*domain.Team, error)
	GetTeamForUpdate(ctx context.Context, orgID, teamID uuid.UUID) (*domain.Team, error)
	GetDefaultTeam(ctx context.Context, orgID uuid.UUID) (*domain.Team, error)
	ListTeams(ctx context.Context, orgID uuid.UUID) ([]domain.Team, error)
	ListActiveWorkers(ctx context.Context, orgID, teamID uuid.UUID) ([]domain.Worker, error)

	// Blackouts
	CreateBlackout(ctx context.Context, b *domain.TeamBlackout) error
	ListBlackoutsInWindow(ctx context.Context, orgID, teamID uuid.UUID, from, to time.Time) ([]domain.TeamBlackout, error)

	// Bookings
	CreateBooking(ctx context.Context, b *domain.Booking) error
	GetBooking(ctx context.Context, orgID, id uuid.UUID) (*domain.Booking, error)
	GetBookingForUpdate(ctx context.Context, orgID, id uuid.UUID) (*domain.Booking, error)
	GetBookingForUpdateAnyOrg(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	UpdateBooking(ctx context.Context, b *domain.Booking) error
	ListBookingsInWindow(ctx context.Context, orgID, teamID uuid.UUID, from, to time.Time) ([]domain.Booking, error)
	ListWorkerBookingsInWindow(ctx context.Context, orgID, workerID uuid.UUID, from, to time.Time) ([]domain.Booking, error)
	ListBookingsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]domain.Booking, error)
	FindBookingByCheckoutSession(ctx context.Context, sessionID string) (*domain.Booking, error)
	FindBookingByPaymentIntent(ctx context.Context, intentID string) (*domain.Booking, error)
	CountLeadHistory(ctx context.Context, orgID, leadID uuid.UUID) (int, error)
	CountLeadCancellations(ctx context.Context, orgID, leadID, clientID uuid.UUID) (int, error)

	// Leads
	GetLead(ctx context.Context, orgID, id uuid.UUID) (*domain.Lead, error)

	// Invoices
	GetInvoice(ctx context.Context, orgID, id uuid.UUID) (*domain.Invoice, error)
	GetInvoiceForUpdateAnyOrg(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *domain.Invoice) error

	// Payments
	CreatePayment(ctx context.Context, p *domain.Payment) error
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*domain.Payment, error)
	GetPaymentByInvoiceSession(ctx context.Context, invoiceID uuid.UUID, sessionID string) (*domain.Payment, error)
	SumSucceededInvoicePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error)

	// Stripe event ledger
	GetStripeEventForUpdate(ctx context.Context, eventID string) (*domain.StripeEvent, error)
	InsertStripeEvent(ctx context.Context, ev *domain.StripeEvent) error
	UpdateStripeEvent(ctx context.Context, ev *domain.StripeEvent) error

	// Org billing
	GetOrgBillingByCustomer(ctx context.Context, customerID string) (*domain.OrgBilling, error)
	UpsertOrgBilling(ctx context.Context, b *domain.OrgBilling) error

	// Outbox
	EnqueueOutbox(ctx context.Context, ev *domain.OutboxEvent) (bool, error)
	InsertEmailEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error)
	ListDueOutbox(ctx context.Context, now time.Time, limit int32) ([]domain.OutboxEvent, error)
	ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, attempts int32, status domain.OutboxStatus, nextAttemptAt time.Time, lastError string) error
	GetOutboxEvent(ctx context.Context, orgID, id uuid.UUID) (*domain.OutboxEvent, error)
	ListDeadOutbox(ctx context.Context, orgID uuid.UUID, kind domain.OutboxKind, limit, offset int32) ([]domain.OutboxEvent, error)
	ResetOutboxEvent(ctx context.Context, orgID, id uuid.UUID, now time.Time) (bool, error)
	CountPendingOutbox(ctx context.Context, kind domain.OutboxKind) (int64, error)
	OldestPendingOutbox(ctx context.Context, kind domain.OutboxKind) (time.Time, bool, error)

	// Email events and DLQ
	GetEmailEvent(ctx context.Context, orgID, id uuid.UUID) (*domain.EmailEvent, error)
	UpsertEmailFailure(ctx context.Context, f *domain.EmailFailure) error
	MarkEmailFailureSent(ctx context.Context, orgID uuid.UUID, dedupeKey string) error
	ListEmailFailures(ctx context.Context, orgID uuid.UUID, status domain.OutboxStatus, limit, offset int32) ([]domain.EmailFailure, error)

	// Unsubscribes
	IsUnsubscribed(ctx context.Context, orgID uuid.UUID, recipient, scope string) (bool, error)

	// Audit
	InsertAudit(ctx context.Context, rec *domain.AuditRecord) error

	// Idempotency keys
	GetIdempotentResponse(ctx context.Context, orgID uuid.UUID, action, key string) (*IdempotentResponse, error)
	SaveIdempotentResponse(ctx context.Context, orgID uuid.UUID, action, key string, status int, body []byte, expiresAt time.Time) error
}
