package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rowanhq/brightside/internal/domain"
)

const stripeEventColumns = `
	id, org_id, payload_hash, status, event_type, event_created_at,
	invoice_id, booking_id, last_error, created_at, updated_at`

// GetStripeEventForUpdate locks the ledger row for the given provider event
// id, or returns pgx.ErrNoRows when the event has never been seen.
func (q *Queries) GetStripeEventForUpdate(ctx context.Context, eventID string) (*domain.StripeEvent, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+stripeEventColumns+` FROM stripe_events
		WHERE id = $1
		FOR UPDATE`, eventID)
	return scanStripeEvent(row)
}

func (q *Queries) InsertStripeEvent(ctx context.Context, ev *domain.StripeEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO stripe_events (
			id, org_id, payload_hash, status, event_type, event_created_at,
			invoice_id, booking_id, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.OrgID, ev.PayloadHash, ev.Status, ev.EventType, ev.EventCreatedAt,
		nullUUID(ev.InvoiceID), nullUUID(ev.BookingID), nullText(ev.LastError),
		ev.CreatedAt, ev.UpdatedAt)
	return err
}

func (q *Queries) UpdateStripeEvent(ctx context.Context, ev *domain.StripeEvent) error {
	_, err := q.db.Exec(ctx, `
		UPDATE stripe_events SET
			status = $2,
			invoice_id = $3,
			booking_id = $4,
			last_error = $5,
			updated_at = $6
		WHERE id = $1`,
		ev.ID, ev.Status, nullUUID(ev.InvoiceID), nullUUID(ev.BookingID),
		nullText(ev.LastError), ev.UpdatedAt)
	return err
}

func (q *Queries) GetOrgBillingByCustomer(ctx context.Context, customerID string) (*domain.OrgBilling, error) {
	var b domain.OrgBilling
	var subID, subStatus pgtype.Text
	err := q.db.QueryRow(ctx, `
		SELECT org_id, stripe_customer_id, subscription_id, subscription_status, updated_at
		FROM org_billing
		WHERE stripe_customer_id = $1`, customerID).
		Scan(&b.OrgID, &b.StripeCustomerID, &subID, &subStatus, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.SubscriptionID = fromText(subID)
	b.SubscriptionStatus = fromText(subStatus)
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func (q *Queries) UpsertOrgBilling(ctx context.Context, b *domain.OrgBilling) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO org_billing (org_id, stripe_customer_id, subscription_id, subscription_status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			subscription_id = EXCLUDED.subscription_id,
			subscription_status = EXCLUDED.subscription_status,
			updated_at = EXCLUDED.updated_at`,
		b.OrgID, b.StripeCustomerID, nullText(b.SubscriptionID), nullText(b.SubscriptionStatus), b.UpdatedAt)
	return err
}

func scanStripeEvent(row pgx.Row) (*domain.StripeEvent, error) {
	var ev domain.StripeEvent
	var invoice, booking pgtype.UUID
	var lastError pgtype.Text
	err := row.Scan(
		&ev.ID, &ev.OrgID, &ev.PayloadHash, &ev.Status, &ev.EventType, &ev.EventCreatedAt,
		&invoice, &booking, &lastError, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.InvoiceID = fromUUID(invoice)
	ev.BookingID = fromUUID(booking)
	ev.LastError = fromText(lastError)
	ev.EventCreatedAt = ev.EventCreatedAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return &ev, nil
}
