package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rowanhq/brightside/internal/domain"
)

const invoiceColumns = `
	id, org_id, invoice_number, order_id, customer_id, status,
	total_cents, paid_cents, currency, stripe_checkout_session_id,
	created_at, updated_at`

func (q *Queries) GetInvoice(ctx context.Context, orgID, id uuid.UUID) (*domain.Invoice, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanInvoice(row)
}

// GetInvoiceForUpdateAnyOrg locks an invoice without an org filter. The
// webhook reconciler uses it to derive org context from the row.
func (q *Queries) GetInvoiceForUpdateAnyOrg(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE id = $1
		FOR UPDATE`, id)
	return scanInvoice(row)
}

func (q *Queries) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := q.db.Exec(ctx, `
		UPDATE invoices SET
			status = $3,
			paid_cents = $4,
			stripe_checkout_session_id = $5,
			updated_at = $6
		WHERE org_id = $1 AND id = $2`,
		inv.OrgID, inv.ID,
		inv.Status, inv.PaidCents, nullText(inv.StripeCheckoutSessionID), inv.UpdatedAt)
	return err
}

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	var order, customer pgtype.UUID
	var sessionID pgtype.Text
	err := row.Scan(
		&inv.ID, &inv.OrgID, &inv.InvoiceNumber, &order, &customer, &inv.Status,
		&inv.TotalCents, &inv.PaidCents, &inv.Currency, &sessionID,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.OrderID = fromUUID(order)
	inv.CustomerID = fromUUID(customer)
	inv.StripeCheckoutSessionID = fromText(sessionID)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

const paymentColumns = `
	id, org_id, invoice_id, booking_id, provider, provider_ref,
	checkout_session_id, payment_intent_id, method, amount_cents, currency,
	status, created_at, updated_at`

func (q *Queries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (
			id, org_id, invoice_id, booking_id, provider, provider_ref,
			checkout_session_id, payment_intent_id, method, amount_cents, currency,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.OrgID, nullUUID(p.InvoiceID), nullUUID(p.BookingID), p.Provider, nullText(p.ProviderRef),
		nullText(p.CheckoutSessionID), nullText(p.PaymentIntentID), nullText(p.Method), p.AmountCents, p.Currency,
		p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (q *Queries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := q.db.Exec(ctx, `
		UPDATE payments SET
			provider_ref = $3,
			payment_intent_id = $4,
			method = $5,
			amount_cents = $6,
			status = $7,
			updated_at = $8
		WHERE org_id = $1 AND id = $2`,
		p.OrgID, p.ID,
		nullText(p.ProviderRef), nullText(p.PaymentIntentID), nullText(p.Method),
		p.AmountCents, p.Status, p.UpdatedAt)
	return err
}

func (q *Queries) GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*domain.Payment, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE provider = $1 AND provider_ref = $2`, provider, ref)
	return scanPayment(row)
}

func (q *Queries) GetPaymentByInvoiceSession(ctx context.Context, invoiceID uuid.UUID, sessionID string) (*domain.Payment, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE invoice_id = $1 AND checkout_session_id = $2`, invoiceID, sessionID)
	return scanPayment(row)
}

func (q *Queries) SumSucceededInvoicePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(sum(amount_cents), 0) FROM payments
		WHERE invoice_id = $1 AND status = 'SUCCEEDED'`, invoiceID).Scan(&sum)
	return sum, err
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var invoice, booking pgtype.UUID
	var ref, session, intent, method pgtype.Text
	err := row.Scan(
		&p.ID, &p.OrgID, &invoice, &booking, &p.Provider, &ref,
		&session, &intent, &method, &p.AmountCents, &p.Currency,
		&p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.InvoiceID = fromUUID(invoice)
	p.BookingID = fromUUID(booking)
	p.ProviderRef = fromText(ref)
	p.CheckoutSessionID = fromText(session)
	p.PaymentIntentID = fromText(intent)
	p.Method = fromText(method)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
