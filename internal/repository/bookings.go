package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rowanhq/brightside/internal/domain"
)

const bookingColumns = `
	id, org_id, team_id, assigned_worker_id, lead_id, client_id,
	starts_at, duration_minutes, planned_minutes, actual_duration_minutes, service_type,
	status, deposit_required, deposit_cents, deposit_status,
	policy_snapshot, risk_score, risk_band, risk_reasons,
	stripe_checkout_session_id, stripe_payment_intent_id,
	cancellation_exception, cancellation_exception_note,
	created_at, updated_at`

func (q *Queries) CreateBooking(ctx context.Context, b *domain.Booking) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO bookings (
			id, org_id, team_id, assigned_worker_id, lead_id, client_id,
			starts_at, duration_minutes, planned_minutes, actual_duration_minutes, service_type,
			status, deposit_required, deposit_cents, deposit_status,
			policy_snapshot, risk_score, risk_band, risk_reasons,
			stripe_checkout_session_id, stripe_payment_intent_id,
			cancellation_exception, cancellation_exception_note,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21,
			$22, $23,
			$24, $25
		)`,
		b.ID, b.OrgID, b.TeamID, nullUUID(b.AssignedWorkerID), nullUUID(b.LeadID), nullUUID(b.ClientID),
		b.StartsAt, b.DurationMinutes, nullInt4(b.PlannedMinutes), nullInt4(b.ActualDurationMinutes), nullText(b.ServiceType),
		b.Status, b.DepositRequired, b.DepositCents, nullText(string(b.DepositStatus)),
		[]byte(b.PolicySnapshot), b.RiskScore, b.RiskBand, b.RiskReasons,
		nullText(b.StripeCheckoutSessionID), nullText(b.StripePaymentIntentID),
		b.CancellationException, nullText(b.CancellationExceptionNote),
		b.CreatedAt, b.UpdatedAt)
	return err
}

func (q *Queries) GetBooking(ctx context.Context, orgID, id uuid.UUID) (*domain.Booking, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1 AND id = $2`, orgID, id)
	return scanBooking(row)
}

func (q *Queries) GetBookingForUpdate(ctx context.Context, orgID, id uuid.UUID) (*domain.Booking, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1 AND id = $2
		FOR UPDATE`, orgID, id)
	return scanBooking(row)
}

// GetBookingForUpdateAnyOrg locks a booking without an org filter. Only the
// webhook reconciler uses it, to derive org context from the row itself.
func (q *Queries) GetBookingForUpdateAnyOrg(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE id = $1
		FOR UPDATE`, id)
	return scanBooking(row)
}

func (q *Queries) UpdateBooking(ctx context.Context, b *domain.Booking) error {
	_, err := q.db.Exec(ctx, `
		UPDATE bookings SET
			team_id = $3,
			assigned_worker_id = $4,
			starts_at = $5,
			duration_minutes = $6,
			planned_minutes = $7,
			actual_duration_minutes = $8,
			status = $9,
			deposit_required = $10,
			deposit_cents = $11,
			deposit_status = $12,
			policy_snapshot = $13,
			risk_score = $14,
			risk_band = $15,
			risk_reasons = $16,
			stripe_checkout_session_id = $17,
			stripe_payment_intent_id = $18,
			cancellation_exception = $19,
			cancellation_exception_note = $20,
			updated_at = $21
		WHERE org_id = $1 AND id = $2`,
		b.OrgID, b.ID,
		b.TeamID, nullUUID(b.AssignedWorkerID),
		b.StartsAt, b.DurationMinutes, nullInt4(b.PlannedMinutes), nullInt4(b.ActualDurationMinutes),
		b.Status, b.DepositRequired, b.DepositCents, nullText(string(b.DepositStatus)),
		[]byte(b.PolicySnapshot), b.RiskScore, b.RiskBand, b.RiskReasons,
		nullText(b.StripeCheckoutSessionID), nullText(b.StripePaymentIntentID),
		b.CancellationException, nullText(b.CancellationExceptionNote),
		b.UpdatedAt)
	return err
}

// ListBookingsInWindow returns bookings overlapping [from, to).
// teamID of uuid.Nil means all teams in the org.
func (q *Queries) ListBookingsInWindow(ctx context.Context, orgID, teamID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1
		  AND ($2::uuid IS NULL OR team_id = $2)
		  AND starts_at < $4
		  AND starts_at + make_interval(mins => duration_minutes) > $3
		ORDER BY starts_at, id`, orgID, nullUUID(teamID), from, to)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (q *Queries) ListWorkerBookingsInWindow(ctx context.Context, orgID, workerID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1
		  AND assigned_worker_id = $2
		  AND starts_at < $4
		  AND starts_at + make_interval(mins => duration_minutes) > $3
		ORDER BY starts_at, id`, orgID, workerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (q *Queries) ListBookingsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]domain.Booking, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE org_id = $1 AND id = ANY($2)
		ORDER BY starts_at, id`, orgID, ids)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

// FindBookingByCheckoutSession correlates a Stripe checkout session to its
// booking. No org filter: the webhook derives org context from the result.
func (q *Queries) FindBookingByCheckoutSession(ctx context.Context, sessionID string) (*domain.Booking, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE stripe_checkout_session_id = $1`, sessionID)
	return scanBooking(row)
}

func (q *Queries) FindBookingByPaymentIntent(ctx context.Context, intentID string) (*domain.Booking, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE stripe_payment_intent_id = $1`, intentID)
	return scanBooking(row)
}

// CountLeadHistory is the policy engine's history predicate: how many
// confirmed or completed bookings the lead has had.
func (q *Queries) CountLeadHistory(ctx context.Context, orgID, leadID uuid.UUID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM bookings
		WHERE org_id = $1 AND lead_id = $2 AND status IN ('CONFIRMED', 'DONE')`,
		orgID, leadID).Scan(&n)
	return n, err
}

func (q *Queries) CountLeadCancellations(ctx context.Context, orgID, leadID, clientID uuid.UUID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM bookings
		WHERE org_id = $1
		  AND status = 'CANCELLED'
		  AND (($2::uuid IS NOT NULL AND lead_id = $2) OR ($3::uuid IS NOT NULL AND client_id = $3))`,
		orgID, nullUUID(leadID), nullUUID(clientID)).Scan(&n)
	return n, err
}

func (q *Queries) GetLead(ctx context.Context, orgID, id uuid.UUID) (*domain.Lead, error) {
	var l domain.Lead
	var email, postal pgtype.Text
	err := q.db.QueryRow(ctx, `
		SELECT id, org_id, name, email, postal_code, estimate_snapshot, structured_inputs, created_at
		FROM leads
		WHERE org_id = $1 AND id = $2`, orgID, id).
		Scan(&l.ID, &l.OrgID, &l.Name, &email, &postal, &l.EstimateSnapshot, &l.StructuredInputs, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.Email = fromText(email)
	l.PostalCode = fromText(postal)
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

func collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	defer rows.Close()
	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	var worker, lead, client pgtype.UUID
	var planned, actual pgtype.Int4
	var serviceType, depositStatus, sessionID, intentID, exceptionNote pgtype.Text
	var snapshot []byte

	err := row.Scan(
		&b.ID, &b.OrgID, &b.TeamID, &worker, &lead, &client,
		&b.StartsAt, &b.DurationMinutes, &planned, &actual, &serviceType,
		&b.Status, &b.DepositRequired, &b.DepositCents, &depositStatus,
		&snapshot, &b.RiskScore, &b.RiskBand, &b.RiskReasons,
		&sessionID, &intentID,
		&b.CancellationException, &exceptionNote,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.AssignedWorkerID = fromUUID(worker)
	b.LeadID = fromUUID(lead)
	b.ClientID = fromUUID(client)
	b.PlannedMinutes = fromInt4(planned)
	b.ActualDurationMinutes = fromInt4(actual)
	b.ServiceType = fromText(serviceType)
	b.DepositStatus = domain.DepositStatus(fromText(depositStatus))
	b.PolicySnapshot = snapshot
	b.StripeCheckoutSessionID = fromText(sessionID)
	b.StripePaymentIntentID = fromText(intentID)
	b.CancellationExceptionNote = fromText(exceptionNote)
	b.StartsAt = b.StartsAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}
