package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/billing"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/outbox"
	"github.com/rowanhq/brightside/internal/repository"
	"github.com/rowanhq/brightside/internal/telemetry"
)

// Event types the reconciler acts on. Everything else is recorded as ignored.
const (
	evCheckoutCompleted = "checkout.session.completed"
	evCheckoutExpired   = "checkout.session.expired"
	evIntentSucceeded   = "payment_intent.succeeded"
	evIntentFailed      = "payment_intent.payment_failed"

	subscriptionPrefix = "customer.subscription."
)

// WebhookResult reports what a webhook delivery did. Processed is false for
// duplicates and events the reconciler deliberately ignores.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Processed bool   `json:"processed"`
}

// refContext is the resolved target of a webhook event. The booking or
// invoice is row-locked for the rest of the transaction.
type refContext struct {
	orgID   uuid.UUID
	booking *domain.Booking
	invoice *domain.Invoice
}

// ProcessWebhook verifies, deduplicates, and applies a Stripe webhook
// delivery. Effects are at most once per event id: the stripe_events ledger
// row is taken FOR UPDATE before any business effect, and replays of settled
// events return without side effects.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	const op = "payments.webhook"
	start := time.Now()

	ev, err := s.provider.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			s.count(telemetry.OutcomeUnavailable)
			return nil, domain.Unavailable(op, "payment provider is not configured")
		}
		s.count(telemetry.OutcomeError)
		return nil, &domain.Error{Code: domain.EINVALID, Op: op, Message: "invalid webhook signature", Err: err}
	}
	if ev.ID == "" {
		s.count(telemetry.OutcomeError)
		return nil, domain.Invalid(op, "event id is missing")
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	now := s.clk.Now()

	var (
		outcome = telemetry.OutcomeIgnored
		refs    *refContext
	)
	err = s.tx.WithinTx(ctx, func(q repository.Querier) error {
		var err error
		refs, err = s.resolveRefs(ctx, q, ev)
		if err != nil {
			return err
		}
		if refs == nil {
			// No metadata, no correlation key, no customer mapping.
			// Acknowledge so Stripe stops retrying.
			s.logger.Info("webhook unresolvable, ignoring",
				slog.String("event_id", ev.ID),
				slog.String("event_type", ev.Type))
			return nil
		}

		row, dup, err := s.claimEvent(ctx, q, ev, refs, hash, now)
		if err != nil {
			return err
		}
		if dup {
			outcome = telemetry.OutcomeDuplicate
			return nil
		}

		applied, err := s.dispatch(ctx, q, ev, refs, now)
		if err != nil {
			return err
		}

		if applied {
			row.Status = domain.StripeEventSucceeded
			outcome = telemetry.OutcomeProcessed
		} else {
			row.Status = domain.StripeEventIgnored
			outcome = telemetry.OutcomeIgnored
		}
		row.LastError = ""
		row.UpdatedAt = now
		return q.UpdateStripeEvent(ctx, row)
	})
	if err != nil {
		if domain.ErrorCode(err) == domain.EINTERNAL && refs != nil {
			s.recordEventError(ctx, ev, refs, hash, err)
		}
		s.count(telemetry.OutcomeError)
		return nil, err
	}

	s.count(outcome)
	s.metrics.WebhookLatency.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	return &WebhookResult{
		EventID:   ev.ID,
		EventType: ev.Type,
		Processed: outcome == telemetry.OutcomeProcessed,
	}, nil
}

func (s *Service) count(outcome string) {
	s.metrics.WebhookOutcomes.WithLabelValues(outcome).Inc()
}

// resolveRefs resolves the event to an org and locks its target row.
// Precedence: invoice_id metadata, booking_id metadata, session or intent
// correlation, customer mapping. A nil result means unresolvable.
func (s *Service) resolveRefs(ctx context.Context, q repository.Querier, ev *billing.Event) (*refContext, error) {
	const op = "payments.webhook"
	meta := ev.Object.Metadata

	invoiceMeta := meta["invoice_id"]
	bookingMeta := meta["booking_id"]
	if invoiceMeta != "" && bookingMeta != "" {
		return nil, domain.Invalid(op, "ambiguous_metadata")
	}

	if invoiceMeta != "" {
		id, err := uuid.Parse(invoiceMeta)
		if err != nil {
			return nil, domain.Invalid(op, "invoice_id metadata is not a uuid")
		}
		inv, err := q.GetInvoiceForUpdateAnyOrg(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, domain.Internal(err, op, "lock invoice")
		}
		if err := checkMetaOrg(op, meta, inv.OrgID); err != nil {
			return nil, err
		}
		return &refContext{orgID: inv.OrgID, invoice: inv}, nil
	}

	var bookingID uuid.UUID
	switch {
	case bookingMeta != "":
		id, err := uuid.Parse(bookingMeta)
		if err != nil {
			return nil, domain.Invalid(op, "booking_id metadata is not a uuid")
		}
		bookingID = id
	default:
		b, err := s.correlateBooking(ctx, q, ev)
		if err != nil {
			return nil, err
		}
		if b != nil {
			bookingID = b.ID
		}
	}
	if bookingID != uuid.Nil {
		b, err := q.GetBookingForUpdateAnyOrg(ctx, bookingID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, domain.Internal(err, "payments.webhook", "lock booking")
		}
		if err := checkMetaOrg(op, meta, b.OrgID); err != nil {
			return nil, err
		}
		return &refContext{orgID: b.OrgID, booking: b}, nil
	}

	if ev.Object.CustomerID != "" {
		ob, err := q.GetOrgBillingByCustomer(ctx, ev.Object.CustomerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, domain.Internal(err, op, "resolve customer")
		}
		if raw := meta["org_id"]; raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil || id != ob.OrgID {
				return nil, domain.Invalid(op, "org_customer_mismatch")
			}
		}
		return &refContext{orgID: ob.OrgID}, nil
	}

	return nil, nil
}

// checkMetaOrg rejects events whose org_id metadata disagrees with the org
// that owns the resolved row.
func checkMetaOrg(op string, meta map[string]string, owner uuid.UUID) error {
	raw := meta["org_id"]
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil || id != owner {
		return domain.Invalid(op, "org_customer_mismatch")
	}
	return nil
}

// correlateBooking finds a booking through the session or intent ids attached
// at checkout creation.
func (s *Service) correlateBooking(ctx context.Context, q repository.Querier, ev *billing.Event) (*domain.Booking, error) {
	if sid := sessionID(ev); sid != "" {
		b, err := q.FindBookingByCheckoutSession(ctx, sid)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.Internal(err, "payments.webhook", "correlate session")
		}
	}
	if ref := intentRef(ev); ref != "" {
		b, err := q.FindBookingByPaymentIntent(ctx, ref)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.Internal(err, "payments.webhook", "correlate intent")
		}
	}
	return nil, nil
}

// claimEvent takes the ledger row for this event id. It returns dup=true when
// the event is already settled or in flight, and otherwise leaves a
// processing row the caller must settle before commit.
func (s *Service) claimEvent(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, hash string, now time.Time) (*domain.StripeEvent, bool, error) {
	const op = "payments.webhook"

	row, err := q.GetStripeEventForUpdate(ctx, ev.ID)
	if err == nil {
		if row.OrgID != refs.orgID {
			return nil, false, domain.Invalid(op, "event is recorded for a different org")
		}
		if row.PayloadHash != hash {
			return nil, false, domain.Invalid(op, "payload does not match the recorded event")
		}
		switch row.Status {
		case domain.StripeEventSucceeded, domain.StripeEventIgnored, domain.StripeEventProcessing:
			return nil, true, nil
		}
		// A previous attempt errored; retry it.
		row.Status = domain.StripeEventProcessing
		row.UpdatedAt = now
		if err := q.UpdateStripeEvent(ctx, row); err != nil {
			return nil, false, domain.Internal(err, op, "reclaim event")
		}
		return row, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.Internal(err, op, "lock event")
	}

	row = &domain.StripeEvent{
		ID:             ev.ID,
		OrgID:          refs.orgID,
		PayloadHash:    hash,
		Status:         domain.StripeEventProcessing,
		EventType:      ev.Type,
		EventCreatedAt: ev.CreatedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if refs.invoice != nil {
		row.InvoiceID = refs.invoice.ID
	}
	if refs.booking != nil {
		row.BookingID = refs.booking.ID
	}
	if err := q.InsertStripeEvent(ctx, row); err != nil {
		return nil, false, domain.Internal(err, op, "record event")
	}
	return row, false, nil
}

// dispatch applies the business effect for the event type. It returns false
// when the event carries nothing to do for its target.
func (s *Service) dispatch(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, now time.Time) (bool, error) {
	if strings.HasPrefix(ev.Type, subscriptionPrefix) {
		return s.applySubscription(ctx, q, ev, refs, now)
	}

	switch ev.Type {
	case evCheckoutCompleted, evIntentSucceeded:
		if ev.Type == evCheckoutCompleted && ev.Object.PaymentStatus == "unpaid" {
			return false, nil
		}
		if refs.invoice != nil {
			return true, s.applyInvoicePaid(ctx, q, ev, refs, now)
		}
		if refs.booking != nil {
			return true, s.applyDepositPaid(ctx, q, ev, refs, now)
		}
	case evCheckoutExpired:
		if refs.booking != nil {
			return true, s.applyDepositLost(ctx, q, ev, refs, domain.DepositExpired, now)
		}
	case evIntentFailed:
		if refs.invoice != nil {
			return true, s.applyInvoiceFailed(ctx, q, ev, refs, now)
		}
		if refs.booking != nil {
			return true, s.applyDepositLost(ctx, q, ev, refs, domain.DepositFailed, now)
		}
	}
	return false, nil
}

// applyDepositPaid settles the deposit and auto-confirms the booking unless
// the risk band demands a manual confirmation.
func (s *Service) applyDepositPaid(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, now time.Time) error {
	const op = "payments.webhook"
	b := refs.booking

	if err := s.settlePayment(ctx, q, ev, refs, domain.PaymentSucceeded, now); err != nil {
		return err
	}

	b.DepositStatus = domain.DepositPaid
	if sid := sessionID(ev); sid != "" && b.StripeCheckoutSessionID == "" {
		b.StripeCheckoutSessionID = sid
	}
	if ref := intentRef(ev); ref != "" && b.StripePaymentIntentID == "" {
		b.StripePaymentIntentID = ref
	}

	confirmed := false
	if b.Status == domain.BookingPending && b.RiskBand != domain.RiskHigh {
		b.Status = domain.BookingConfirmed
		confirmed = true
	}
	b.UpdatedAt = now
	if err := q.UpdateBooking(ctx, b); err != nil {
		return domain.Internal(err, op, "settle deposit")
	}

	if confirmed {
		s.metrics.BookingsConfirmed.WithLabelValues(b.OrgID.String()).Inc()
		if err := s.enqueueBookingEmail(ctx, q, b, "booking_confirmed",
			"Your booking is confirmed",
			"Thanks, your deposit is in and your booking is confirmed.",
			now); err != nil {
			return err
		}
	}
	return nil
}

// applyDepositLost marks the deposit failed or expired and releases the slot
// by cancelling a still-pending booking.
func (s *Service) applyDepositLost(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, status domain.DepositStatus, now time.Time) error {
	const op = "payments.webhook"
	b := refs.booking

	if b.DepositStatus == domain.DepositPaid {
		// A late failure or expiry never claws back a settled deposit.
		return nil
	}
	if err := s.settlePayment(ctx, q, ev, refs, domain.PaymentFailed, now); err != nil {
		return err
	}

	b.DepositStatus = status
	if b.Status == domain.BookingPending {
		b.Status = domain.BookingCancelled
		s.metrics.BookingsCancelled.WithLabelValues(b.OrgID.String()).Inc()
	}
	b.UpdatedAt = now
	if err := q.UpdateBooking(ctx, b); err != nil {
		return domain.Internal(err, op, "settle deposit failure")
	}
	return nil
}

// applyInvoicePaid upserts the payment and recomputes the invoice paid total
// and status from succeeded payments.
func (s *Service) applyInvoicePaid(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, now time.Time) error {
	const op = "payments.webhook"
	inv := refs.invoice

	if err := s.settlePayment(ctx, q, ev, refs, domain.PaymentSucceeded, now); err != nil {
		return err
	}

	paid, err := q.SumSucceededInvoicePayments(ctx, inv.ID)
	if err != nil {
		return domain.Internal(err, op, "sum payments")
	}
	inv.PaidCents = paid
	inv.Status = inv.StatusForPaid(paid)
	if sid := sessionID(ev); sid != "" && inv.StripeCheckoutSessionID == "" {
		inv.StripeCheckoutSessionID = sid
	}
	inv.UpdatedAt = now
	if err := q.UpdateInvoice(ctx, inv); err != nil {
		return domain.Internal(err, op, "settle invoice")
	}
	return nil
}

// applyInvoiceFailed marks the payment failed and queues a single dunning
// email for the invoice.
func (s *Service) applyInvoiceFailed(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, now time.Time) error {
	inv := refs.invoice

	if err := s.settlePayment(ctx, q, ev, refs, domain.PaymentFailed, now); err != nil {
		return err
	}

	lead, err := q.GetLead(ctx, inv.OrgID, inv.CustomerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return domain.Internal(err, "payments.webhook", "load customer")
	}
	_, err = outbox.EnqueueEmail(ctx, q, outbox.Email{
		OrgID:     inv.OrgID,
		DedupeKey: "invoice:" + inv.ID.String() + ":dunning:payment_failed",
		Recipient: lead.Email,
		Subject:   "Payment failed for invoice " + inv.InvoiceNumber,
		Body:      "Your payment for invoice " + inv.InvoiceNumber + " did not go through. Please try again.",
		EmailType: "invoice_dunning",
		InvoiceID: inv.ID,
	}, s.cfg.EmailMaxRetries, now)
	if err != nil {
		return domain.Internal(err, "payments.webhook", "enqueue dunning email")
	}
	return nil
}

// applySubscription keeps the org to Stripe customer mapping current.
func (s *Service) applySubscription(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, now time.Time) (bool, error) {
	const op = "payments.webhook"
	cust := ev.Object.CustomerID
	if cust == "" {
		return false, nil
	}

	existing, err := q.GetOrgBillingByCustomer(ctx, cust)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, domain.Internal(err, op, "load org billing")
	}
	if err == nil && existing.OrgID != refs.orgID {
		return false, domain.Invalid(op, "org_customer_mismatch")
	}

	sub := ev.Object.SubscriptionID
	if sub == "" && strings.HasPrefix(ev.Object.ID, "sub_") {
		sub = ev.Object.ID
	}
	if err := q.UpsertOrgBilling(ctx, &domain.OrgBilling{
		OrgID:              refs.orgID,
		StripeCustomerID:   cust,
		SubscriptionID:     sub,
		SubscriptionStatus: ev.Object.Status,
		UpdatedAt:          now,
	}); err != nil {
		return false, domain.Internal(err, op, "upsert org billing")
	}
	return true, nil
}

// settlePayment moves the correlated payment row to its final status, creating
// it when the checkout happened outside this system. Succeeded payments never
// regress.
func (s *Service) settlePayment(ctx context.Context, q repository.Querier, ev *billing.Event, refs *refContext, status domain.PaymentStatus, now time.Time) error {
	const op = "payments.webhook"
	ref := intentRef(ev)

	var p *domain.Payment
	if ref != "" {
		found, err := q.GetPaymentByProviderRef(ctx, providerName, ref)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return domain.Internal(err, op, "find payment")
		}
		p = found
	}
	if p == nil && refs.invoice != nil {
		if sid := sessionID(ev); sid != "" {
			found, err := q.GetPaymentByInvoiceSession(ctx, refs.invoice.ID, sid)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return domain.Internal(err, op, "find payment by session")
			}
			p = found
		}
	}

	amount := eventAmount(ev)
	if p == nil {
		p = &domain.Payment{
			ID:                uuid.New(),
			OrgID:             refs.orgID,
			Provider:          providerName,
			ProviderRef:       ref,
			CheckoutSessionID: sessionID(ev),
			PaymentIntentID:   ref,
			AmountCents:       amount,
			Currency:          ev.Object.Currency,
			Status:            status,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if refs.invoice != nil {
			p.InvoiceID = refs.invoice.ID
		}
		if refs.booking != nil {
			p.BookingID = refs.booking.ID
		}
		if err := q.CreatePayment(ctx, p); err != nil {
			return domain.Internal(err, op, "record payment")
		}
		return nil
	}

	if p.Status == domain.PaymentSucceeded {
		return nil
	}
	p.Status = status
	if p.ProviderRef == "" {
		p.ProviderRef = ref
	}
	if amount > 0 {
		p.AmountCents = amount
	}
	p.UpdatedAt = now
	if err := q.UpdatePayment(ctx, p); err != nil {
		return domain.Internal(err, op, "settle payment")
	}
	return nil
}

// enqueueBookingEmail sends a transactional booking email to the lead when
// one is on file.
func (s *Service) enqueueBookingEmail(ctx context.Context, q repository.Querier, b *domain.Booking, emailType, subject, body string, now time.Time) error {
	if b.LeadID == uuid.Nil {
		return nil
	}
	lead, err := q.GetLead(ctx, b.OrgID, b.LeadID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return domain.Internal(err, "payments.webhook", "load lead")
	}
	_, err = outbox.EnqueueEmail(ctx, q, outbox.Email{
		OrgID:     b.OrgID,
		DedupeKey: "booking:" + b.ID.String() + ":" + emailType,
		Recipient: lead.Email,
		Subject:   subject,
		Body:      body,
		EmailType: emailType,
		BookingID: b.ID,
	}, s.cfg.EmailMaxRetries, now)
	if err != nil {
		return domain.Internal(err, "payments.webhook", "enqueue email")
	}
	return nil
}

// recordEventError settles the ledger row as errored after the business
// transaction rolled back, so Stripe's retry can pick the event up again.
func (s *Service) recordEventError(ctx context.Context, ev *billing.Event, refs *refContext, hash string, cause error) {
	now := s.clk.Now()
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		row, err := q.GetStripeEventForUpdate(ctx, ev.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			row = &domain.StripeEvent{
				ID:             ev.ID,
				OrgID:          refs.orgID,
				PayloadHash:    hash,
				EventType:      ev.Type,
				EventCreatedAt: ev.CreatedAt,
				Status:         domain.StripeEventError,
				LastError:      cause.Error(),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			return q.InsertStripeEvent(ctx, row)
		}
		if err != nil {
			return err
		}
		if row.Status == domain.StripeEventSucceeded || row.Status == domain.StripeEventIgnored {
			return nil
		}
		row.Status = domain.StripeEventError
		row.LastError = cause.Error()
		row.UpdatedAt = now
		return q.UpdateStripeEvent(ctx, row)
	})
	if err != nil {
		s.logger.Error("failed to record webhook error",
			slog.String("event_id", ev.ID),
			slog.Any("error", err))
	}
}

// eventAmount picks the settled amount off the event object.
func eventAmount(ev *billing.Event) int64 {
	if ev.Object.AmountTotal > 0 {
		return ev.Object.AmountTotal
	}
	return ev.Object.AmountReceived
}

// sessionID returns the checkout session id when the event object is one.
func sessionID(ev *billing.Event) string {
	if strings.HasPrefix(ev.Object.ID, "cs_") {
		return ev.Object.ID
	}
	return ""
}

// intentRef returns the payment intent id carried by the event.
func intentRef(ev *billing.Event) string {
	if strings.HasPrefix(ev.Type, "payment_intent.") {
		return ev.Object.ID
	}
	return ev.Object.PaymentIntentID
}

// decodeSnapshotCurrency reads the currency off the booking's embedded policy
// document without committing to its full schema.
func decodeSnapshotCurrency(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var doc struct {
		Deposit struct {
			Currency string `json:"currency"`
		} `json:"deposit"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return doc.Deposit.Currency
}
