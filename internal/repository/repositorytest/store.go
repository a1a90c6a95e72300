// Package repositorytest provides an in-memory repository.Querier and
// repository.TxRunner for tests that exercise service logic without Postgres.
// Missing rows surface as pgx.ErrNoRows so callers behave identically against
// either backend.
package repositorytest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/repository"
)

type idemKey struct {
	orgID  uuid.UUID
	action string
	key    string
}

type unsubKey struct {
	orgID     uuid.UUID
	recipient string
	scope     string
}

type dedupeKey struct {
	orgID uuid.UUID
	key   string
}

// Store is a mutex-guarded in-memory database. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.Mutex

	teams      map[uuid.UUID]domain.Team
	workers    map[uuid.UUID]domain.Worker
	blackouts  map[uuid.UUID]domain.TeamBlackout
	bookings   map[uuid.UUID]domain.Booking
	leads      map[uuid.UUID]domain.Lead
	invoices   map[uuid.UUID]domain.Invoice
	payments   map[uuid.UUID]domain.Payment
	events     map[string]domain.StripeEvent
	orgBilling map[uuid.UUID]domain.OrgBilling

	outbox        map[uuid.UUID]domain.OutboxEvent
	emailEvents   map[uuid.UUID]domain.EmailEvent
	emailFailures map[dedupeKey]domain.EmailFailure
	unsubscribes  map[unsubKey]bool

	audits []domain.AuditRecord
	idem   map[idemKey]repository.IdempotentResponse
}

func New() *Store {
	return &Store{
		teams:         make(map[uuid.UUID]domain.Team),
		workers:       make(map[uuid.UUID]domain.Worker),
		blackouts:     make(map[uuid.UUID]domain.TeamBlackout),
		bookings:      make(map[uuid.UUID]domain.Booking),
		leads:         make(map[uuid.UUID]domain.Lead),
		invoices:      make(map[uuid.UUID]domain.Invoice),
		payments:      make(map[uuid.UUID]domain.Payment),
		events:        make(map[string]domain.StripeEvent),
		orgBilling:    make(map[uuid.UUID]domain.OrgBilling),
		outbox:        make(map[uuid.UUID]domain.OutboxEvent),
		emailEvents:   make(map[uuid.UUID]domain.EmailEvent),
		emailFailures: make(map[dedupeKey]domain.EmailFailure),
		unsubscribes:  make(map[unsubKey]bool),
		idem:          make(map[idemKey]repository.IdempotentResponse),
	}
}

// WithinTx satisfies repository.TxRunner. The store has no transaction
// semantics; fn runs against the store directly. Service tests that need
// rollback-on-error behavior assert on the error instead.
func (s *Store) WithinTx(ctx context.Context, fn func(q repository.Querier) error) error {
	return fn(s)
}

// SeedLead inserts a lead fixture.
func (s *Store) SeedLead(l domain.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.ID] = l
}

// SeedWorker inserts a worker fixture.
func (s *Store) SeedWorker(w domain.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

// SeedInvoice inserts an invoice fixture.
func (s *Store) SeedInvoice(inv domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

// Audits returns a copy of the recorded audit trail.
func (s *Store) Audits() []domain.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}

// EmailEvents returns all recorded email events, oldest first.
func (s *Store) EmailEvents() []domain.EmailEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EmailEvent, 0, len(s.emailEvents))
	for _, ev := range s.emailEvents {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OutboxEvents returns all outbox rows, oldest first.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(s.outbox))
	for _, ev := range s.outbox {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Teams and workers

func (s *Store) CreateTeam(ctx context.Context, t *domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[t.ID]; ok {
		return nil
	}
	s.teams[t.ID] = *t
	return nil
}

func (s *Store) GetTeam(ctx context.Context, orgID, teamID uuid.UUID) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok || t.OrgID != orgID {
		return nil, pgx.ErrNoRows
	}
	cp := t
	return &cp, nil
}

func (s *Store) GetTeamForUpdate(ctx context.Context, orgID, teamID uuid.UUID) (*domain.Team, error) {
	return s.GetTeam(ctx, orgID, teamID)
}

func (s *Store) GetDefaultTeam(ctx context.Context, orgID uuid.UUID) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Team
	for id := range s.teams {
		t := s.teams[id]
		if t.OrgID != orgID {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) {
			cp := t
			best = &cp
		}
	}
	if best == nil {
		return nil, pgx.ErrNoRows
	}
	return best, nil
}

func (s *Store) ListTeams(ctx context.Context, orgID uuid.UUID) ([]domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Team
	for _, t := range s.teams {
		if t.OrgID == orgID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveWorkers(ctx context.Context, orgID, teamID uuid.UUID) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Worker
	for _, w := range s.workers {
		if w.OrgID != orgID || !w.IsActive {
			continue
		}
		if teamID != uuid.Nil && w.TeamID != teamID {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Blackouts

func (s *Store) CreateBlackout(ctx context.Context, b *domain.TeamBlackout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackouts[b.ID] = *b
	return nil
}

func (s *Store) ListBlackoutsInWindow(ctx context.Context, orgID, teamID uuid.UUID, from, to time.Time) ([]domain.TeamBlackout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TeamBlackout
	for _, b := range s.blackouts {
		if b.OrgID != orgID {
			continue
		}
		if teamID != uuid.Nil && b.TeamID != teamID {
			continue
		}
		if b.StartsAt.Before(to) && b.EndsAt.After(from) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// Bookings

func (s *Store) CreateBooking(ctx context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = *b
	return nil
}

func (s *Store) GetBooking(ctx context.Context, orgID, id uuid.UUID) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.OrgID != orgID {
		return nil, pgx.ErrNoRows
	}
	cp := b
	return &cp, nil
}

func (s *Store) GetBookingForUpdate(ctx context.Context, orgID, id uuid.UUID) (*domain.Booking, error) {
	return s.GetBooking(ctx, orgID, id)
}

func (s *Store) GetBookingForUpdateAnyOrg(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := b
	return &cp, nil
}

func (s *Store) UpdateBooking(ctx context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bookings[b.ID]; !ok || existing.OrgID != b.OrgID {
		return pgx.ErrNoRows
	}
	s.bookings[b.ID] = *b
	return nil
}

func (s *Store) ListBookingsInWindow(ctx context.Context, orgID, teamID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if b.OrgID != orgID {
			continue
		}
		if teamID != uuid.Nil && b.TeamID != teamID {
			continue
		}
		if b.StartsAt.Before(to) && b.End().After(from) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) ListWorkerBookingsInWindow(ctx context.Context, orgID, workerID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if b.OrgID != orgID || b.AssignedWorkerID != workerID {
			continue
		}
		if b.StartsAt.Before(to) && b.End().After(from) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) ListBookingsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Booking
	for _, id := range ids {
		b, ok := s.bookings[id]
		if ok && b.OrgID == orgID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (s *Store) FindBookingByCheckoutSession(ctx context.Context, sessionID string) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.StripeCheckoutSessionID == sessionID && sessionID != "" {
			cp := b
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *Store) FindBookingByPaymentIntent(ctx context.Context, intentID string) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.StripePaymentIntentID == intentID && intentID != "" {
			cp := b
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *Store) CountLeadHistory(ctx context.Context, orgID, leadID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bookings {
		if b.OrgID == orgID && b.LeadID == leadID &&
			(b.Status == domain.BookingConfirmed || b.Status == domain.BookingDone) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountLeadCancellations(ctx context.Context, orgID, leadID, clientID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bookings {
		if b.OrgID != orgID || b.Status != domain.BookingCancelled {
			continue
		}
		if (leadID != uuid.Nil && b.LeadID == leadID) || (clientID != uuid.Nil && b.ClientID == clientID) {
			n++
		}
	}
	return n, nil
}

// Leads

func (s *Store) GetLead(ctx context.Context, orgID, id uuid.UUID) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok || l.OrgID != orgID {
		return nil, pgx.ErrNoRows
	}
	cp := l
	return &cp, nil
}

// Invoices

func (s *Store) GetInvoice(ctx context.Context, orgID, id uuid.UUID) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.OrgID != orgID {
		return nil, pgx.ErrNoRows
	}
	cp := inv
	return &cp, nil
}

func (s *Store) GetInvoiceForUpdateAnyOrg(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := inv
	return &cp, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.invoices[inv.ID]; !ok || existing.OrgID != inv.OrgID {
		return pgx.ErrNoRows
	}
	s.invoices[inv.ID] = *inv
	return nil
}

// Payments

func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = *p
	return nil
}

func (s *Store) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.payments[p.ID]; !ok || existing.OrgID != p.OrgID {
		return pgx.ErrNoRows
	}
	s.payments[p.ID] = *p
	return nil
}

func (s *Store) GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Provider == provider && p.ProviderRef == ref && ref != "" {
			cp := p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *Store) GetPaymentByInvoiceSession(ctx context.Context, invoiceID uuid.UUID, sessionID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID && p.CheckoutSessionID == sessionID && sessionID != "" {
			cp := p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *Store) SumSucceededInvoicePayments(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID && p.Status == domain.PaymentSucceeded {
			sum += p.AmountCents
		}
	}
	return sum, nil
}

// Stripe event ledger

func (s *Store) GetStripeEventForUpdate(ctx context.Context, eventID string) (*domain.StripeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := ev
	return &cp, nil
}

func (s *Store) InsertStripeEvent(ctx context.Context, ev *domain.StripeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = *ev
	return nil
}

func (s *Store) UpdateStripeEvent(ctx context.Context, ev *domain.StripeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; !ok {
		return pgx.ErrNoRows
	}
	s.events[ev.ID] = *ev
	return nil
}

// Org billing

func (s *Store) GetOrgBillingByCustomer(ctx context.Context, customerID string) (*domain.OrgBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.orgBilling {
		if b.StripeCustomerID == customerID && customerID != "" {
			cp := b
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *Store) UpsertOrgBilling(ctx context.Context, b *domain.OrgBilling) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgBilling[b.OrgID] = *b
	return nil
}

// Outbox

func (s *Store) EnqueueOutbox(ctx context.Context, ev *domain.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.outbox {
		if existing.OrgID == ev.OrgID && existing.DedupeKey == ev.DedupeKey {
			return false, nil
		}
	}
	s.outbox[ev.ID] = *ev
	return true, nil
}

func (s *Store) InsertEmailEvent(ctx context.Context, ev *domain.EmailEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.emailEvents {
		if existing.OrgID == ev.OrgID && existing.DedupeKey == ev.DedupeKey {
			return false, nil
		}
	}
	s.emailEvents[ev.ID] = *ev
	return true, nil
}

func (s *Store) ListDueOutbox(ctx context.Context, now time.Time, limit int32) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range s.outbox {
		if ev.Status == domain.OutboxPending && !ev.NextAttemptAt.After(now) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimOutbox(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok || ev.Status != domain.OutboxPending {
		return false, nil
	}
	return true, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok {
		return pgx.ErrNoRows
	}
	ev.Status = domain.OutboxSent
	ev.Attempts++
	ev.LastError = ""
	s.outbox[id] = ev
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, attempts int32, status domain.OutboxStatus, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok {
		return pgx.ErrNoRows
	}
	ev.Attempts = attempts
	ev.Status = status
	ev.NextAttemptAt = nextAttemptAt
	ev.LastError = lastError
	s.outbox[id] = ev
	return nil
}

func (s *Store) GetOutboxEvent(ctx context.Context, orgID, id uuid.UUID) (*domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok || ev.OrgID != orgID {
		return nil, pgx.ErrNoRows
	}
	cp := ev
	return &cp, nil
}

func (s *Store) ListDeadOutbox(ctx context.Context, orgID uuid.UUID, kind domain.OutboxKind, limit, offset int32) ([]domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range s.outbox {
		if ev.OrgID != orgID || ev.Status != domain.OutboxDead {
			continue
		}
		if kind != "" && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if int(offset) >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResetOutboxEvent(ctx context.Context, orgID, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.outbox[id]
	if !ok || ev.OrgID != orgID || ev.Status != domain.OutboxDead {
		return false, nil
	}
	ev.Status = domain.OutboxPending
	ev.Attempts = 0
	ev.NextAttemptAt = now
	ev.LastError = ""
	s.outbox[id] = ev
	return true, nil
}

func (s *Store) CountPendingOutbox(ctx context.Context, kind domain.OutboxKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.outbox {
		if ev.Status == domain.OutboxPending && ev.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestPendingOutbox(ctx context.Context, kind domain.OutboxKind) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	found := false
	for _, ev := range s.outbox {
		if ev.Status != domain.OutboxPending || ev.Kind != kind {
			continue
		}
		if !found || ev.CreatedAt.Before(oldest) {
			oldest = ev.CreatedAt
			found = true
		}
	}
	return oldest, found, nil
}

// Email events and DLQ

func (s *Store) GetEmailEvent(ctx context.Context, orgID, id uuid.UUID) (*domain.EmailEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.emailEvents[id]
	if !ok || ev.OrgID != orgID {
		return nil, pgx.ErrNoRows
	}
	cp := ev
	return &cp, nil
}

func (s *Store) UpsertEmailFailure(ctx context.Context, f *domain.EmailFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emailFailures[dedupeKey{orgID: f.OrgID, key: f.DedupeKey}] = *f
	return nil
}

func (s *Store) MarkEmailFailureSent(ctx context.Context, orgID uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dedupeKey{orgID: orgID, key: key}
	if f, ok := s.emailFailures[k]; ok {
		f.Status = domain.OutboxSent
		s.emailFailures[k] = f
	}
	return nil
}

func (s *Store) ListEmailFailures(ctx context.Context, orgID uuid.UUID, status domain.OutboxStatus, limit, offset int32) ([]domain.EmailFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailFailure
	for _, f := range s.emailFailures {
		if f.OrgID != orgID {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if int(offset) >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if int(limit) < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// EmailFailures returns all dead-letter rows, keyed order not guaranteed.
func (s *Store) EmailFailures() []domain.EmailFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EmailFailure, 0, len(s.emailFailures))
	for _, f := range s.emailFailures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].DedupeKey, out[j].DedupeKey) < 0
	})
	return out
}

// Unsubscribes

func (s *Store) IsUnsubscribed(ctx context.Context, orgID uuid.UUID, recipient, scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes[unsubKey{orgID: orgID, recipient: recipient, scope: scope}], nil
}

// SeedUnsubscribe marks a recipient as opted out of a scope.
func (s *Store) SeedUnsubscribe(orgID uuid.UUID, recipient, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribes[unsubKey{orgID: orgID, recipient: recipient, scope: scope}] = true
}

// Audit

func (s *Store) InsertAudit(ctx context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *rec)
	return nil
}

// Idempotency keys

func (s *Store) GetIdempotentResponse(ctx context.Context, orgID uuid.UUID, action, key string) (*repository.IdempotentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.idem[idemKey{orgID: orgID, action: action, key: key}]
	if !ok {
		return nil, nil
	}
	cp := resp
	return &cp, nil
}

func (s *Store) SaveIdempotentResponse(ctx context.Context, orgID uuid.UUID, action, key string, status int, body []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{orgID: orgID, action: action, key: key}
	if _, ok := s.idem[k]; ok {
		return nil
	}
	s.idem[k] = repository.IdempotentResponse{Status: status, Body: body}
	return nil
}

func sortBookings(bs []domain.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].StartsAt.Equal(bs[j].StartsAt) {
			return bs[i].StartsAt.Before(bs[j].StartsAt)
		}
		return bs[i].ID.String() < bs[j].ID.String()
	})
}

var _ repository.Querier = (*Store)(nil)
var _ repository.TxRunner = (*Store)(nil)
