package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingDone      BookingStatus = "DONE"
	BookingCancelled BookingStatus = "CANCELLED"
)

// CanTransition reports whether a booking may move from one status to another.
// PENDING -> {CONFIRMED, CANCELLED}; CONFIRMED -> {DONE, CANCELLED};
// DONE and CANCELLED are terminal.
func CanTransition(from, to BookingStatus) bool {
	switch from {
	case BookingPending:
		return to == BookingConfirmed || to == BookingCancelled
	case BookingConfirmed:
		return to == BookingDone || to == BookingCancelled
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s BookingStatus) Terminal() bool {
	return s == BookingDone || s == BookingCancelled
}

// DepositStatus tracks the deposit payment state of a booking.
type DepositStatus string

const (
	DepositNone    DepositStatus = ""
	DepositPending DepositStatus = "pending"
	DepositPaid    DepositStatus = "paid"
	DepositExpired DepositStatus = "expired"
	DepositFailed  DepositStatus = "failed"
)

// RiskBand is the coarse risk classification derived from the risk score.
type RiskBand string

const (
	RiskLow    RiskBand = "LOW"
	RiskMedium RiskBand = "MEDIUM"
	RiskHigh   RiskBand = "HIGH"
)

// Booking is a scheduled service appointment for a team at a specific UTC
// start time and duration. starts_at is always stored in UTC; local times are
// derived from the org's business timezone.
type Booking struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	TeamID           uuid.UUID
	AssignedWorkerID uuid.UUID // uuid.Nil when unassigned
	LeadID           uuid.UUID // uuid.Nil when unknown
	ClientID         uuid.UUID // uuid.Nil when unknown

	StartsAt              time.Time
	DurationMinutes       int32
	PlannedMinutes        int32 // 0 = not planned
	ActualDurationMinutes int32 // 0 = not recorded
	ServiceType           string

	Status BookingStatus

	DepositRequired bool
	DepositCents    int64
	DepositStatus   DepositStatus

	// PolicySnapshot is the immutable policy document captured at creation or
	// reschedule. Opaque, schema-versioned JSON; never mutated afterwards.
	PolicySnapshot json.RawMessage

	RiskScore   int32
	RiskBand    RiskBand
	RiskReasons []string

	// Payment correlation keys, attached by the payment reconciler.
	StripeCheckoutSessionID string
	StripePaymentIntentID   string

	CancellationException     bool
	CancellationExceptionNote string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// End returns the exclusive end instant of the booking window.
func (b *Booking) End() time.Time {
	return b.StartsAt.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// Blocking reports whether the booking occupies its slot for conflict checks.
func (b *Booking) Blocking() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed
}

// ConfirmBlockedByDeposit reports whether the deposit gate prevents the
// PENDING -> CONFIRMED transition.
func (b *Booking) ConfirmBlockedByDeposit() bool {
	return b.DepositRequired && b.DepositStatus != DepositPaid
}

// Team is a service team owned by an organization. Working hours are local
// times per weekday; a missing entry falls back to the default 09:00-18:00.
type Team struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	Name         string
	WorkingHours map[time.Weekday]WorkingHours
	CreatedAt    time.Time
}

// WorkingHours is a local start/end window expressed as minutes from midnight.
type WorkingHours struct {
	StartMinute int // e.g. 540 for 09:00
	EndMinute   int // e.g. 1080 for 18:00
}

// DefaultWorkingHours is applied when a team has no rule for a weekday.
var DefaultWorkingHours = WorkingHours{StartMinute: 9 * 60, EndMinute: 18 * 60}

// Worker is a team member who can be assigned to bookings.
type Worker struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	TeamID          uuid.UUID
	Name            string
	Contact         string
	Role            string
	IsActive        bool
	HourlyRateCents int64 // 0 = not set
}

// TeamBlackout blocks a team's availability for a window. The window is
// inclusive of starts_at and exclusive of ends_at; no buffer is applied.
type TeamBlackout struct {
	ID       uuid.UUID
	OrgID    uuid.UUID
	TeamID   uuid.UUID
	StartsAt time.Time
	EndsAt   time.Time
	Reason   string
}

// Lead is a prospect or customer whose history and inputs feed the policy
// engine at booking time.
type Lead struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	Name             string
	Email            string
	PostalCode       string
	EstimateSnapshot json.RawMessage
	StructuredInputs json.RawMessage
	CreatedAt        time.Time
}

// AuditRecord captures operator overrides and replays for traceability.
type AuditRecord struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	ActorID   uuid.UUID
	Action    string // "policy.downgrade_deposit", "outbox.replay", ...
	EntityID  uuid.UUID
	Detail    json.RawMessage
	CreatedAt time.Time
}
