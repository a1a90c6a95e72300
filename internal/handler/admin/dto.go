package admin

import (
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
)

// BookingResponse is the admin-facing booking representation.
type BookingResponse struct {
	ID               uuid.UUID `json:"id"`
	TeamID           uuid.UUID `json:"team_id"`
	AssignedWorkerID uuid.UUID `json:"assigned_worker_id,omitzero"`
	LeadID           uuid.UUID `json:"lead_id,omitzero"`
	ClientID         uuid.UUID `json:"client_id,omitzero"`

	StartsAt              time.Time `json:"starts_at"`
	EndsAt                time.Time `json:"ends_at"`
	DurationMinutes       int32     `json:"duration_minutes"`
	ActualDurationMinutes int32     `json:"actual_duration_minutes,omitempty"`
	ServiceType           string    `json:"service_type"`

	Status domain.BookingStatus `json:"status"`

	DepositRequired bool                 `json:"deposit_required"`
	DepositCents    int64                `json:"deposit_cents"`
	DepositStatus   domain.DepositStatus `json:"deposit_status,omitempty"`

	RiskScore   int32           `json:"risk_score"`
	RiskBand    domain.RiskBand `json:"risk_band"`
	RiskReasons []string        `json:"risk_reasons,omitempty"`

	CancellationException     bool   `json:"cancellation_exception,omitempty"`
	CancellationExceptionNote string `json:"cancellation_exception_note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newBookingResponse(b *domain.Booking) BookingResponse {
	return BookingResponse{
		ID:                        b.ID,
		TeamID:                    b.TeamID,
		AssignedWorkerID:          b.AssignedWorkerID,
		LeadID:                    b.LeadID,
		ClientID:                  b.ClientID,
		StartsAt:                  b.StartsAt,
		EndsAt:                    b.End(),
		DurationMinutes:           b.DurationMinutes,
		ActualDurationMinutes:     b.ActualDurationMinutes,
		ServiceType:               b.ServiceType,
		Status:                    b.Status,
		DepositRequired:           b.DepositRequired,
		DepositCents:              b.DepositCents,
		DepositStatus:             b.DepositStatus,
		RiskScore:                 b.RiskScore,
		RiskBand:                  b.RiskBand,
		RiskReasons:               b.RiskReasons,
		CancellationException:     b.CancellationException,
		CancellationExceptionNote: b.CancellationExceptionNote,
		CreatedAt:                 b.CreatedAt,
		UpdatedAt:                 b.UpdatedAt,
	}
}

func newBookingResponses(bookings []domain.Booking) []BookingResponse {
	out := make([]BookingResponse, len(bookings))
	for i := range bookings {
		out[i] = newBookingResponse(&bookings[i])
	}
	return out
}

// BlackoutResponse is the admin-facing team blackout representation.
type BlackoutResponse struct {
	ID       uuid.UUID `json:"id"`
	TeamID   uuid.UUID `json:"team_id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Reason   string    `json:"reason,omitempty"`
}

func newBlackoutResponse(b *domain.TeamBlackout) BlackoutResponse {
	return BlackoutResponse{
		ID:       b.ID,
		TeamID:   b.TeamID,
		StartsAt: b.StartsAt,
		EndsAt:   b.EndsAt,
		Reason:   b.Reason,
	}
}

func newBlackoutResponses(blackouts []domain.TeamBlackout) []BlackoutResponse {
	out := make([]BlackoutResponse, len(blackouts))
	for i := range blackouts {
		out[i] = newBlackoutResponse(&blackouts[i])
	}
	return out
}
