// Package admin exposes the operator surface: schedule management, booking
// lifecycle, policy overrides, and dead letter tooling.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/handler"
	"github.com/rowanhq/brightside/internal/schedule"
)

// ScheduleHandler serves the schedule and booking endpoints.
type ScheduleHandler struct {
	svc    *schedule.Service
	logger *slog.Logger
}

func NewScheduleHandler(svc *schedule.Service, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{svc: svc, logger: logger}
}

type scheduleDayResponse struct {
	TeamID         uuid.UUID          `json:"team_id"`
	Day            string             `json:"day"`
	Bookings       []BookingResponse  `json:"bookings"`
	Blackouts      []BlackoutResponse `json:"blackouts"`
	AvailableSlots []time.Time        `json:"available_slots"`
}

// GetSchedule handles GET /v1/admin/schedule?day=YYYY-MM-DD&team_id=.
func (h *ScheduleHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	year, month, day, err := queryDay(r, "day")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	teamID, err := queryUUID(r, "team_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	out, err := h.svc.ListSchedule(r.Context(), orgID, year, month, day, teamID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, scheduleDayResponse{
		TeamID:         out.TeamID,
		Day:            out.Day,
		Bookings:       newBookingResponses(out.Bookings),
		Blackouts:      newBlackoutResponses(out.Blackouts),
		AvailableSlots: out.AvailableSlots,
	})
}

// GetSuggestions handles GET /v1/admin/schedule/suggestions. It proposes up
// to three open starts for the day, optionally constrained to a local
// window_start/window_end given as HH:MM.
func (h *ScheduleHandler) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	year, month, day, err := queryDay(r, "day")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	teamID, err := queryUUID(r, "team_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	duration := int32(schedule.DefaultSlotMinutes)
	if raw := r.URL.Query().Get("duration_minutes"); raw != "" {
		d, err := parseInt32(raw, "duration_minutes")
		if err != nil {
			handler.ErrorResponse(w, r, err)
			return
		}
		duration = d
	}
	windowStart, hasStart, err := queryClockMinutes(r, "window_start")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	windowEnd, hasEnd, err := queryClockMinutes(r, "window_end")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if hasStart != hasEnd {
		handler.ErrorResponse(w, r, domain.Invalid("schedule.suggest", "window_start and window_end must be given together"))
		return
	}

	out, err := h.svc.SuggestSlots(r.Context(), orgID, year, month, day, duration, teamID, windowStart, windowEnd, hasStart)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, out)
}

// GetAssignees handles GET /v1/admin/schedule/assignees. It lists the teams
// and workers free over starts_at..ends_at.
func (h *ScheduleHandler) GetAssignees(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	start, err := queryTime(r, "starts_at")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	end, err := queryTime(r, "ends_at")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	excludeBooking, err := queryUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	out, err := h.svc.SuggestAssignees(r.Context(), orgID, start, end, excludeBooking)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, out)
}

type conflictsResponse struct {
	HasConflict bool                `json:"has_conflict"`
	Conflicts   []schedule.Conflict `json:"conflicts"`
}

// GetConflicts handles GET /v1/admin/schedule/conflicts. team_id defaults to
// the org's default team via the service; worker_id and booking_id are
// optional refinements.
func (h *ScheduleHandler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	start, err := queryTime(r, "starts_at")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	end, err := queryTime(r, "ends_at")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	teamID, err := queryUUID(r, "team_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	workerID, err := queryUUID(r, "worker_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	excludeBooking, err := queryUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	conflicts, err := h.svc.CheckConflicts(r.Context(), orgID, start, end, teamID, workerID, excludeBooking)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []schedule.Conflict{}
	}
	handler.JSON(w, http.StatusOK, conflictsResponse{
		HasConflict: len(conflicts) > 0,
		Conflicts:   conflicts,
	})
}

type createBookingRequest struct {
	TeamID              uuid.UUID `json:"team_id"`
	LeadID              uuid.UUID `json:"lead_id"`
	ClientID            uuid.UUID `json:"client_id"`
	StartsAt            time.Time `json:"starts_at" validate:"required"`
	DurationMinutes     int32     `json:"duration_minutes" validate:"required,min=30"`
	ServiceType         string    `json:"service_type" validate:"required"`
	EstimatedTotalCents int64     `json:"estimated_total_cents" validate:"min=0"`
}

// CreateBooking handles POST /v1/admin/bookings.
func (h *ScheduleHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	var req createBookingRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.CreateBooking(r.Context(), orgID, schedule.CreateParams{
		TeamID:              req.TeamID,
		LeadID:              req.LeadID,
		ClientID:            req.ClientID,
		StartsAt:            req.StartsAt,
		DurationMinutes:     req.DurationMinutes,
		ServiceType:         req.ServiceType,
		EstimatedTotalCents: req.EstimatedTotalCents,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusCreated, newBookingResponse(b))
}

type moveBookingRequest struct {
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	DurationMinutes int32     `json:"duration_minutes"` // 0 = unchanged
	TeamID          uuid.UUID `json:"team_id"`          // zero = unchanged
}

// MoveBooking handles POST /v1/admin/schedule/{booking_id}/move.
func (h *ScheduleHandler) MoveBooking(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var req moveBookingRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.MoveBooking(r.Context(), orgID, bookingID, req.StartsAt, req.DurationMinutes, req.TeamID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}

type rescheduleBookingRequest struct {
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	DurationMinutes int32     `json:"duration_minutes"` // 0 = unchanged
}

// RescheduleBooking handles POST /v1/admin/bookings/{booking_id}/reschedule.
// Unlike a move, the policy snapshot is recomputed for the new start.
func (h *ScheduleHandler) RescheduleBooking(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var req rescheduleBookingRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.RescheduleBooking(r.Context(), orgID, bookingID, req.StartsAt, req.DurationMinutes)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}

// ConfirmBooking handles POST /v1/admin/bookings/{booking_id}/confirm.
func (h *ScheduleHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.ConfirmBooking)
}

// CancelBooking handles POST /v1/admin/bookings/{booking_id}/cancel.
func (h *ScheduleHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CancelBooking)
}

func (h *ScheduleHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, orgID, bookingID uuid.UUID) (*domain.Booking, error)) {
	orgID := domain.RequireOrgID(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	b, err := fn(r.Context(), orgID, bookingID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}

type completeBookingRequest struct {
	ActualDurationMinutes int32 `json:"actual_duration_minutes" validate:"required,min=1"`
}

// CompleteBooking handles POST /v1/admin/bookings/{booking_id}/complete.
func (h *ScheduleHandler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var req completeBookingRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.MarkCompleted(r.Context(), orgID, bookingID, req.ActualDurationMinutes)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}

type blockSlotRequest struct {
	TeamID   uuid.UUID `json:"team_id"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required"`
	Reason   string    `json:"reason"`
}

// BlockSlot handles POST /v1/admin/schedule/block.
func (h *ScheduleHandler) BlockSlot(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	var req blockSlotRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	blackout, err := h.svc.BlockTeamSlot(r.Context(), orgID, req.TeamID, req.StartsAt, req.EndsAt, req.Reason)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusCreated, newBlackoutResponse(blackout))
}

type bulkUpdateRequest struct {
	BookingIDs   []uuid.UUID          `json:"booking_ids" validate:"required,min=1,max=100"`
	TeamID       uuid.UUID            `json:"team_id"` // zero = unchanged
	Status       domain.BookingStatus `json:"status" validate:"omitempty,oneof=CONFIRMED CANCELLED"`
	SendReminder bool                 `json:"send_reminder"`
}

// BulkUpdate handles POST /v1/admin/bookings/bulk. The route requires an
// Idempotency-Key; partial progress is impossible because the whole batch
// runs in one transaction.
func (h *ScheduleHandler) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	var req bulkUpdateRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	out, err := h.svc.BulkUpdate(r.Context(), orgID, schedule.BulkParams{
		BookingIDs:   req.BookingIDs,
		TeamID:       req.TeamID,
		Status:       req.Status,
		SendReminder: req.SendReminder,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, out)
}

type downgradeDepositRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// DowngradeDeposit handles POST /v1/admin/bookings/{booking_id}/downgrade-deposit.
func (h *ScheduleHandler) DowngradeDeposit(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	actor := domain.MustIdentity(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var req downgradeDepositRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.DowngradeDeposit(r.Context(), orgID, bookingID, actor.ID, req.Reason)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}

type setRiskBandRequest struct {
	Band domain.RiskBand `json:"band" validate:"required,oneof=LOW MEDIUM HIGH"`
}

// SetRiskBand handles POST /v1/admin/bookings/{booking_id}/risk-band.
func (h *ScheduleHandler) SetRiskBand(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	actor := domain.MustIdentity(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var req setRiskBandRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.SetRiskBand(r.Context(), orgID, bookingID, actor.ID, req.Band)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}

type cancellationExceptionRequest struct {
	Note string `json:"note" validate:"required"`
}

// GrantCancellationException handles POST /v1/admin/bookings/{booking_id}/cancellation-exception.
func (h *ScheduleHandler) GrantCancellationException(w http.ResponseWriter, r *http.Request) {
	orgID := domain.RequireOrgID(r.Context())
	actor := domain.MustIdentity(r.Context())
	bookingID, err := pathUUID(r, "booking_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	var req cancellationExceptionRequest
	if err := handler.Decode(r, &req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	b, err := h.svc.GrantCancellationException(r.Context(), orgID, bookingID, actor.ID, req.Note)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.JSON(w, http.StatusOK, newBookingResponse(b))
}
