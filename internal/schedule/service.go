package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/outbox"
	"github.com/rowanhq/brightside/internal/policy"
	"github.com/rowanhq/brightside/internal/repository"
)

// DefaultSlotMinutes is the display duration used when a schedule listing does
// not specify one.
const DefaultSlotMinutes = 60

// OverrunThresholdMinutes is the default for how far the actual duration may
// exceed the planned one before completion leaves an audit trail for
// follow-up.
const OverrunThresholdMinutes = 30

// Service runs the transactional scheduling operations. Booking creation and
// moves serialize per team through a row lock on the team.
type Service struct {
	tx        repository.TxRunner
	engine    *Engine
	cal       *clock.Calendar
	clk       clock.Clock
	policyCfg policy.Config
	logger    *slog.Logger

	emailMaxRetries int32
}

func NewService(tx repository.TxRunner, engine *Engine, cal *clock.Calendar, clk clock.Clock, policyCfg policy.Config, emailMaxRetries int32, logger *slog.Logger) *Service {
	return &Service{
		tx:              tx,
		engine:          engine,
		cal:             cal,
		clk:             clk,
		policyCfg:       policyCfg,
		logger:          logger,
		emailMaxRetries: emailMaxRetries,
	}
}

func (s *Service) overrunThreshold() int32 {
	if s.policyCfg.OverrunThresholdMinutes > 0 {
		return int32(s.policyCfg.OverrunThresholdMinutes)
	}
	return OverrunThresholdMinutes
}

// Day is the schedule listing for one local date.
type Day struct {
	TeamID         uuid.UUID              `json:"team_id"`
	Day            string                 `json:"day"`
	Bookings       []domain.Booking       `json:"bookings"`
	Blackouts      []domain.TeamBlackout  `json:"blackouts"`
	AvailableSlots []time.Time            `json:"available_slots"`
}

// CreateParams are the inputs to CreateBooking.
type CreateParams struct {
	TeamID              uuid.UUID // uuid.Nil = default team
	LeadID              uuid.UUID
	ClientID            uuid.UUID
	StartsAt            time.Time
	DurationMinutes     int32
	ServiceType         string
	EstimatedTotalCents int64
}

// BulkParams drive BulkUpdate.
type BulkParams struct {
	BookingIDs   []uuid.UUID
	TeamID       uuid.UUID // uuid.Nil = unchanged
	Status       domain.BookingStatus
	SendReminder bool
}

// BulkResult reports what a bulk update changed.
type BulkResult struct {
	Updated       int `json:"updated"`
	RemindersSent int `json:"reminders_sent"`
}

// ListSchedule returns the bookings, blackouts, and open slots for the local
// date. An unset teamID resolves to the org's default team.
func (s *Service) ListSchedule(ctx context.Context, orgID uuid.UUID, year int, month time.Month, day int, teamID uuid.UUID) (*Day, error) {
	const op = "schedule.list"
	var out *Day
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		team, err := s.resolveTeam(ctx, q, orgID, teamID, op)
		if err != nil {
			return err
		}
		dayStart, dayEnd := s.cal.DayWindow(year, month, day)
		bookings, blackouts, err := s.loadBlocking(ctx, q, orgID, team.ID, dayStart, dayEnd)
		if err != nil {
			return err
		}
		out = &Day{
			TeamID:         team.ID,
			Day:            fmt.Sprintf("%04d-%02d-%02d", year, month, day),
			Bookings:       bookings,
			Blackouts:      blackouts,
			AvailableSlots: s.engine.OpenSlots(team, year, month, day, DefaultSlotMinutes, bookings, blackouts),
		}
		return nil
	})
	return out, err
}

// SuggestSlots proposes up to three open starts for the date, optionally
// constrained to a local time-of-day window in minutes from midnight.
func (s *Service) SuggestSlots(ctx context.Context, orgID uuid.UUID, year int, month time.Month, day int, durationMinutes int32, teamID uuid.UUID, windowStartMin, windowEndMin int, hasWindow bool) (*Suggestion, error) {
	const op = "schedule.suggest"
	if durationMinutes < MinDurationMinutes {
		return nil, domain.Invalid(op, fmt.Sprintf("duration_minutes must be at least %d", MinDurationMinutes))
	}
	var out *Suggestion
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		team, err := s.resolveTeam(ctx, q, orgID, teamID, op)
		if err != nil {
			return err
		}
		dayStart, dayEnd := s.cal.DayWindow(year, month, day)
		bookings, blackouts, err := s.loadBlocking(ctx, q, orgID, team.ID, dayStart, dayEnd)
		if err != nil {
			return err
		}
		slots := s.engine.OpenSlots(team, year, month, day, int(durationMinutes), bookings, blackouts)
		suggestion := s.engine.Suggest(slots, windowStartMin, windowEndMin, hasWindow)
		out = &suggestion
		return nil
	})
	return out, err
}

// CheckConflicts lists everything blocking the window for the team, and for
// the worker when one is given. excludeBooking ignores the booking being
// moved.
func (s *Service) CheckConflicts(ctx context.Context, orgID uuid.UUID, start, end time.Time, teamID, workerID, excludeBooking uuid.UUID) ([]Conflict, error) {
	const op = "schedule.conflicts"
	if !end.After(start) {
		return nil, domain.Invalid(op, "ends_at must be after starts_at")
	}
	var out []Conflict
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		bookings, blackouts, err := s.loadBlocking(ctx, q, orgID, teamID, start, end)
		if err != nil {
			return err
		}
		out = s.engine.Conflicts(start, end, bookings, blackouts, excludeBooking)
		if workerID != uuid.Nil {
			buf := BookingBufferMinutes * time.Minute
			workerBookings, err := q.ListWorkerBookingsInWindow(ctx, orgID, workerID, start.Add(-buf), end.Add(buf))
			if err != nil {
				return err
			}
			out = append(out, s.engine.WorkerConflicts(start, end, workerBookings, excludeBooking)...)
		}
		return nil
	})
	return out, err
}

// Assignees lists the teams and workers free to take a window.
type Assignees struct {
	Teams   []domain.Team   `json:"teams"`
	Workers []domain.Worker `json:"workers"`
}

// SuggestAssignees lists the teams with nothing blocking the window and the
// active workers on those teams who are themselves free. excludeBooking
// ignores the booking being reassigned.
func (s *Service) SuggestAssignees(ctx context.Context, orgID uuid.UUID, start, end time.Time, excludeBooking uuid.UUID) (*Assignees, error) {
	const op = "schedule.assignees"
	if !end.After(start) {
		return nil, domain.Invalid(op, "ends_at must be after starts_at")
	}
	out := &Assignees{Teams: []domain.Team{}, Workers: []domain.Worker{}}
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		teams, err := q.ListTeams(ctx, orgID)
		if err != nil {
			return err
		}
		free := make(map[uuid.UUID]bool, len(teams))
		for i := range teams {
			bookings, blackouts, err := s.loadBlocking(ctx, q, orgID, teams[i].ID, start, end)
			if err != nil {
				return err
			}
			if len(s.engine.Conflicts(start, end, bookings, blackouts, excludeBooking)) == 0 {
				free[teams[i].ID] = true
				out.Teams = append(out.Teams, teams[i])
			}
		}
		workers, err := q.ListActiveWorkers(ctx, orgID, uuid.Nil)
		if err != nil {
			return err
		}
		buf := BookingBufferMinutes * time.Minute
		for i := range workers {
			if !free[workers[i].TeamID] {
				continue
			}
			wb, err := q.ListWorkerBookingsInWindow(ctx, orgID, workers[i].ID, start.Add(-buf), end.Add(buf))
			if err != nil {
				return err
			}
			if len(s.engine.WorkerConflicts(start, end, wb, excludeBooking)) == 0 {
				out.Workers = append(out.Workers, workers[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBooking inserts a PENDING booking with its policy and risk snapshots.
// The team row lock serializes concurrent creates: of two identical calls one
// succeeds and the other sees the conflict.
func (s *Service) CreateBooking(ctx context.Context, orgID uuid.UUID, p CreateParams) (*domain.Booking, error) {
	const op = "schedule.create"
	if p.DurationMinutes < MinDurationMinutes {
		return nil, domain.Invalid(op, fmt.Sprintf("duration_minutes must be at least %d", MinDurationMinutes))
	}
	now := s.clk.Now()

	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		team, err := s.lockTeam(ctx, q, orgID, p.TeamID, op)
		if err != nil {
			return err
		}

		decision, err := s.evaluatePolicy(ctx, q, orgID, p, now)
		if err != nil {
			return err
		}

		end := p.StartsAt.Add(time.Duration(p.DurationMinutes) * time.Minute)
		if err := s.requireOpenSlot(ctx, q, orgID, team.ID, p.StartsAt, end, uuid.Nil, op); err != nil {
			return err
		}

		snapshot, err := json.Marshal(decision)
		if err != nil {
			return domain.Internal(err, op, "encode policy snapshot")
		}

		b := &domain.Booking{
			ID:              uuid.New(),
			OrgID:           orgID,
			TeamID:          team.ID,
			LeadID:          p.LeadID,
			ClientID:        p.ClientID,
			StartsAt:        p.StartsAt.UTC(),
			DurationMinutes: p.DurationMinutes,
			ServiceType:     p.ServiceType,
			Status:          domain.BookingPending,
			DepositRequired: decision.Deposit.Required,
			DepositCents:    decision.Deposit.AmountCents,
			PolicySnapshot:  snapshot,
			RiskScore:       decision.Risk.Score,
			RiskBand:        decision.Risk.Band,
			RiskReasons:     decision.Risk.Reasons,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if b.DepositRequired {
			b.DepositStatus = domain.DepositPending
		}
		if err := q.CreateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "insert booking")
		}
		out = b
		return nil
	})
	return out, err
}

// MoveBooking changes the start (and optionally duration or team) of a
// booking after re-validating the slot. Cross-org bookings surface as not
// found.
func (s *Service) MoveBooking(ctx context.Context, orgID, bookingID uuid.UUID, startsAt time.Time, durationMinutes int32, teamID uuid.UUID) (*domain.Booking, error) {
	return s.relocate(ctx, "schedule.move", orgID, bookingID, startsAt, durationMinutes, teamID, false)
}

// RescheduleBooking moves a booking and recomputes its policy snapshot for
// the new start. A deposit downgrade recorded on the old snapshot survives:
// it is re-applied with the same reason.
func (s *Service) RescheduleBooking(ctx context.Context, orgID, bookingID uuid.UUID, startsAt time.Time, durationMinutes int32) (*domain.Booking, error) {
	return s.relocate(ctx, "schedule.reschedule", orgID, bookingID, startsAt, durationMinutes, uuid.Nil, true)
}

func (s *Service) relocate(ctx context.Context, op string, orgID, bookingID uuid.UUID, startsAt time.Time, durationMinutes int32, teamID uuid.UUID, resnap bool) (*domain.Booking, error) {
	if durationMinutes != 0 && durationMinutes < MinDurationMinutes {
		return nil, domain.Invalid(op, fmt.Sprintf("duration_minutes must be at least %d", MinDurationMinutes))
	}
	now := s.clk.Now()

	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		// Peek at the booking to learn its team, then take locks in canonical
		// order: team before booking.
		peek, err := q.GetBooking(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		targetTeam := peek.TeamID
		if teamID != uuid.Nil {
			targetTeam = teamID
		}
		if _, err := q.GetTeamForUpdate(ctx, orgID, targetTeam); err != nil {
			return asNotFound(err, op, "team", targetTeam)
		}
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		if b.Status.Terminal() {
			return domain.Invalid(op, fmt.Sprintf("cannot move a %s booking", strings.ToLower(string(b.Status))))
		}

		duration := b.DurationMinutes
		if durationMinutes != 0 {
			duration = durationMinutes
		}
		end := startsAt.Add(time.Duration(duration) * time.Minute)
		if err := s.requireOpenSlot(ctx, q, orgID, targetTeam, startsAt, end, b.ID, op); err != nil {
			return err
		}

		b.TeamID = targetTeam
		b.StartsAt = startsAt.UTC()
		b.DurationMinutes = duration
		b.UpdatedAt = now

		if resnap {
			decision, err := s.evaluatePolicy(ctx, q, orgID, CreateParams{
				LeadID:              b.LeadID,
				ClientID:            b.ClientID,
				StartsAt:            startsAt,
				DurationMinutes:     duration,
				ServiceType:         b.ServiceType,
				EstimatedTotalCents: estimatedTotal(b),
			}, now)
			if err != nil {
				return err
			}
			for _, reason := range downgradeReasons(b.PolicySnapshot) {
				decision = decision.Downgrade(reason)
			}
			snapshot, err := json.Marshal(decision)
			if err != nil {
				return domain.Internal(err, op, "encode policy snapshot")
			}
			b.PolicySnapshot = snapshot
			b.DepositRequired = decision.Deposit.Required
			b.DepositCents = decision.Deposit.AmountCents
			b.RiskScore = decision.Risk.Score
			b.RiskBand = decision.Risk.Band
			b.RiskReasons = decision.Risk.Reasons
			if b.DepositRequired && b.DepositStatus == domain.DepositNone {
				b.DepositStatus = domain.DepositPending
			}
			if !b.DepositRequired && b.DepositStatus == domain.DepositPending {
				b.DepositStatus = domain.DepositNone
			}
		}

		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "update booking")
		}
		out = b
		return nil
	})
	return out, err
}

// ConfirmBooking transitions PENDING to CONFIRMED. The deposit gate applies;
// HIGH-risk bookings reach CONFIRMED only through this explicit call.
func (s *Service) ConfirmBooking(ctx context.Context, orgID, bookingID uuid.UUID) (*domain.Booking, error) {
	const op = "schedule.confirm"
	return s.transition(ctx, op, orgID, bookingID, domain.BookingConfirmed, func(b *domain.Booking) error {
		if b.ConfirmBlockedByDeposit() {
			return domain.Precondition(op, "deposit has not been paid")
		}
		return nil
	})
}

// CancelBooking transitions a booking to CANCELLED.
func (s *Service) CancelBooking(ctx context.Context, orgID, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.transition(ctx, "schedule.cancel", orgID, bookingID, domain.BookingCancelled, nil)
}

func (s *Service) transition(ctx context.Context, op string, orgID, bookingID uuid.UUID, to domain.BookingStatus, gate func(*domain.Booking) error) (*domain.Booking, error) {
	now := s.clk.Now()
	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		if !domain.CanTransition(b.Status, to) {
			return domain.Invalid(op, fmt.Sprintf("cannot transition %s to %s", b.Status, to))
		}
		if gate != nil {
			if err := gate(b); err != nil {
				return err
			}
		}
		b.Status = to
		b.UpdatedAt = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "update booking")
		}
		out = b
		return nil
	})
	return out, err
}

// MarkCompleted transitions CONFIRMED to DONE and records the actual duration.
func (s *Service) MarkCompleted(ctx context.Context, orgID, bookingID uuid.UUID, actualMinutes int32) (*domain.Booking, error) {
	const op = "schedule.complete"
	if actualMinutes <= 0 {
		return nil, domain.Invalid(op, "actual_duration_minutes must be positive")
	}
	now := s.clk.Now()
	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		if b.Status == domain.BookingDone {
			return domain.Invalid(op, "booking is already completed")
		}
		if !domain.CanTransition(b.Status, domain.BookingDone) {
			return domain.Invalid(op, fmt.Sprintf("cannot transition %s to %s", b.Status, domain.BookingDone))
		}
		b.Status = domain.BookingDone
		b.ActualDurationMinutes = actualMinutes
		b.UpdatedAt = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "update booking")
		}
		if actualMinutes > b.DurationMinutes+s.overrunThreshold() {
			detail := map[string]string{
				"planned_minutes": fmt.Sprintf("%d", b.DurationMinutes),
				"actual_minutes":  fmt.Sprintf("%d", actualMinutes),
			}
			if err := s.audit(ctx, q, orgID, uuid.Nil, "booking.overrun", b.ID, detail, now); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	return out, err
}

// BlockTeamSlot records a blackout after verifying the window is free.
func (s *Service) BlockTeamSlot(ctx context.Context, orgID, teamID uuid.UUID, startsAt, endsAt time.Time, reason string) (*domain.TeamBlackout, error) {
	const op = "schedule.block"
	if !endsAt.After(startsAt) {
		return nil, domain.Invalid(op, "ends_at must be after starts_at")
	}
	var out *domain.TeamBlackout
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetTeamForUpdate(ctx, orgID, teamID); err != nil {
			return asNotFound(err, op, "team", teamID)
		}
		bookings, blackouts, err := s.loadBlocking(ctx, q, orgID, teamID, startsAt, endsAt)
		if err != nil {
			return err
		}
		if conflicts := s.engine.Conflicts(startsAt, endsAt, bookings, blackouts, uuid.Nil); len(conflicts) > 0 {
			return domain.Conflict(op, fmt.Sprintf("window overlaps an existing %s", conflicts[0].Kind))
		}
		bl := &domain.TeamBlackout{
			ID:       uuid.New(),
			OrgID:    orgID,
			TeamID:   teamID,
			StartsAt: startsAt.UTC(),
			EndsAt:   endsAt.UTC(),
			Reason:   reason,
		}
		if err := q.CreateBlackout(ctx, bl); err != nil {
			return domain.Internal(err, op, "insert blackout")
		}
		out = bl
		return nil
	})
	return out, err
}

// BulkUpdate applies team and status changes across a set of bookings,
// skipping ones whose state machine rejects the transition, and optionally
// enqueues reminder emails. Reminder dedupe keys make re-runs no-ops.
func (s *Service) BulkUpdate(ctx context.Context, orgID uuid.UUID, p BulkParams) (*BulkResult, error) {
	const op = "schedule.bulk"
	now := s.clk.Now()
	res := &BulkResult{}
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		bookings, err := q.ListBookingsByIDs(ctx, orgID, p.BookingIDs)
		if err != nil {
			return domain.Internal(err, op, "load bookings")
		}
		for i := range bookings {
			b := &bookings[i]
			changed := false
			if p.TeamID != uuid.Nil && p.TeamID != b.TeamID {
				b.TeamID = p.TeamID
				changed = true
			}
			if p.Status != "" && p.Status != b.Status {
				if !domain.CanTransition(b.Status, p.Status) {
					s.logger.Warn("bulk update skipped invalid transition",
						slog.String("booking_id", b.ID.String()),
						slog.String("from", string(b.Status)),
						slog.String("to", string(p.Status)))
					continue
				}
				if p.Status == domain.BookingConfirmed && b.ConfirmBlockedByDeposit() {
					continue
				}
				b.Status = p.Status
				changed = true
			}
			if changed {
				b.UpdatedAt = now
				if err := q.UpdateBooking(ctx, b); err != nil {
					return domain.Internal(err, op, "update booking")
				}
				res.Updated++
			}
			if p.SendReminder {
				sent, err := s.enqueueReminder(ctx, q, b, now)
				if err != nil {
					return err
				}
				if sent {
					res.RemindersSent++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DowngradeDeposit removes the deposit requirement, appending the marker to
// the snapshot's reasons and writing an audit record. Idempotent per reason.
func (s *Service) DowngradeDeposit(ctx context.Context, orgID, bookingID, actorID uuid.UUID, reason string) (*domain.Booking, error) {
	const op = "schedule.downgrade_deposit"
	if reason == "" {
		return nil, domain.Invalid(op, "reason is required")
	}
	now := s.clk.Now()
	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		var decision policy.Decision
		if len(b.PolicySnapshot) > 0 {
			if err := json.Unmarshal(b.PolicySnapshot, &decision); err != nil {
				return domain.Internal(err, op, "decode policy snapshot")
			}
		}
		decision = decision.Downgrade(reason)
		snapshot, err := json.Marshal(decision)
		if err != nil {
			return domain.Internal(err, op, "encode policy snapshot")
		}
		b.PolicySnapshot = snapshot
		b.DepositRequired = false
		b.DepositCents = 0
		if b.DepositStatus == domain.DepositPending {
			b.DepositStatus = domain.DepositNone
		}
		b.UpdatedAt = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "update booking")
		}
		if err := s.audit(ctx, q, orgID, actorID, "policy.downgrade_deposit", b.ID, map[string]string{"reason": reason}, now); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// SetRiskBand overrides the booking's risk band with an audit trail.
func (s *Service) SetRiskBand(ctx context.Context, orgID, bookingID, actorID uuid.UUID, band domain.RiskBand) (*domain.Booking, error) {
	const op = "schedule.set_risk_band"
	switch band {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
	default:
		return nil, domain.Invalid(op, "unknown risk band")
	}
	now := s.clk.Now()
	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		prev := b.RiskBand
		b.RiskBand = band
		b.UpdatedAt = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "update booking")
		}
		if err := s.audit(ctx, q, orgID, actorID, "policy.set_risk_band", b.ID, map[string]string{"from": string(prev), "to": string(band)}, now); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// GrantCancellationException flags the booking for a fee-free cancellation.
func (s *Service) GrantCancellationException(ctx context.Context, orgID, bookingID, actorID uuid.UUID, note string) (*domain.Booking, error) {
	const op = "schedule.cancellation_exception"
	now := s.clk.Now()
	var out *domain.Booking
	err := s.tx.WithinTx(ctx, func(q repository.Querier) error {
		b, err := q.GetBookingForUpdate(ctx, orgID, bookingID)
		if err != nil {
			return asNotFound(err, op, "booking", bookingID)
		}
		b.CancellationException = true
		b.CancellationExceptionNote = note
		b.UpdatedAt = now
		if err := q.UpdateBooking(ctx, b); err != nil {
			return domain.Internal(err, op, "update booking")
		}
		if err := s.audit(ctx, q, orgID, actorID, "policy.cancellation_exception", b.ID, map[string]string{"note": note}, now); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// resolveTeam reads the team, falling back to the org's default.
func (s *Service) resolveTeam(ctx context.Context, q repository.Querier, orgID, teamID uuid.UUID, op string) (*domain.Team, error) {
	if teamID != uuid.Nil {
		t, err := q.GetTeam(ctx, orgID, teamID)
		if err != nil {
			return nil, asNotFound(err, op, "team", teamID)
		}
		return t, nil
	}
	t, err := q.GetDefaultTeam(ctx, orgID)
	if err != nil {
		return nil, asNotFound(err, op, "team", orgID)
	}
	return t, nil
}

// lockTeam locks the target team, bootstrapping a default team for the org
// when none exists. The bootstrap insert is idempotent under concurrency: on
// conflict the existing row is re-read.
func (s *Service) lockTeam(ctx context.Context, q repository.Querier, orgID, teamID uuid.UUID, op string) (*domain.Team, error) {
	if teamID != uuid.Nil {
		t, err := q.GetTeamForUpdate(ctx, orgID, teamID)
		if err != nil {
			return nil, asNotFound(err, op, "team", teamID)
		}
		return t, nil
	}
	t, err := q.GetDefaultTeam(ctx, orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		seed := &domain.Team{
			ID:        uuid.New(),
			OrgID:     orgID,
			Name:      "Default Team",
			CreatedAt: s.clk.Now(),
		}
		if err := q.CreateTeam(ctx, seed); err != nil {
			return nil, domain.Internal(err, op, "bootstrap default team")
		}
		t, err = q.GetDefaultTeam(ctx, orgID)
		if err != nil {
			return nil, domain.Internal(err, op, "reread default team")
		}
	} else if err != nil {
		return nil, domain.Internal(err, op, "load default team")
	}
	locked, err := q.GetTeamForUpdate(ctx, orgID, t.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "lock team")
	}
	return locked, nil
}

// loadBlocking reads the bookings and blackouts that can block [start, end),
// widened by the booking buffer on both sides.
func (s *Service) loadBlocking(ctx context.Context, q repository.Querier, orgID, teamID uuid.UUID, start, end time.Time) ([]domain.Booking, []domain.TeamBlackout, error) {
	buf := BookingBufferMinutes * time.Minute
	bookings, err := q.ListBookingsInWindow(ctx, orgID, teamID, start.Add(-buf), end.Add(buf))
	if err != nil {
		return nil, nil, err
	}
	blackouts, err := q.ListBlackoutsInWindow(ctx, orgID, teamID, start.Add(-buf), end.Add(buf))
	if err != nil {
		return nil, nil, err
	}
	return bookings, blackouts, nil
}

func (s *Service) requireOpenSlot(ctx context.Context, q repository.Querier, orgID, teamID uuid.UUID, start, end time.Time, exclude uuid.UUID, op string) error {
	bookings, blackouts, err := s.loadBlocking(ctx, q, orgID, teamID, start, end)
	if err != nil {
		return domain.Internal(err, op, "load schedule window")
	}
	conflicts := s.engine.Conflicts(start, end, bookings, blackouts, exclude)
	if len(conflicts) > 0 {
		return domain.Conflict(op, fmt.Sprintf("slot unavailable: overlaps %s %s", conflicts[0].Kind, conflicts[0].Reference))
	}
	return nil
}

func (s *Service) evaluatePolicy(ctx context.Context, q repository.Querier, orgID uuid.UUID, p CreateParams, now time.Time) (policy.Decision, error) {
	in := policy.Inputs{
		Now:                 now,
		StartsAt:            p.StartsAt,
		ServiceType:         p.ServiceType,
		EstimatedTotalCents: p.EstimatedTotalCents,
		FirstTimeClient:     true,
	}
	if p.LeadID != uuid.Nil {
		lead, err := q.GetLead(ctx, orgID, p.LeadID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return policy.Decision{}, domain.Internal(err, "schedule.policy", "load lead")
		}
		if lead != nil {
			in.PostalCode = lead.PostalCode
		}
		history, err := q.CountLeadHistory(ctx, orgID, p.LeadID)
		if err != nil {
			return policy.Decision{}, domain.Internal(err, "schedule.policy", "count lead history")
		}
		in.FirstTimeClient = history == 0
	}
	if p.LeadID != uuid.Nil || p.ClientID != uuid.Nil {
		cancels, err := q.CountLeadCancellations(ctx, orgID, p.LeadID, p.ClientID)
		if err != nil {
			return policy.Decision{}, domain.Internal(err, "schedule.policy", "count cancellations")
		}
		in.CancellationCount = cancels
	}
	return policy.Evaluate(s.policyCfg, in), nil
}

func (s *Service) enqueueReminder(ctx context.Context, q repository.Querier, b *domain.Booking, now time.Time) (bool, error) {
	const op = "schedule.reminder"
	if b.LeadID == uuid.Nil {
		return false, nil
	}
	lead, err := q.GetLead(ctx, b.OrgID, b.LeadID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, domain.Internal(err, op, "load lead")
	}
	if lead.Email == "" {
		return false, nil
	}
	local := b.StartsAt.In(s.cal.Location())
	return outbox.EnqueueEmail(ctx, q, outbox.Email{
		OrgID:     b.OrgID,
		DedupeKey: fmt.Sprintf("booking:%s:reminder:%s", b.ID, local.Format("2006-01-02")),
		Recipient: lead.Email,
		Subject:   fmt.Sprintf("Reminder: your %s on %s", serviceLabel(b.ServiceType), local.Format("Mon Jan 2 at 15:04")),
		Body:      fmt.Sprintf("Hi %s, this is a reminder for your upcoming appointment on %s.", lead.Name, local.Format("Monday, January 2 at 15:04")),
		EmailType: "booking_reminder",
		BookingID: b.ID,
	}, s.emailMaxRetries, now)
}

func serviceLabel(serviceType string) string {
	if serviceType == "" {
		return "appointment"
	}
	return strings.ReplaceAll(serviceType, "_", " ") + " clean"
}

func (s *Service) audit(ctx context.Context, q repository.Querier, orgID, actorID uuid.UUID, action string, entityID uuid.UUID, detail map[string]string, now time.Time) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return domain.Internal(err, "schedule.audit", "encode audit detail")
	}
	if err := q.InsertAudit(ctx, &domain.AuditRecord{
		ID:        uuid.New(),
		OrgID:     orgID,
		ActorID:   actorID,
		Action:    action,
		EntityID:  entityID,
		Detail:    raw,
		CreatedAt: now,
	}); err != nil {
		return domain.Internal(err, "schedule.audit", "insert audit record")
	}
	return nil
}

// downgradeReasons extracts downgraded:<reason> markers from a snapshot.
func downgradeReasons(snapshot json.RawMessage) []string {
	if len(snapshot) == 0 {
		return nil
	}
	var decision policy.Decision
	if err := json.Unmarshal(snapshot, &decision); err != nil {
		return nil
	}
	var reasons []string
	for _, r := range decision.Deposit.Reasons {
		if rest, ok := strings.CutPrefix(r, "downgraded:"); ok {
			reasons = append(reasons, rest)
		}
	}
	return reasons
}

// estimatedTotal recovers the estimate recorded in the original snapshot so a
// reschedule evaluates against the same amount.
func estimatedTotal(b *domain.Booking) int64 {
	if len(b.PolicySnapshot) == 0 {
		return 0
	}
	var decision policy.Decision
	if err := json.Unmarshal(b.PolicySnapshot, &decision); err != nil {
		return 0
	}
	return decision.EstimatedTotalCents
}

func asNotFound(err error, op, resource string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(op, resource, id.String())
	}
	return domain.Internal(err, op, "load "+resource)
}
