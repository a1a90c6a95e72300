// Package schedule is the scheduling engine: slot generation, conflict
// detection, and the booking lifecycle. Engine holds the pure interval math;
// Service runs the transactional operations on top of it.
package schedule

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
)

const (
	// SlotStepMinutes is the candidate-start granularity.
	SlotStepMinutes = 30

	// BookingBufferMinutes expands existing bookings on both sides during
	// conflict checks. Blackouts carry no buffer.
	BookingBufferMinutes = 30

	// MinDurationMinutes is the smallest allowed booking.
	MinDurationMinutes = 30

	// MaxSuggestions caps the slots returned by SuggestSlots.
	MaxSuggestions = 3
)

// Clarifier codes emitted when slot supply is thin. The detail strings are the
// human side of the same message.
const (
	ClarifierLimited = "limited_availability"
	ClarifierNoSlots = "no_open_slots"
)

// Conflict describes one blocking interval found during a conflict check.
type Conflict struct {
	Kind      string    `json:"kind"` // "booking", "blackout", "worker_booking"
	Reference uuid.UUID `json:"reference"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Note      string    `json:"note,omitempty"`
}

// Suggestion is the outcome of a slot suggestion pass.
type Suggestion struct {
	Slots     []time.Time `json:"slots"`
	Clarifier string      `json:"clarifier,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Engine performs the pure interval math of the scheduler against a business
// calendar.
type Engine struct {
	cal *clock.Calendar
}

func NewEngine(cal *clock.Calendar) *Engine {
	return &Engine{cal: cal}
}

func buffered(start, end time.Time) (time.Time, time.Time) {
	buf := BookingBufferMinutes * time.Minute
	return start.Add(-buf), end.Add(buf)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// workingWindow resolves the team's UTC working window for the local date.
func (e *Engine) workingWindow(team *domain.Team, year int, month time.Month, day int) (time.Time, time.Time) {
	probe := time.Date(year, month, day, 12, 0, 0, 0, e.cal.Location())
	hours, ok := team.WorkingHours[probe.Weekday()]
	if !ok {
		hours = domain.DefaultWorkingHours
	}
	return e.cal.LocalWindow(year, month, day, hours.StartMinute, hours.EndMinute)
}

// OpenSlots enumerates candidate starts at 30-minute steps within the team's
// working hours for the local date and keeps those whose window overlaps no
// blocking interval. Bookings in PENDING or CONFIRMED block with a buffer on
// both sides; blackouts block exactly their [start, end) window.
func (e *Engine) OpenSlots(team *domain.Team, year int, month time.Month, day, durationMinutes int, bookings []domain.Booking, blackouts []domain.TeamBlackout) []time.Time {
	if durationMinutes < MinDurationMinutes {
		return nil
	}
	winStart, winEnd := e.workingWindow(team, year, month, day)
	duration := time.Duration(durationMinutes) * time.Minute
	step := SlotStepMinutes * time.Minute

	var slots []time.Time
	for start := winStart; !start.Add(duration).After(winEnd); start = start.Add(step) {
		if len(e.conflictsAt(start, start.Add(duration), bookings, blackouts, uuid.Nil)) == 0 {
			slots = append(slots, start)
		}
	}
	return slots
}

// Conflicts lists every blocking interval overlapping [start, end), excluding
// the booking identified by exclude (the one being moved).
func (e *Engine) Conflicts(start, end time.Time, bookings []domain.Booking, blackouts []domain.TeamBlackout, exclude uuid.UUID) []Conflict {
	return e.conflictsAt(start, end, bookings, blackouts, exclude)
}

// WorkerConflicts applies the booking overlap rule against one worker's
// bookings across the org.
func (e *Engine) WorkerConflicts(start, end time.Time, workerBookings []domain.Booking, exclude uuid.UUID) []Conflict {
	var out []Conflict
	for i := range workerBookings {
		b := &workerBookings[i]
		if b.ID == exclude || !b.Blocking() {
			continue
		}
		blockStart, blockEnd := buffered(b.StartsAt, b.End())
		if overlaps(start, end, blockStart, blockEnd) {
			out = append(out, Conflict{
				Kind:      "worker_booking",
				Reference: b.ID,
				StartsAt:  b.StartsAt,
				EndsAt:    b.End(),
				Note:      "assigned worker is booked",
			})
		}
	}
	return out
}

func (e *Engine) conflictsAt(start, end time.Time, bookings []domain.Booking, blackouts []domain.TeamBlackout, exclude uuid.UUID) []Conflict {
	var out []Conflict
	for i := range bookings {
		b := &bookings[i]
		if b.ID == exclude || !b.Blocking() {
			continue
		}
		blockStart, blockEnd := buffered(b.StartsAt, b.End())
		if overlaps(start, end, blockStart, blockEnd) {
			out = append(out, Conflict{
				Kind:      "booking",
				Reference: b.ID,
				StartsAt:  b.StartsAt,
				EndsAt:    b.End(),
				Note:      "existing booking within buffer",
			})
		}
	}
	for i := range blackouts {
		bl := &blackouts[i]
		if overlaps(start, end, bl.StartsAt, bl.EndsAt) {
			out = append(out, Conflict{
				Kind:      "blackout",
				Reference: bl.ID,
				StartsAt:  bl.StartsAt,
				EndsAt:    bl.EndsAt,
				Note:      bl.Reason,
			})
		}
	}
	return out
}

// Suggest picks up to three slots, preferring those inside the optional local
// time-of-day window [windowStartMin, windowEndMin). When the window yields
// fewer than two, nearby same-day slots pad the list and a clarifier code is
// emitted; when nothing is open at all the clarifier says so.
func (e *Engine) Suggest(slots []time.Time, windowStartMin, windowEndMin int, hasWindow bool) Suggestion {
	if len(slots) == 0 {
		return Suggestion{
			Clarifier: ClarifierNoSlots,
			Detail:    "no open slots on that day",
		}
	}

	if !hasWindow {
		return Suggestion{Slots: firstN(slots, MaxSuggestions)}
	}

	var inWindow, outside []time.Time
	for _, s := range slots {
		m := e.cal.MinuteOfDay(s)
		if m >= windowStartMin && m < windowEndMin {
			inWindow = append(inWindow, s)
		} else {
			outside = append(outside, s)
		}
	}

	if len(inWindow) >= 2 {
		return Suggestion{Slots: firstN(inWindow, MaxSuggestions)}
	}

	// Thin supply inside the window: pad with the nearest outside slots.
	mid := (windowStartMin + windowEndMin) / 2
	sort.SliceStable(outside, func(i, j int) bool {
		return absInt(e.cal.MinuteOfDay(outside[i])-mid) < absInt(e.cal.MinuteOfDay(outside[j])-mid)
	})
	picked := append(append([]time.Time{}, inWindow...), outside...)
	picked = firstN(picked, MaxSuggestions)
	sort.Slice(picked, func(i, j int) bool { return picked[i].Before(picked[j]) })

	return Suggestion{
		Slots:     picked,
		Clarifier: ClarifierLimited,
		Detail:    "limited availability in the requested window; can we look at nearby times?",
	}
}

func firstN(ts []time.Time, n int) []time.Time {
	if len(ts) > n {
		ts = ts[:n]
	}
	return ts
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
