// Package clock provides an injectable wall clock and the business calendar
// used to translate org-local days and working hours into UTC windows.
// The core never calls time.Now directly.
package clock

import "time"

// Clock returns the current instant in UTC.
type Clock interface {
	Now() time.Time
}

// System is the production clock.
type System struct{}

func NewSystem() System { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

// Calendar computes local-day and working-hour windows for the configured
// business timezone. Booking times are stored in UTC; day bounds and cutoffs
// are computed in local time and converted back.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the business timezone. An empty name means UTC.
func NewCalendar(tz string) (*Calendar, error) {
	if tz == "" {
		return &Calendar{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Calendar{loc: loc}, nil
}

// Location returns the business timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// DayWindow returns the UTC bounds [start, end) of the local calendar day
// containing the given local date (year, month, day in business time).
func (c *Calendar) DayWindow(year int, month time.Month, day int) (time.Time, time.Time) {
	start := time.Date(year, month, day, 0, 0, 0, 0, c.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// LocalWindow returns the UTC bounds of a minutes-from-midnight window on the
// local date. Used for team working hours.
func (c *Calendar) LocalWindow(year int, month time.Month, day, startMinute, endMinute int) (time.Time, time.Time) {
	base := time.Date(year, month, day, 0, 0, 0, 0, c.loc)
	return base.Add(time.Duration(startMinute) * time.Minute).UTC(),
		base.Add(time.Duration(endMinute) * time.Minute).UTC()
}

// Weekday returns the local weekday of a UTC instant.
func (c *Calendar) Weekday(t time.Time) time.Weekday {
	return t.In(c.loc).Weekday()
}

// MinuteOfDay returns the local minutes-from-midnight of a UTC instant.
func (c *Calendar) MinuteOfDay(t time.Time) int {
	local := t.In(c.loc)
	return local.Hour()*60 + local.Minute()
}
