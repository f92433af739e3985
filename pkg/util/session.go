package util

import (
	"fmt"
	"time"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the clock time on the calendar date of t, in loc.
func (c Clock) On(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Session describes the regular trading session of an exchange calendar. Weekends and the
// listed holidays have no session.
type Session struct {
	Loc      *time.Location
	Open     Clock
	Close    Clock
	Holidays map[string]bool
}

const dateLayout = "2006-01-02"

// NewSession builds a Session from a tz name, "HH:MM" open/close and "YYYY-MM-DD" holidays.
func NewSession(tz, open, close string, holidays ...string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", tz, err)
	}
	o, err := ParseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := ParseClock(close)
	if err != nil {
		return nil, err
	}
	s := &Session{Loc: loc, Open: o, Close: c, Holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		d, err := time.ParseInLocation(dateLayout, h, loc)
		if err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", h, err)
		}
		s.Holidays[d.Format(dateLayout)] = true
	}
	return s, nil
}

// IsTradingDay reports whether the calendar date of t, in the session's zone, has a session.
func (s *Session) IsTradingDay(t time.Time) bool {
	local := t.In(s.Loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !s.Holidays[local.Format(dateLayout)]
}

// maxCalendarGap bounds the search for a trading day.
const maxCalendarGap = 31

// SessionStart returns the most recent session open at or before now. Times before a trading
// day's open, and whole non-trading days, belong to the previous session.
func (s *Session) SessionStart(now time.Time) time.Time {
	day := now.In(s.Loc)
	if open := s.Open.On(day, s.Loc); s.IsTradingDay(day) && !now.Before(open) {
		return open
	}
	for i := 0; i < maxCalendarGap; i++ {
		day = day.AddDate(0, 0, -1)
		if s.IsTradingDay(day) {
			break
		}
	}
	return s.Open.On(day, s.Loc)
}

// NextOpen returns the first session open strictly after now.
func (s *Session) NextOpen(now time.Time) time.Time {
	day := now.In(s.Loc)
	for i := 0; i <= maxCalendarGap; i++ {
		if open := s.Open.On(day, s.Loc); s.IsTradingDay(day) && open.After(now) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return s.Open.On(day, s.Loc)
}

// SameSession reports whether a and b fall in the same session.
func (s *Session) SameSession(a, b time.Time) bool {
	return s.SessionStart(a).Equal(s.SessionStart(b))
}

// CloseOn returns the session close on the calendar date of t.
func (s *Session) CloseOn(t time.Time) time.Time {
	return s.Close.On(t, s.Loc)
}

// IsOpen reports whether now is within regular hours of a trading day.
func (s *Session) IsOpen(now time.Time) bool {
	if !s.IsTradingDay(now) {
		return false
	}
	open := s.Open.On(now, s.Loc)
	return !now.Before(open) && now.Before(s.CloseOn(now))
}
