// Package markethours knows the trading session of one exchange in its own
// timezone: open and close wall-clock times, weekends and holidays.
package markethours

import (
	"fmt"
	"time"

	"marketcore/internal/marketdata/bucket"
)

// Session describes a daily trading session.
type Session struct {
	Loc      *time.Location
	Open     int // minutes after local midnight
	Close    int // minutes after local midnight
	Holidays Holidays
}

// NewSession builds a session from "HH:MM" open and close times in loc.
func NewSession(loc *time.Location, open, close string, holidays Holidays) (*Session, error) {
	o, err := bucket.ParseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := bucket.ParseClock(close)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, fmt.Errorf("session close %s not after open %s", close, open)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Session{Loc: loc, Open: o, Close: c, Holidays: holidays}, nil
}

func (s *Session) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, s.Loc)
}

// IsWeekday returns true if t is Mon–Fri in the session timezone.
func (s *Session) IsWeekday(t time.Time) bool {
	wd := t.In(s.Loc).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	return s.IsWeekday(t) && !s.Holidays.Contains(t.In(s.Loc))
}

// IsOpen returns true if t falls inside the session on a trading day.
func (s *Session) IsOpen(t time.Time) bool {
	lt := t.In(s.Loc)
	if !s.IsTradingDay(lt) {
		return false
	}
	return !lt.Before(s.at(lt, s.Open)) && lt.Before(s.at(lt, s.Close))
}

// TodayClose returns the close time on t's local date.
func (s *Session) TodayClose(t time.Time) time.Time {
	return s.at(t.In(s.Loc), s.Close)
}

// IsAfterClose returns true if t is at or past the close of a trading day.
func (s *Session) IsAfterClose(t time.Time) bool {
	lt := t.In(s.Loc)
	return s.IsTradingDay(lt) && !lt.Before(s.TodayClose(lt))
}

// NextClose returns the first session close strictly after t.
func (s *Session) NextClose(t time.Time) time.Time {
	lt := t.In(s.Loc)
	d := lt
	for i := 0; i < 15; i++ { // weekends + holiday runs
		if s.IsTradingDay(d) {
			if c := s.at(d, s.Close); c.After(lt) {
				return c
			}
		}
		d = s.at(d, 0).AddDate(0, 0, 1)
	}
	return s.at(lt, s.Close).AddDate(0, 0, 1)
}

// NextOpen returns the next session open at or after t.
func (s *Session) NextOpen(t time.Time) time.Time {
	lt := t.In(s.Loc)
	d := lt
	for i := 0; i < 15; i++ {
		if s.IsTradingDay(d) {
			if o := s.at(d, s.Open); !o.Before(lt) {
				return o
			}
		}
		d = s.at(d, 0).AddDate(0, 0, 1)
	}
	return s.at(lt, s.Open).AddDate(0, 0, 1)
}

// StatusString returns a human-readable market status.
func (s *Session) StatusString(t time.Time) string {
	if s.IsOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(s.TodayClose(t).Sub(t)))
	}
	next := s.NextOpen(t)
	lt := next.In(s.Loc)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		lt.Weekday().String()[:3], lt.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
