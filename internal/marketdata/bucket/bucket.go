// Package bucket aligns trade timestamps to fixed-interval bar buckets.
//
// Alignment is done on local wall-clock time in the target location, so a
// 5-minute bucket that starts at 09:30 America/New_York starts at 09:30 on
// both sides of a DST transition.
package bucket

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketcore/internal/model"
)

const day = 24 * time.Hour

// ParseInterval parses "<N>s", "<N>m" or "<N>h" into a duration.
func ParseInterval(s string) (time.Duration, error) {
	spec := strings.TrimSpace(s)
	if len(spec) < 2 {
		return 0, model.NewConfigError("parse interval", fmt.Errorf("invalid interval %q", s))
	}

	var unit time.Duration
	switch spec[len(spec)-1] {
	case 's', 'S':
		unit = time.Second
	case 'm', 'M':
		unit = time.Minute
	case 'h', 'H':
		unit = time.Hour
	default:
		return 0, model.NewConfigError("parse interval", fmt.Errorf("unknown unit in %q (want s, m or h)", s))
	}

	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil {
		return 0, model.NewConfigError("parse interval", fmt.Errorf("invalid count in %q: %w", s, err))
	}
	if n <= 0 {
		return 0, model.NewConfigError("parse interval", fmt.Errorf("interval %q must be positive", s))
	}

	d := time.Duration(n) * unit
	if d > day {
		return 0, model.NewConfigError("parse interval", fmt.Errorf("interval %q exceeds one day", s))
	}
	return d, nil
}

// LoadLocation resolves an IANA timezone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, model.NewConfigError("load location", err)
	}
	return loc, nil
}

// Start returns the start of the bucket containing ts: ts is converted to
// loc, and its wall-clock time since local midnight is floored to a
// multiple of interval. In a repeated hour the bucket keeps the offset of ts.
func Start(ts time.Time, loc *time.Location, interval time.Duration) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	if interval <= 0 {
		return local
	}

	step := int(interval / time.Second)
	if step <= 0 {
		step = 1
	}
	wall := local.Hour()*3600 + local.Minute()*60 + local.Second()
	floored := wall - wall%step

	y, m, d := local.Date()
	c := time.Date(y, m, d, 0, 0, floored, 0, loc)
	if c.After(ts) || ts.Sub(c) >= interval {
		// time.Date resolved an ambiguous wall clock (the repeated hour at a
		// fall-back) to the other offset; move it to the trade's offset.
		_, offL := local.Zone()
		_, offC := c.Zone()
		if offL != offC {
			c2 := c.Add(time.Duration(offC-offL) * time.Second).In(loc)
			if c2.Hour() == c.Hour() && c2.Minute() == c.Minute() && c2.Second() == c.Second() && !c2.After(ts) {
				return c2
			}
		}
	}
	return c
}

// StartMillis is Start for an epoch-milliseconds timestamp.
func StartMillis(ms int64, loc *time.Location, interval time.Duration) time.Time {
	return Start(time.UnixMilli(ms), loc, interval)
}

// SessionDate returns the local calendar date of ts in loc as YYYY-MM-DD.
func SessionDate(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(time.DateOnly)
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, model.NewConfigError("parse clock", errors.New("want HH:MM, got "+strconv.Quote(s)))
	}
	return t.Hour()*60 + t.Minute(), nil
}
