package bucket

import (
	"errors"
	"testing"
	"time"

	"marketcore/internal/model"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func TestParseInterval(t *testing.T) {
	good := map[string]time.Duration{
		"1s":  time.Second,
		"30s": 30 * time.Second,
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15M": 15 * time.Minute,
		"1h":  time.Hour,
		" 2h": 2 * time.Hour,
	}
	for in, want := range good {
		got, err := ParseInterval(in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got %v, want %v", in, got, want)
		}
	}

	for _, in := range []string{"", "m", "5d", "0m", "-1m", "abcm", "25h"} {
		_, err := ParseInterval(in)
		if !errors.Is(err, model.ErrConfig) {
			t.Errorf("%q: expected ConfigError, got %v", in, err)
		}
	}
}

func TestLoadLocation_Unknown(t *testing.T) {
	if _, err := LoadLocation("Mars/Olympus_Mons"); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	loc, err := LoadLocation("")
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC for empty name, got %v %v", loc, err)
	}
}

func TestStart_WinterNewYork(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	ts := time.Date(2024, 1, 10, 14, 32, 0, 0, time.UTC) // 09:32 EST

	got := Start(ts, ny, 5*time.Minute)
	want := time.Date(2024, 1, 10, 9, 30, 0, 0, ny)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Location() != ny {
		t.Errorf("expected bucket in %v, got %v", ny, got.Location())
	}
}

func TestStart_SummerNewYork(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	ts := time.Date(2024, 7, 10, 13, 32, 0, 0, time.UTC) // 09:32 EDT

	got := Start(ts, ny, 5*time.Minute)
	want := time.Date(2024, 7, 10, 9, 30, 0, 0, ny)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStart_AcrossDSTTransition(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2024-03-10 is the spring-forward day; the session open is still 09:30 local.
	before := Start(time.Date(2024, 3, 8, 14, 31, 0, 0, time.UTC), ny, 30*time.Minute)
	after := Start(time.Date(2024, 3, 11, 13, 31, 0, 0, time.UTC), ny, 30*time.Minute)

	if before.Hour() != 9 || before.Minute() != 30 {
		t.Errorf("before DST: got %s", before.Format("15:04"))
	}
	if after.Hour() != 9 || after.Minute() != 30 {
		t.Errorf("after DST: got %s", after.Format("15:04"))
	}
}

func TestStart_FallBackRepeatedHour(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 2024-11-03 01:00-02:00 local happens twice: 05:00Z-06:00Z (EDT), then
	// 06:00Z-07:00Z (EST).
	cases := []struct {
		ts       time.Time
		interval time.Duration
		want     time.Time
	}{
		{time.Date(2024, 11, 3, 5, 1, 0, 0, time.UTC), 5 * time.Minute, time.Date(2024, 11, 3, 5, 0, 0, 0, time.UTC)},
		{time.Date(2024, 11, 3, 5, 57, 0, 0, time.UTC), 5 * time.Minute, time.Date(2024, 11, 3, 5, 55, 0, 0, time.UTC)},
		{time.Date(2024, 11, 3, 6, 1, 0, 0, time.UTC), 5 * time.Minute, time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC)},
		{time.Date(2024, 11, 3, 6, 59, 0, 0, time.UTC), time.Hour, time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC)},
		// 01:30 EST is in the 00:00-02:00 local bucket, which opened in EDT.
		{time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC), 2 * time.Hour, time.Date(2024, 11, 3, 4, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := Start(c.ts, ny, c.interval)
		if !got.Equal(c.want) {
			t.Errorf("Start(%s, %s) = %s, want %s", c.ts.Format(time.RFC3339), c.interval, got.UTC().Format(time.RFC3339), c.want.Format(time.RFC3339))
		}
		if got.After(c.ts) || c.ts.Sub(got) >= 3*time.Hour {
			t.Errorf("Start(%s, %s) = %s does not contain ts", c.ts.Format(time.RFC3339), c.interval, got.UTC().Format(time.RFC3339))
		}
	}
}

func TestStart_HourlyAlignsToLocalMidnight(t *testing.T) {
	kolkata := mustLoc(t, "Asia/Kolkata")
	// 04:10 UTC = 09:40 IST; an hourly bucket floors to 09:00 local, not 09:30.
	got := Start(time.Date(2024, 2, 1, 4, 10, 0, 0, time.UTC), kolkata, time.Hour)
	want := time.Date(2024, 2, 1, 9, 0, 0, 0, kolkata)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStartMillis_SourceTimezoneIgnored(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	tokyo := mustLoc(t, "Asia/Tokyo")
	ts := time.Date(2024, 1, 10, 23, 34, 59, 0, tokyo) // 09:34:59 EST

	a := Start(ts, ny, 5*time.Minute)
	b := StartMillis(ts.UnixMilli(), ny, 5*time.Minute)
	if !a.Equal(b) {
		t.Fatalf("time.Time and millis disagree: %v vs %v", a, b)
	}
	if a.Hour() != 9 || a.Minute() != 30 {
		t.Errorf("expected 09:30, got %s", a.Format("15:04"))
	}
}

func TestSessionDate(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 02:00 UTC on Jan 11 is still Jan 10 in New York.
	got := SessionDate(time.Date(2024, 1, 11, 2, 0, 0, 0, time.UTC), ny)
	if got != "2024-01-10" {
		t.Fatalf("got %s", got)
	}
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	if err != nil || m != 570 {
		t.Fatalf("got %d %v", m, err)
	}
	if _, err := ParseClock("9.30"); !errors.Is(err, model.ErrConfig) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}
