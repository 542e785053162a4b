package markethours

import (
	"fmt"
	"strings"
	"time"
)

// Holidays is a set of exchange holidays keyed by local date "2006-01-02".
type Holidays map[string]bool

// ParseHolidays parses a comma-separated list of YYYY-MM-DD dates.
func ParseHolidays(s string) (Holidays, error) {
	h := Holidays{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", part)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", part, err)
		}
		h[d.Format("2006-01-02")] = true
	}
	return h, nil
}

// Contains reports whether t's date, as seen in t's own location, is a holiday.
func (h Holidays) Contains(t time.Time) bool {
	return h[t.Format("2006-01-02")]
}
