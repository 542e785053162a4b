package indicator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"marketcore/internal/marketdata/bucket"
	"marketcore/internal/model"
)

// ORB tracks the opening range of each session: the high and low of the
// bars that start inside [start, start+duration). Once the window has
// closed, the first bar whose close leaves the range with at least
// bodyPct of its body beyond the level is flagged +1 (up) or -1 (down).
// At most one breakout fires per session. A new session date in loc
// resets everything.
type ORB struct {
	start    int // minutes after midnight
	duration int // minutes
	bodyPct  float64
	loc      *time.Location

	session  string
	hasRange bool
	high     float64
	low      float64
	closed   bool
	fired    bool
}

// NewORB creates an opening range breakout tracker.
func NewORB(start, duration int, bodyPct float64, loc *time.Location) (*ORB, error) {
	if start < 0 || start >= 24*60 {
		return nil, model.NewConfigError("orb", fmt.Errorf("start %d outside the day", start))
	}
	if duration <= 0 || start+duration > 24*60 {
		return nil, model.NewConfigError("orb", errors.New("duration must be positive and end within the day"))
	}
	if math.IsNaN(bodyPct) || bodyPct < 0 || bodyPct > 1 {
		return nil, model.NewConfigError("orb", errors.New("body_pct must be within [0,1]"))
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ORB{start: start, duration: duration, bodyPct: bodyPct, loc: loc}, nil
}

func (o *ORB) Outputs() []string { return []string{"orb_high", "orb_low", "orb_breakout"} }
func (o *ORB) WarmUp() int       { return 0 }

func (o *ORB) Step(r model.Row) []float64 {
	t := r.Time.In(o.loc)
	if day := bucket.SessionDate(t, o.loc); day != o.session {
		o.session = day
		o.hasRange, o.closed, o.fired = false, false, false
		o.high, o.low = 0, 0
	}

	minute := t.Hour()*60 + t.Minute()
	end := o.start + o.duration

	switch {
	case minute < o.start:
		return []float64{math.NaN(), math.NaN(), 0}

	case minute < end:
		if !o.hasRange {
			o.high, o.low, o.hasRange = r.High, r.Low, true
		} else {
			o.high = math.Max(o.high, r.High)
			o.low = math.Min(o.low, r.Low)
		}
		return []float64{math.NaN(), math.NaN(), 0}
	}

	if !o.hasRange {
		// no bars inside the window this session
		return []float64{math.NaN(), math.NaN(), 0}
	}
	o.closed = true

	signal := 0.0
	if !o.fired {
		signal = o.breakout(r)
		if signal != 0 {
			o.fired = true
		}
	}
	return []float64{o.high, o.low, signal}
}

// breakout classifies one bar against the closed range.
func (o *ORB) breakout(r model.Row) float64 {
	top := math.Max(r.Open, r.Close)
	bottom := math.Min(r.Open, r.Close)
	body := top - bottom

	switch {
	case r.Close > o.high:
		if body == 0 {
			return 1 // doji with open == close above the level
		}
		if (top-math.Max(bottom, o.high))/body >= o.bodyPct {
			return 1
		}
	case r.Close < o.low:
		if body == 0 {
			return -1
		}
		if (math.Min(top, o.low)-bottom)/body >= o.bodyPct {
			return -1
		}
	}
	return 0
}

func (o *ORB) State() State {
	return State{Kind: "orb", ORB: &ORBState{
		Start:    o.start,
		Duration: o.duration,
		BodyPct:  o.bodyPct,
		Session:  o.session,
		HasRange: o.hasRange,
		High:     o.high,
		Low:      o.low,
		Closed:   o.closed,
		Fired:    o.fired,
	}}
}

func (o *ORB) Restore(st State) error {
	if st.Kind != "orb" || st.ORB == nil {
		return stateMismatch("orb", st)
	}
	p := st.ORB
	if p.Start != o.start || p.Duration != o.duration || p.BodyPct != o.bodyPct {
		return paramMismatch("orb", "window", fmt.Sprintf("%d+%d/%g", p.Start, p.Duration, p.BodyPct),
			fmt.Sprintf("%d+%d/%g", o.start, o.duration, o.bodyPct))
	}
	o.session = p.Session
	o.hasRange = p.HasRange
	o.high = p.High
	o.low = p.Low
	o.closed = p.Closed
	o.fired = p.Fired
	return nil
}
