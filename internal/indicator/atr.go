package indicator

import (
	"errors"
	"math"
	"strconv"

	"marketcore/internal/model"
)

// ATR calculates Average True Range with Wilder's smoothing.
// The first row only records the close; true range starts at the second.
type ATR struct {
	period    int
	seen      int
	prevClose float64
	tr        wilder
}

// NewATR creates an ATR with the given period.
func NewATR(period int) (*ATR, error) {
	if period <= 0 {
		return nil, model.NewConfigError("atr", errors.New("length must be positive"))
	}
	return &ATR{period: period, tr: wilder{period: period}}, nil
}

func (a *ATR) Outputs() []string { return []string{"atr_" + strconv.Itoa(a.period)} }
func (a *ATR) WarmUp() int       { return a.period + 1 }

func (a *ATR) Step(r model.Row) []float64 {
	a.seen++
	if a.seen == 1 {
		a.prevClose = r.Close
		return []float64{math.NaN()}
	}

	tr := r.High - r.Low
	if d := math.Abs(r.High - a.prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(r.Low - a.prevClose); d > tr {
		tr = d
	}
	a.prevClose = r.Close
	return []float64{a.tr.push(tr)}
}

func (a *ATR) State() State {
	return State{Kind: "atr", ATR: &ATRState{
		Period:    a.period,
		Seen:      a.seen,
		PrevClose: a.prevClose,
		TR:        a.tr.state(),
	}}
}

func (a *ATR) Restore(st State) error {
	if st.Kind != "atr" || st.ATR == nil {
		return stateMismatch("atr", st)
	}
	p := st.ATR
	if p.Period != a.period {
		return paramMismatch("atr", "period", p.Period, a.period)
	}
	a.seen = p.Seen
	a.prevClose = p.PrevClose
	a.tr.restore(p.TR)
	return nil
}
