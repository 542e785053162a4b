package indicator

import (
	"errors"
	"math"
	"strconv"

	"marketcore/internal/model"
)

// RSI calculates Relative Strength Index using Wilder's smoothing.
// The first row only records the close; the first value appears once
// period price changes have been seen.
type RSI struct {
	period    int
	seen      int
	prevClose float64
	gain      wilder
	loss      wilder
}

// NewRSI creates an RSI with the given period.
func NewRSI(period int) (*RSI, error) {
	if period <= 0 {
		return nil, model.NewConfigError("rsi", errors.New("length must be positive"))
	}
	return &RSI{
		period: period,
		gain:   wilder{period: period},
		loss:   wilder{period: period},
	}, nil
}

func (r *RSI) Outputs() []string { return []string{"rsi_" + strconv.Itoa(r.period)} }
func (r *RSI) WarmUp() int       { return r.period + 1 }

func (r *RSI) Step(row model.Row) []float64 {
	price := row.Close
	r.seen++
	if r.seen == 1 {
		r.prevClose = price
		return []float64{math.NaN()}
	}

	change := price - r.prevClose
	r.prevClose = price

	var gain, loss float64
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}
	avgGain := r.gain.push(gain)
	avgLoss := r.loss.push(loss)
	if !r.gain.ready() {
		return []float64{math.NaN()}
	}
	if avgLoss == 0 {
		return []float64{100}
	}
	rs := avgGain / avgLoss
	return []float64{100 - 100/(1+rs)}
}

func (r *RSI) State() State {
	return State{Kind: "rsi", RSI: &RSIState{
		Period:    r.period,
		Seen:      r.seen,
		PrevClose: r.prevClose,
		Gain:      r.gain.state(),
		Loss:      r.loss.state(),
	}}
}

func (r *RSI) Restore(st State) error {
	if st.Kind != "rsi" || st.RSI == nil {
		return stateMismatch("rsi", st)
	}
	p := st.RSI
	if p.Period != r.period {
		return paramMismatch("rsi", "period", p.Period, r.period)
	}
	r.seen = p.Seen
	r.prevClose = p.PrevClose
	r.gain.restore(p.Gain)
	r.loss.restore(p.Loss)
	return nil
}
