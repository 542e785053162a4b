package indicator

import (
	"errors"
	"fmt"
	"math"

	"marketcore/internal/model"
)

// MACD is the fast EMA minus the slow EMA of closes, with a signal EMA of
// that line and the histogram between them. The MACD line appears once the
// slow EMA is seeded; signal and histogram signal-1 rows later.
type MACD struct {
	fast, slow, signal *EMA
	suffix             string
}

// NewMACD creates a MACD. fast must be shorter than slow.
func NewMACD(fast, slow, signal int) (*MACD, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return nil, model.NewConfigError("macd", errors.New("fast, slow and signal must be positive"))
	}
	if fast >= slow {
		return nil, model.NewConfigError("macd", fmt.Errorf("fast (%d) must be less than slow (%d)", fast, slow))
	}
	return &MACD{
		fast:   newEMA(fast),
		slow:   newEMA(slow),
		signal: newEMA(signal),
		suffix: fmt.Sprintf("_%d_%d_%d", fast, slow, signal),
	}, nil
}

func (m *MACD) Outputs() []string {
	return []string{"macd" + m.suffix, "macd_signal" + m.suffix, "macd_hist" + m.suffix}
}

func (m *MACD) WarmUp() int { return m.slow.period + m.signal.period - 1 }

func (m *MACD) Step(r model.Row) []float64 {
	f := m.fast.push(r.Close)
	s := m.slow.push(r.Close)
	if !m.slow.ready() {
		return []float64{math.NaN(), math.NaN(), math.NaN()}
	}
	line := f - s
	sig := m.signal.push(line)
	if !m.signal.ready() {
		return []float64{line, math.NaN(), math.NaN()}
	}
	return []float64{line, sig, line - sig}
}

func (m *MACD) State() State {
	return State{Kind: "macd", MACD: &MACDState{
		Fast:   m.fast.state(),
		Slow:   m.slow.state(),
		Signal: m.signal.state(),
	}}
}

func (m *MACD) Restore(st State) error {
	if st.Kind != "macd" || st.MACD == nil {
		return stateMismatch("macd", st)
	}
	// Restore into copies so a mismatch leaves m untouched.
	fast, slow, signal := *m.fast, *m.slow, *m.signal
	if err := fast.restore("macd fast", st.MACD.Fast); err != nil {
		return err
	}
	if err := slow.restore("macd slow", st.MACD.Slow); err != nil {
		return err
	}
	if err := signal.restore("macd signal", st.MACD.Signal); err != nil {
		return err
	}
	*m.fast, *m.slow, *m.signal = fast, slow, signal
	return nil
}
