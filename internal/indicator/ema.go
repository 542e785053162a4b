package indicator

import (
	"errors"
	"math"
	"strconv"

	"marketcore/internal/model"
)

// EMA calculates Exponential Moving Average of closes.
// Seeded with the SMA of the first period values, O(1) per update after.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates an EMA with the given period.
func NewEMA(period int) (*EMA, error) {
	if period <= 0 {
		return nil, model.NewConfigError("ema", errors.New("length must be positive"))
	}
	return newEMA(period), nil
}

func newEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Outputs() []string { return []string{"ema_" + strconv.Itoa(e.period)} }
func (e *EMA) WarmUp() int       { return e.period }

func (e *EMA) Step(r model.Row) []float64 {
	return []float64{e.push(r.Close)}
}

// push feeds one value and returns the EMA, NaN until seeded.
func (e *EMA) push(price float64) float64 {
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count < e.period {
			return math.NaN()
		}
		e.current = e.sum / float64(e.period)
		return e.current
	}

	e.current = (price-e.current)*e.multiplier + e.current
	return e.current
}

func (e *EMA) ready() bool { return e.count >= e.period }

func (e *EMA) state() EMAState {
	return EMAState{Period: e.period, Count: e.count, Sum: e.sum, Current: e.current}
}

func (e *EMA) restore(kind string, p EMAState) error {
	if p.Period != e.period {
		return paramMismatch(kind, "period", p.Period, e.period)
	}
	if p.Count < 0 {
		return paramMismatch(kind, "count", p.Count, ">= 0")
	}
	e.count = p.Count
	e.sum = p.Sum
	e.current = p.Current
	return nil
}

func (e *EMA) State() State {
	st := e.state()
	return State{Kind: "ema", EMA: &st}
}

func (e *EMA) Restore(st State) error {
	if st.Kind != "ema" || st.EMA == nil {
		return stateMismatch("ema", st)
	}
	return e.restore("ema", *st.EMA)
}
