package indicator

import (
	"errors"
	"math"
	"strconv"

	"marketcore/internal/model"
)

// SMA calculates Simple Moving Average over a rolling window of closes.
// Uses a preallocated circular buffer and a running sum.
type SMA struct {
	period int
	buf    []float64 // circular buffer
	idx    int       // next write position
	count  int       // total values received
	sum    float64
}

// NewSMA creates an SMA with the given period.
func NewSMA(period int) (*SMA, error) {
	if period <= 0 {
		return nil, model.NewConfigError("sma", errors.New("length must be positive"))
	}
	return &SMA{period: period, buf: make([]float64, period)}, nil
}

func (s *SMA) Outputs() []string { return []string{"sma_" + strconv.Itoa(s.period)} }
func (s *SMA) WarmUp() int       { return s.period }

func (s *SMA) Step(r model.Row) []float64 {
	return []float64{s.push(r.Close)}
}

func (s *SMA) push(price float64) float64 {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}
	s.buf[s.idx] = price
	s.sum += price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count < s.period {
		return math.NaN()
	}
	return s.sum / float64(s.period)
}

func (s *SMA) State() State {
	return State{Kind: "sma", SMA: &SMAState{
		Period: s.period,
		Buf:    append([]float64(nil), s.buf...),
		Idx:    s.idx,
		Count:  s.count,
		Sum:    s.sum,
	}}
}

func (s *SMA) Restore(st State) error {
	if st.Kind != "sma" || st.SMA == nil {
		return stateMismatch("sma", st)
	}
	p := st.SMA
	if p.Period != s.period {
		return paramMismatch("sma", "period", p.Period, s.period)
	}
	if err := checkRing("sma", s.period, p.Buf, p.Idx, p.Count); err != nil {
		return err
	}
	copy(s.buf, p.Buf)
	s.idx = p.Idx
	s.count = p.Count
	s.sum = p.Sum
	return nil
}
