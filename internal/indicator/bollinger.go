package indicator

import (
	"errors"
	"math"
	"strconv"

	"marketcore/internal/model"
)

// Bollinger calculates Bollinger Bands: the SMA of closes plus and minus k
// population standard deviations. Mean and M2 follow a sliding-window
// Welford update, so each step is O(1).
type Bollinger struct {
	period int
	k      float64
	buf    []float64
	idx    int
	count  int
	mean   float64
	m2     float64
	suffix string
}

// NewBollinger creates Bollinger Bands over period closes with width k.
func NewBollinger(period int, k float64) (*Bollinger, error) {
	if period <= 0 {
		return nil, model.NewConfigError("bbands", errors.New("length must be positive"))
	}
	if !(k > 0) || math.IsInf(k, 0) {
		return nil, model.NewConfigError("bbands", errors.New("k must be positive"))
	}
	return &Bollinger{
		period: period,
		k:      k,
		buf:    make([]float64, period),
		suffix: "_" + strconv.Itoa(period) + "_" + strconv.FormatFloat(k, 'g', -1, 64),
	}, nil
}

func (b *Bollinger) Outputs() []string {
	return []string{"bb_upper" + b.suffix, "bb_middle" + b.suffix, "bb_lower" + b.suffix}
}

func (b *Bollinger) WarmUp() int { return b.period }

func (b *Bollinger) Step(r model.Row) []float64 {
	x := r.Close
	if b.count < b.period {
		b.count++
		delta := x - b.mean
		b.mean += delta / float64(b.count)
		b.m2 += delta * (x - b.mean)
	} else {
		old := b.buf[b.idx]
		mean := b.mean + (x-old)/float64(b.period)
		b.m2 += (x - old) * (x - mean + old - b.mean)
		b.mean = mean
	}
	b.buf[b.idx] = x
	b.idx = (b.idx + 1) % b.period

	if b.count < b.period {
		return []float64{math.NaN(), math.NaN(), math.NaN()}
	}
	variance := b.m2 / float64(b.period)
	if variance < 0 {
		// rounding can push a flat window slightly negative
		variance = 0
	}
	width := b.k * math.Sqrt(variance)
	return []float64{b.mean + width, b.mean, b.mean - width}
}

func (b *Bollinger) State() State {
	return State{Kind: "bbands", Bollinger: &BollingerState{
		Period: b.period,
		K:      b.k,
		Buf:    append([]float64(nil), b.buf...),
		Idx:    b.idx,
		Count:  b.count,
		Mean:   b.mean,
		M2:     b.m2,
	}}
}

func (b *Bollinger) Restore(st State) error {
	if st.Kind != "bbands" || st.Bollinger == nil {
		return stateMismatch("bbands", st)
	}
	p := st.Bollinger
	if p.Period != b.period {
		return paramMismatch("bbands", "period", p.Period, b.period)
	}
	if p.K != b.k {
		return paramMismatch("bbands", "k", p.K, b.k)
	}
	if err := checkRing("bbands", b.period, p.Buf, p.Idx, p.Count); err != nil {
		return err
	}
	if p.Count > b.period {
		return paramMismatch("bbands", "count", p.Count, b.period)
	}
	copy(b.buf, p.Buf)
	b.idx = p.Idx
	b.count = p.Count
	b.mean = p.Mean
	b.m2 = p.M2
	return nil
}
