package indicator

import "math"

// wilder is Wilder-style smoothing: the first value is the mean of the first
// period inputs, then avg = (prev*(period-1) + x) / period.
type wilder struct {
	period  int
	count   int
	sum     float64
	current float64
}

func (w *wilder) push(x float64) float64 {
	w.count++
	if w.count <= w.period {
		w.sum += x
		if w.count < w.period {
			return math.NaN()
		}
		w.current = w.sum / float64(w.period)
		return w.current
	}
	w.current = (w.current*float64(w.period-1) + x) / float64(w.period)
	return w.current
}

func (w *wilder) ready() bool { return w.count >= w.period }

func (w *wilder) state() WilderState {
	return WilderState{Count: w.count, Sum: w.sum, Current: w.current}
}

func (w *wilder) restore(s WilderState) {
	w.count = s.Count
	w.sum = s.Sum
	w.current = s.Current
}
