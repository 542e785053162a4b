package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Canonical OHLCV column names.
const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

// OHLCVColumns lists the columns every frame fed to the indicator engine must carry.
var OHLCVColumns = []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}

// Row is one OHLCV observation as seen by an indicator recurrence.
type Row struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Frame is a columnar, ascending-time OHLCV table for one symbol.
// Indicator columns are added alongside the OHLCV ones. A Frame is owned by
// a single writer; hand out Clone() copies to other goroutines.
type Frame struct {
	Symbol string
	Index  []time.Time

	cols  map[string][]float64
	order []string
}

// NewFrame returns an empty frame with the OHLCV columns present.
func NewFrame(symbol string) *Frame {
	f := &Frame{Symbol: symbol, cols: make(map[string][]float64, 8)}
	for _, c := range OHLCVColumns {
		f.cols[c] = nil
		f.order = append(f.order, c)
	}
	return f
}

// NewFrameFromColumns builds a frame from raw columns. Every column must have
// len(index) values. OHLCV columns are not required here; the engine checks.
func NewFrameFromColumns(symbol string, index []time.Time, cols map[string][]float64) (*Frame, error) {
	f := &Frame{Symbol: symbol, Index: append([]time.Time(nil), index...), cols: make(map[string][]float64, len(cols))}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vals := cols[name]
		if len(vals) != len(index) {
			return nil, NewValidationError("frame "+symbol, fmt.Errorf("column %q has %d values, index has %d", name, len(vals), len(index)))
		}
		f.cols[name] = append([]float64(nil), vals...)
		f.order = append(f.order, name)
	}
	return f, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Index) }

// Columns returns the column names in insertion order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// Column returns the live backing slice of a column. Callers must not keep it
// across appends.
func (f *Frame) Column(name string) ([]float64, bool) {
	vals, ok := f.cols[name]
	return vals, ok
}

// Value returns column[name][i], or NaN when the column or row is missing.
func (f *Frame) Value(name string, i int) float64 {
	vals, ok := f.cols[name]
	if !ok || i < 0 || i >= len(vals) {
		return math.NaN()
	}
	return vals[i]
}

// EnsureColumn returns the named column, creating it NaN-filled (or padding
// it with NaN) so that it has exactly Len() values.
func (f *Frame) EnsureColumn(name string) []float64 {
	vals, ok := f.cols[name]
	if !ok {
		f.order = append(f.order, name)
	}
	for len(vals) < len(f.Index) {
		vals = append(vals, math.NaN())
	}
	f.cols[name] = vals
	return vals
}

// SetColumn replaces a column; vals must have Len() values.
func (f *Frame) SetColumn(name string, vals []float64) error {
	if len(vals) != len(f.Index) {
		return NewValidationError("frame "+f.Symbol, fmt.Errorf("column %q has %d values, index has %d", name, len(vals), len(f.Index)))
	}
	if _, ok := f.cols[name]; !ok {
		f.order = append(f.order, name)
	}
	f.cols[name] = vals
	return nil
}

// AppendBar appends a bar as a new row and returns its index. Non-OHLCV
// columns are padded with NaN for the new row.
func (f *Frame) AppendBar(b Bar) int {
	if f.cols == nil {
		*f = *NewFrame(f.Symbol)
	}
	f.Index = append(f.Index, b.Timestamp)
	for _, name := range f.order {
		var v float64
		switch name {
		case ColOpen:
			v = b.Open
		case ColHigh:
			v = b.High
		case ColLow:
			v = b.Low
		case ColClose:
			v = b.Close
		case ColVolume:
			v = float64(b.Volume)
		default:
			v = math.NaN()
		}
		f.cols[name] = append(f.cols[name], v)
	}
	return len(f.Index) - 1
}

// Row returns the OHLCV values at row i. Callers must have checked CheckOHLCV.
func (f *Frame) Row(i int) Row {
	return Row{
		Time:   f.Index[i],
		Open:   f.cols[ColOpen][i],
		High:   f.cols[ColHigh][i],
		Low:    f.cols[ColLow][i],
		Close:  f.cols[ColClose][i],
		Volume: f.cols[ColVolume][i],
	}
}

// CheckOHLCV returns a ValidationError if any OHLCV column is missing or
// misaligned with the index.
func (f *Frame) CheckOHLCV() error {
	var missing []string
	for _, c := range OHLCVColumns {
		vals, ok := f.cols[c]
		if !ok {
			missing = append(missing, c)
			continue
		}
		if len(vals) != len(f.Index) {
			return NewValidationError("frame "+f.Symbol, fmt.Errorf("column %q has %d values, index has %d", c, len(vals), len(f.Index)))
		}
	}
	if len(missing) > 0 {
		return NewValidationError("frame "+f.Symbol, fmt.Errorf("missing OHLCV columns %v", missing))
	}
	return nil
}

// DropHead removes the first n rows from every column.
func (f *Frame) DropHead(n int) {
	if n <= 0 {
		return
	}
	if n > len(f.Index) {
		n = len(f.Index)
	}
	f.Index = append(f.Index[:0:0], f.Index[n:]...)
	for name, vals := range f.cols {
		if n <= len(vals) {
			f.cols[name] = append(vals[:0:0], vals[n:]...)
		} else {
			f.cols[name] = nil
		}
	}
}

// Truncate keeps only the first n rows of every column.
func (f *Frame) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n >= len(f.Index) {
		return
	}
	f.Index = f.Index[:n]
	for name, vals := range f.cols {
		if n < len(vals) {
			f.cols[name] = vals[:n]
		}
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Symbol: f.Symbol,
		Index:  append([]time.Time(nil), f.Index...),
		cols:   make(map[string][]float64, len(f.cols)),
		order:  append([]string(nil), f.order...),
	}
	for name, vals := range f.cols {
		out.cols[name] = append([]float64(nil), vals...)
	}
	return out
}

// Slice returns a deep copy of rows [from, to).
func (f *Frame) Slice(from, to int) (*Frame, error) {
	if from < 0 || to > len(f.Index) || from > to {
		return nil, NewValidationError("frame "+f.Symbol, errors.New("slice bounds out of range"))
	}
	out := &Frame{
		Symbol: f.Symbol,
		Index:  append([]time.Time(nil), f.Index[from:to]...),
		cols:   make(map[string][]float64, len(f.cols)),
		order:  append([]string(nil), f.order...),
	}
	for name, vals := range f.cols {
		if to <= len(vals) {
			out.cols[name] = append([]float64(nil), vals[from:to]...)
		} else {
			out.cols[name] = nil
		}
	}
	return out, nil
}
