package indicator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marketcore/internal/model"
)

// Key identifies one piece of indicator state.
type Key struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Signature string `json:"signature"`
}

func (k Key) String() string { return k.Symbol + "/" + k.Timeframe + "/" + k.Signature }

// entry is the live state for one Key.
type entry struct {
	rec      Recurrence
	cols     []string
	rows     int       // rows stepped since creation
	lastTime time.Time // timestamp of the last stepped row
}

// EngineStats is a point-in-time copy of the engine counters.
type EngineStats struct {
	Keys        int    `json:"keys"`
	RowsStepped uint64 `json:"rows_stepped"`
	WarmUps     uint64 `json:"warm_ups"`
	Updates     uint64 `json:"updates"`
}

// Engine keeps indicator state per (symbol, timeframe, signature) and
// extends it with each new chunk of rows.
//
// Designed for a single writer goroutine. Only Stats is safe to call
// concurrently with the writer.
type Engine struct {
	loc   *time.Location
	log   *slog.Logger
	runID string

	entries map[Key]*entry

	keys        atomic.Int64
	rowsStepped atomic.Uint64
	warmUps     atomic.Uint64
	updates     atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the timezone used for session boundaries (ORB).
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine creates an empty engine. Defaults: UTC, slog.Default().
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		loc:     time.UTC,
		log:     slog.Default(),
		runID:   uuid.NewString(),
		entries: make(map[Key]*entry, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("component", "indicator"))
	return e
}

// RunID identifies this engine instance in saved state and logs.
func (e *Engine) RunID() string { return e.runID }

// Location returns the session timezone.
func (e *Engine) Location() *time.Location { return e.loc }

// plan is one spec's work for a single Update call.
type plan struct {
	key  Key
	cols []string
	ent  *entry // nil: no state yet, rec is fresh
	rec  Recurrence
}

// Update computes the given indicators on f for rows [newStart, f.Len()).
//
// A key without state is warmed up over rows [0, newStart) first, so every
// row of the output columns is written. A key with state is only stepped
// over the new rows; rows before newStart are never touched. Output columns
// are added to f (NaN-padded) if missing. f is modified in place and
// returned.
//
// All inputs are checked before anything is mutated: a nil or malformed
// frame, an out-of-range newStart, a NaN or infinite OHLCV value in a row
// about to be stepped, or a new row that is not later than a key's last
// processed row is a ValidationError; a bad spec is a ConfigError.
func (e *Engine) Update(f *model.Frame, newStart int, specs []Spec, symbol, timeframe string) (*model.Frame, error) {
	op := fmt.Sprintf("update %s/%s", symbol, timeframe)
	if f == nil {
		return nil, model.NewValidationError(op, errors.New("nil frame"))
	}
	if err := f.CheckOHLCV(); err != nil {
		return nil, err
	}
	n := f.Len()
	if newStart < 0 || newStart >= n {
		return nil, model.NewValidationError(op, fmt.Errorf("new start %d outside [0,%d)", newStart, n))
	}
	for i := newStart + 1; i < n; i++ {
		if !f.Index[i-1].IsZero() && !f.Index[i].After(f.Index[i-1]) {
			return nil, model.NewValidationError(op, fmt.Errorf("row %d (%s) is not after row %d", i, f.Index[i].Format(time.RFC3339), i-1))
		}
	}

	plans := make([]plan, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	owner := make(map[string]string) // column → signature
	for _, s := range specs {
		r, rec, err := s.build(e.loc)
		if err != nil {
			return nil, err
		}
		sig := r.signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true

		cols := rec.Outputs()
		if len(s.Columns) > 0 {
			cols = append([]string(nil), s.Columns...)
		}
		for _, c := range cols {
			if prev, clash := owner[c]; clash {
				return nil, model.NewConfigError(op, fmt.Errorf("column %q written by both %s and %s", c, prev, sig))
			}
			if isOHLCV(c) {
				return nil, model.NewConfigError(op, fmt.Errorf("column %q would overwrite input data", c))
			}
			owner[c] = sig
		}

		key := Key{Symbol: symbol, Timeframe: timeframe, Signature: sig}
		p := plan{key: key, cols: cols, rec: rec}
		if ent, ok := e.entries[key]; ok {
			if !ent.lastTime.IsZero() && !f.Index[newStart].After(ent.lastTime) {
				return nil, model.NewValidationError(op, fmt.Errorf("%s already processed through %s; row %d (%s) would be counted twice",
					sig, ent.lastTime.Format(time.RFC3339), newStart, f.Index[newStart].Format(time.RFC3339)))
			}
			p.ent = ent
			p.rec = ent.rec
		}
		plans = append(plans, p)
	}

	from := newStart
	for _, p := range plans {
		if p.ent == nil {
			from = 0
			break
		}
	}
	if err := checkFinite(f, from, n); err != nil {
		return nil, model.NewValidationError(op, err)
	}

	// Nothing can fail past this point.
	for _, p := range plans {
		out := make([][]float64, len(p.cols))
		for j, c := range p.cols {
			out[j] = f.EnsureColumn(c)
		}

		ent := p.ent
		if ent == nil {
			ent = &entry{rec: p.rec}
			if newStart > 0 {
				rows := make([]model.Row, newStart)
				for i := range rows {
					rows[i] = f.Row(i)
				}
				for i, vals := range WarmUpWindow(p.rec, rows) {
					for j, v := range vals {
						out[j][i] = v
					}
				}
				ent.rows += newStart
				e.rowsStepped.Add(uint64(newStart))
			}
			e.entries[p.key] = ent
			e.keys.Add(1)
			e.warmUps.Add(1)
			e.log.Debug("indicator warmed up",
				slog.String("symbol", symbol),
				slog.String("timeframe", timeframe),
				slog.String("signature", p.key.Signature),
				slog.Int("rows", newStart))
		}
		ent.cols = p.cols

		for i := newStart; i < n; i++ {
			for j, v := range ent.rec.Step(f.Row(i)) {
				out[j][i] = v
			}
		}
		ent.rows += n - newStart
		ent.lastTime = f.Index[n-1]
		e.rowsStepped.Add(uint64(n - newStart))
	}

	e.updates.Add(1)
	return f, nil
}

// checkFinite reports the first NaN or infinite OHLCV value in rows [from, n).
func checkFinite(f *model.Frame, from, n int) error {
	for _, c := range model.OHLCVColumns {
		vals, _ := f.Column(c)
		for i := from; i < n; i++ {
			if math.IsNaN(vals[i]) || math.IsInf(vals[i], 0) {
				return fmt.Errorf("row %d (%s): %s is %v", i, f.Index[i].Format(time.RFC3339), c, vals[i])
			}
		}
	}
	return nil
}

func isOHLCV(col string) bool {
	for _, c := range model.OHLCVColumns {
		if c == col {
			return true
		}
	}
	return false
}

// Reset drops all state for symbol and timeframe. The next Update for them
// warms up from scratch. Returns the number of keys removed.
func (e *Engine) Reset(symbol, timeframe string) int {
	removed := 0
	for k := range e.entries {
		if k.Symbol == symbol && k.Timeframe == timeframe {
			delete(e.entries, k)
			removed++
		}
	}
	e.keys.Add(int64(-removed))
	if removed > 0 {
		e.log.Info("indicator state reset",
			slog.String("symbol", symbol),
			slog.String("timeframe", timeframe),
			slog.Int("keys", removed))
	}
	return removed
}

// Keys returns the cached keys sorted by symbol, timeframe and signature.
func (e *Engine) Keys() []Key {
	out := make([]Key, 0, len(e.entries))
	for k := range e.entries {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// LastTime returns the latest row time processed for symbol and timeframe
// by any key, or the zero time when there is no state.
func (e *Engine) LastTime(symbol, timeframe string) time.Time {
	var last time.Time
	for k, ent := range e.entries {
		if k.Symbol == symbol && k.Timeframe == timeframe && ent.lastTime.After(last) {
			last = ent.lastTime
		}
	}
	return last
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		return a.Signature < b.Signature
	})
}

// Stats returns the engine counters. Safe from any goroutine.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Keys:        int(e.keys.Load()),
		RowsStepped: e.rowsStepped.Load(),
		WarmUps:     e.warmUps.Load(),
		Updates:     e.updates.Load(),
	}
}
