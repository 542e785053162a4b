// Package indicator maintains technical indicators incrementally over OHLCV
// frames.
//
// Every indicator is a Recurrence: it consumes one row at a time and keeps
// only the minimal statistics needed to produce the next value, so a series
// computed in chunks, or resumed from a saved State, matches the one-shot
// computation over the whole series.
package indicator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketcore/internal/model"
)

// Recurrence is the interface for all indicators.
type Recurrence interface {
	// Outputs returns the default column names, one per value of Step.
	Outputs() []string

	// WarmUp returns how many rows are needed before every output is valid.
	WarmUp() int

	// Step extends the indicator by one row. Outputs are NaN until ready.
	Step(r model.Row) []float64

	// State returns a copy of the statistics needed to resume.
	State() State

	// Restore replaces the internal statistics. Returns a StateError when
	// the state belongs to a different kind or parameter set.
	Restore(s State) error
}

// ParamKind tells how a parameter value is parsed and canonicalized.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamFloat
	ParamClock // "HH:MM"
)

// Param declares one named parameter with its default.
type Param struct {
	Name    string
	Kind    ParamKind
	Default string
}

// Definition describes an indicator kind to the registry.
type Definition struct {
	Params []Param

	// New builds a recurrence for already-canonicalized params. Range
	// checks belong here and must return a ConfigError.
	New func(p Params, loc *time.Location) (Recurrence, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Definition)
	aliases    = make(map[string]string)
)

// Register makes an indicator kind available to ParseSpec and the Engine.
// Registering a kind twice panics.
func Register(kind string, def Definition, alias ...string) {
	kind = strings.ToLower(kind)
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("indicator: kind %q registered twice", kind))
	}
	if def.New == nil {
		panic(fmt.Sprintf("indicator: kind %q has no constructor", kind))
	}
	d := def
	registry[kind] = &d
	for _, a := range alias {
		aliases[strings.ToLower(a)] = kind
	}
}

// lookup resolves a kind or alias to its canonical name and definition.
func lookup(name string) (string, *Definition, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	registryMu.RLock()
	defer registryMu.RUnlock()

	if canon, ok := aliases[name]; ok {
		name = canon
	}
	def, ok := registry[name]
	return name, def, ok
}

// Kinds returns the registered kind names, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WarmUpWindow steps rec over a batch of rows and returns the values of
// every row, outer index by row. Used when an indicator has no prior state.
func WarmUpWindow(rec Recurrence, rows []model.Row) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = rec.Step(r)
	}
	return out
}

func init() {
	Register("sma", Definition{
		Params: []Param{{Name: "length", Kind: ParamInt, Default: "20"}},
		New:    func(p Params, _ *time.Location) (Recurrence, error) { return NewSMA(p.Int("length")) },
	})
	Register("ema", Definition{
		Params: []Param{{Name: "length", Kind: ParamInt, Default: "20"}},
		New:    func(p Params, _ *time.Location) (Recurrence, error) { return NewEMA(p.Int("length")) },
	})
	Register("rsi", Definition{
		Params: []Param{{Name: "length", Kind: ParamInt, Default: "14"}},
		New:    func(p Params, _ *time.Location) (Recurrence, error) { return NewRSI(p.Int("length")) },
	})
	Register("atr", Definition{
		Params: []Param{{Name: "length", Kind: ParamInt, Default: "14"}},
		New:    func(p Params, _ *time.Location) (Recurrence, error) { return NewATR(p.Int("length")) },
	})
	Register("macd", Definition{
		Params: []Param{
			{Name: "fast", Kind: ParamInt, Default: "12"},
			{Name: "slow", Kind: ParamInt, Default: "26"},
			{Name: "signal", Kind: ParamInt, Default: "9"},
		},
		New: func(p Params, _ *time.Location) (Recurrence, error) {
			return NewMACD(p.Int("fast"), p.Int("slow"), p.Int("signal"))
		},
	})
	Register("bbands", Definition{
		Params: []Param{
			{Name: "length", Kind: ParamInt, Default: "20"},
			{Name: "k", Kind: ParamFloat, Default: "2"},
		},
		New: func(p Params, _ *time.Location) (Recurrence, error) {
			return NewBollinger(p.Int("length"), p.Float("k"))
		},
	}, "bollinger")
	Register("orb", Definition{
		Params: []Param{
			{Name: "start", Kind: ParamClock, Default: "09:30"},
			{Name: "duration", Kind: ParamInt, Default: "30"},
			{Name: "body_pct", Kind: ParamFloat, Default: "0.5"},
		},
		New: func(p Params, loc *time.Location) (Recurrence, error) {
			return NewORB(p.Clock("start"), p.Int("duration"), p.Float("body_pct"), loc)
		},
	})
}
