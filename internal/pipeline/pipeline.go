// Package pipeline drives completed bars through per-symbol series and the
// incremental indicator engine, and hands the results to sinks.
//
// A Pipeline has a single writer: HandleTrade, HandleBars, CloseSession,
// Backfill, Restore and Checkpoint must be called from one goroutine (the
// dispatch loop). Frame and Symbols may be called from anywhere.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"marketcore/internal/indicator"
	"marketcore/internal/logger"
	"marketcore/internal/marketdata/agg"
	"marketcore/internal/model"
)

// Config configures a Pipeline.
type Config struct {
	Timeframe string // label of the aggregator interval, e.g. "5m"
	Specs     []indicator.Spec
	MaxRows   int // per-series row cap; 0 means unbounded
	Logger    *slog.Logger
}

// Pipeline connects an Aggregator, the series and the Engine.
type Pipeline struct {
	cfg    Config
	agg    *agg.Aggregator
	engine *indicator.Engine
	log    *slog.Logger

	mu     sync.RWMutex
	series map[string]*Series

	// Outputs (optional). Sends never block; a full channel drops.
	BarOut chan<- model.Bar
	RowOut chan<- model.IndicatorRow

	// Hooks (optional), called on the writer goroutine.
	OnUpdate     func(d time.Duration, rows int)
	OnError      func(err error)
	OnDrop       func(what string)
	OnCheckpoint func(d time.Duration, err error)
}

// New creates a Pipeline. The aggregator may be nil when bars are fed
// directly through HandleBars. Specs are checked up front: a bad spec is a
// ConfigError.
func New(cfg Config, a *agg.Aggregator, e *indicator.Engine) (*Pipeline, error) {
	if e == nil {
		return nil, model.NewConfigError("pipeline", errors.New("nil engine"))
	}
	if cfg.Timeframe == "" {
		return nil, model.NewConfigError("pipeline", errors.New("empty timeframe"))
	}
	for _, s := range cfg.Specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.MaxRows < 0 {
		return nil, model.NewConfigError("pipeline", fmt.Errorf("max rows %d", cfg.MaxRows))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		agg:    a,
		engine: e,
		log:    cfg.Logger,
		series: make(map[string]*Series),
	}, nil
}

// Engine returns the indicator engine.
func (p *Pipeline) Engine() *indicator.Engine { return p.engine }

// HandleTrade feeds one trade to the aggregator and processes the bar it
// completes, if any.
func (p *Pipeline) HandleTrade(t model.Trade) {
	if p.agg == nil {
		return
	}
	if b, done := p.agg.AddTrade(t); done {
		if err := p.HandleBars([]model.Bar{b}); err != nil {
			p.fail(err)
		}
	}
}

// CloseSession force-finalizes every open bar and processes them. Returns
// the finalized bars.
func (p *Pipeline) CloseSession() []model.Bar {
	if p.agg == nil {
		return nil
	}
	bars := p.agg.ForceFinalizeAll()
	// Every completed bar already went through HandleBars; release the
	// aggregator's queue so it does not grow across sessions.
	p.agg.CompletedBars(true)
	if err := p.HandleBars(bars); err != nil {
		p.fail(err)
	}
	return bars
}

// HandleBars appends completed bars to their series, updates the
// indicators for the new rows and publishes bars and rows. Bars may mix
// symbols; each symbol's bars must be ascending. Every symbol is processed
// even if another fails; the first error is returned.
func (p *Pipeline) HandleBars(bars []model.Bar) error {
	return p.handle(bars, true)
}

// Backfill warms the series from stored bars without publishing them.
// Bars at or before a series' last row are skipped. A symbol with restored
// indicator state is read from its last processed row on, so bars stored
// after a checkpoint are stepped exactly once. Returns the number of bars
// processed.
func (p *Pipeline) Backfill(ctx context.Context, reader model.BarReader, symbols []string, after time.Time) (int, error) {
	total := 0
	for _, sym := range symbols {
		from := after
		if last := p.engine.LastTime(sym, p.cfg.Timeframe); last.After(from) {
			from = last
		}
		bars, err := reader.ReadBars(ctx, sym, p.cfg.Timeframe, from)
		if err != nil {
			return total, err
		}
		p.mu.RLock()
		s := p.series[sym]
		p.mu.RUnlock()
		if s != nil {
			last := s.Last()
			i := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(last) })
			bars = bars[i:]
		}
		if len(bars) == 0 {
			continue
		}
		if err := p.handle(bars, false); err != nil {
			return total, err
		}
		total += len(bars)
	}
	if total > 0 {
		p.log.Info("series backfilled", slog.Int("bars", total), slog.Int("symbols", len(symbols)))
	}
	return total, nil
}

func (p *Pipeline) handle(bars []model.Bar, publish bool) error {
	if len(bars) == 0 {
		return nil
	}
	bySymbol := make(map[string][]model.Bar)
	var order []string
	for _, b := range bars {
		if _, ok := bySymbol[b.Symbol]; !ok {
			order = append(order, b.Symbol)
		}
		bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
	}

	var first error
	for _, sym := range order {
		if err := p.update(sym, bySymbol[sym], publish); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *Pipeline) update(symbol string, bars []model.Bar, publish bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.series[symbol]
	if !ok {
		s = NewSeries(symbol, p.cfg.Timeframe, p.cfg.MaxRows)
		p.series[symbol] = s
	}
	start, err := s.Append(bars)
	if err != nil {
		return err
	}

	began := time.Now()
	_, err = p.engine.Update(s.Frame(), start, p.cfg.Specs, symbol, p.cfg.Timeframe)
	if p.OnUpdate != nil {
		p.OnUpdate(time.Since(began), len(bars))
	}
	if err != nil {
		// The engine rejected the update without stepping anything; drop
		// the rows so the series and the engine stay in step.
		s.Frame().Truncate(start)
		return err
	}

	if publish {
		ctx := logger.WithTraceID(context.Background(), logger.GenerateTraceID(symbol, bars[len(bars)-1].Timestamp))
		p.log.Debug("bars processed", append(logger.LogWithTrace(ctx),
			slog.String("symbol", symbol), slog.Int("bars", len(bars)))...)
		for _, b := range bars {
			p.sendBar(b)
		}
		if p.RowOut != nil {
			f := s.Frame()
			for i := start; i < f.Len(); i++ {
				p.sendRow(indicatorRow(f, i, p.cfg.Timeframe))
			}
		}
	}
	s.Trim()
	return nil
}

func (p *Pipeline) sendBar(b model.Bar) {
	if p.BarOut == nil {
		return
	}
	select {
	case p.BarOut <- b:
	default:
		p.drop("bar")
	}
}

func (p *Pipeline) sendRow(r model.IndicatorRow) {
	select {
	case p.RowOut <- r:
	default:
		p.drop("indicator_row")
	}
}

func (p *Pipeline) drop(what string) {
	if p.OnDrop != nil {
		p.OnDrop(what)
		return
	}
	p.log.Warn("output full, dropping", slog.String("what", what))
}

func (p *Pipeline) fail(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
	p.log.Error("pipeline update failed", slog.String("error", err.Error()))
}

// indicatorRow collects the non-OHLCV values of row i, skipping NaN.
func indicatorRow(f *model.Frame, i int, timeframe string) model.IndicatorRow {
	row := model.IndicatorRow{
		Symbol:    f.Symbol,
		Timeframe: timeframe,
		Timestamp: f.Index[i],
		Values:    make(map[string]float64),
	}
	for _, c := range f.Columns() {
		switch c {
		case model.ColOpen, model.ColHigh, model.ColLow, model.ColClose, model.ColVolume:
			continue
		}
		if v := f.Value(c, i); !math.IsNaN(v) {
			row.Values[c] = v
		}
	}
	return row
}

// Frame returns a copy of the frame of symbol.
func (p *Pipeline) Frame(symbol string) (*model.Frame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.series[symbol]
	if !ok {
		return nil, false
	}
	return s.Frame().Clone(), true
}

// Symbols lists the symbols with a series, sorted.
func (p *Pipeline) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.series))
	for sym := range p.series {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Checkpoint saves the engine state atomically to path (when not empty)
// and to every store. All targets are attempted; the first error is
// returned.
func (p *Pipeline) Checkpoint(ctx context.Context, path string, stores ...model.StateStore) error {
	began := time.Now()
	p.mu.RLock()
	var first error
	if path != "" {
		if err := p.engine.SaveState(path); err != nil {
			first = err
		}
	}
	var data []byte
	if len(stores) > 0 {
		var err error
		if data, err = p.engine.MarshalState(); err != nil && first == nil {
			first = err
		}
	}
	p.mu.RUnlock()

	if data != nil {
		for _, st := range stores {
			if err := st.SaveEngineState(ctx, p.engine.RunID(), data); err != nil && first == nil {
				first = err
			}
		}
	}
	if p.OnCheckpoint != nil {
		p.OnCheckpoint(time.Since(began), first)
	}
	if first == nil {
		p.log.Info("checkpoint saved", slog.String("path", path), slog.Int("keys", len(p.engine.Keys())))
	}
	return first
}

// Restore loads engine state from path, falling back to the stores in
// order. On failure the engine stays as it was and a StateError listing
// every attempt is returned; the caller re-warms.
func (p *Pipeline) Restore(ctx context.Context, path string, stores ...model.StateStore) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if path != "" {
		err := p.engine.LoadState(path)
		if err == nil {
			p.log.Info("indicator state restored", slog.String("source", path))
			return nil
		}
		errs = append(errs, err)
	}
	for i, st := range stores {
		data, err := st.LatestEngineState(ctx)
		if err == nil && data == nil {
			err = errors.New("no checkpoint stored")
		}
		if err == nil {
			err = p.engine.UnmarshalState(data)
		}
		if err == nil {
			p.log.Info("indicator state restored", slog.Int("store", i))
			return nil
		}
		errs = append(errs, fmt.Errorf("store %d: %w", i, err))
	}
	return model.NewStateError("restore", errors.Join(errs...))
}
