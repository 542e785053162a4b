// Package agg builds fixed-interval OHLCV bars from a stream of trades.
//
// An Aggregator keeps at most one in-progress bar per symbol. A trade whose
// bucket is later than the in-progress bar's finalizes that bar and starts a
// new one. Trades for an earlier bucket are dropped, never folded into the
// wrong bar.
package agg

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketcore/internal/marketdata/bucket"
	"marketcore/internal/model"
)

// Config configures an Aggregator.
type Config struct {
	Interval string // "<N>s|m|h", e.g. "5m"
	Timezone string // IANA name; empty means UTC
	Logger   *slog.Logger
}

// Stats is a point-in-time copy of the aggregator counters.
type Stats struct {
	TradesProcessed  uint64 `json:"trades_processed"`
	BarsCompleted    uint64 `json:"bars_completed"`
	TickersActive    int    `json:"tickers_active"`
	CurrentBarsCount int    `json:"current_bars_count"`
	TradesRejected   uint64 `json:"trades_rejected"`
	TradesLate       uint64 `json:"trades_late"`
}

// Aggregator builds bars for many symbols.
//
// It has a single writer: only one goroutine may call AddTrade,
// ForceFinalizeAll or CompletedBars(true). The read methods return deep
// copies and may be called from any goroutine.
type Aggregator struct {
	interval time.Duration
	loc      *time.Location
	log      *slog.Logger

	mu        sync.RWMutex
	current   map[string]model.Bar   // in-progress bar per symbol
	completed map[string][]model.Bar // finalized, not yet retrieved
	seen      map[string]struct{}    // symbols that ever had an accepted trade

	tradesProcessed atomic.Uint64
	barsCompleted   atomic.Uint64
	tradesRejected  atomic.Uint64
	tradesLate      atomic.Uint64

	// Metrics hooks (optional, set externally). Called on the writer goroutine.
	OnBar      func(b model.Bar)
	OnRejected func(reason string)
}

// New creates an Aggregator. A bad interval or timezone is a ConfigError.
func New(cfg Config) (*Aggregator, error) {
	interval, err := bucket.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	loc, err := bucket.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Aggregator{
		interval:  interval,
		loc:       loc,
		log:       lg.With(slog.String("component", "agg")),
		current:   make(map[string]model.Bar, 64),
		completed: make(map[string][]model.Bar, 64),
		seen:      make(map[string]struct{}, 64),
	}, nil
}

// Interval returns the bar length.
func (a *Aggregator) Interval() time.Duration { return a.interval }

// Location returns the timezone bars are aligned in.
func (a *Aggregator) Location() *time.Location { return a.loc }

// AddTrade folds one trade into its symbol's bar. It returns the bar that
// was just completed when the trade opens a later bucket.
func (a *Aggregator) AddTrade(t model.Trade) (model.Bar, bool) {
	if err := t.Validate(); err != nil {
		a.tradesRejected.Add(1)
		a.log.Debug("trade rejected", slog.String("symbol", t.Symbol), slog.Any("error", err))
		if a.OnRejected != nil {
			a.OnRejected("invalid")
		}
		return model.Bar{}, false
	}

	start := bucket.StartMillis(t.Timestamp, a.loc, a.interval)

	a.mu.Lock()
	cur, exists := a.current[t.Symbol]

	if exists && start.Before(cur.Timestamp) {
		// Late trade, belongs to an older bucket: drop it
		a.mu.Unlock()
		a.tradesLate.Add(1)
		a.log.Debug("late trade dropped",
			slog.String("symbol", t.Symbol),
			slog.Time("bucket", start),
			slog.Time("current", cur.Timestamp))
		if a.OnRejected != nil {
			a.OnRejected("late")
		}
		return model.Bar{}, false
	}

	a.seen[t.Symbol] = struct{}{}

	if !exists {
		a.current[t.Symbol] = model.NewBar(t, start)
		a.mu.Unlock()
		a.tradesProcessed.Add(1)
		return model.Bar{}, false
	}

	if start.Equal(cur.Timestamp) {
		// Same bucket: update OHLCV
		cur.Apply(t)
		a.current[t.Symbol] = cur
		a.mu.Unlock()
		a.tradesProcessed.Add(1)
		return model.Bar{}, false
	}

	// New bucket: finalize the old bar first
	a.completed[t.Symbol] = append(a.completed[t.Symbol], cur)
	a.current[t.Symbol] = model.NewBar(t, start)
	a.mu.Unlock()

	a.tradesProcessed.Add(1)
	a.barsCompleted.Add(1)
	if a.OnBar != nil {
		a.OnBar(cur)
	}
	return cur, true
}

// CurrentBars returns a copy of every in-progress bar keyed by symbol.
func (a *Aggregator) CurrentBars() map[string]model.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]model.Bar, len(a.current))
	for sym, b := range a.current {
		out[sym] = b
	}
	return out
}

// CompletedBars returns a copy of the queued completed bars per symbol.
// With clear set the queues are drained.
func (a *Aggregator) CompletedBars(clear bool) map[string][]model.Bar {
	if clear {
		a.mu.Lock()
		defer a.mu.Unlock()
	} else {
		a.mu.RLock()
		defer a.mu.RUnlock()
	}

	out := make(map[string][]model.Bar, len(a.completed))
	for sym, bars := range a.completed {
		if len(bars) == 0 {
			continue
		}
		cp := make([]model.Bar, len(bars))
		copy(cp, bars)
		out[sym] = cp
	}
	if clear {
		a.completed = make(map[string][]model.Bar, len(a.completed))
	}
	return out
}

// ForceFinalizeAll moves every in-progress bar into the completed queue and
// returns those bars sorted by symbol. Used at session end and shutdown so
// the last partial bar is not lost.
func (a *Aggregator) ForceFinalizeAll() []model.Bar {
	a.mu.Lock()
	finalized := make([]model.Bar, 0, len(a.current))
	for sym, b := range a.current {
		a.completed[sym] = append(a.completed[sym], b)
		finalized = append(finalized, b)
	}
	a.current = make(map[string]model.Bar, len(a.current))
	a.mu.Unlock()

	sort.Slice(finalized, func(i, j int) bool { return finalized[i].Symbol < finalized[j].Symbol })

	a.barsCompleted.Add(uint64(len(finalized)))
	if a.OnBar != nil {
		for _, b := range finalized {
			a.OnBar(b)
		}
	}
	if len(finalized) > 0 {
		a.log.Info("force-finalized bars", slog.Int("count", len(finalized)))
	}
	return finalized
}

// Stats returns the current counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	active := len(a.seen)
	current := len(a.current)
	a.mu.RUnlock()

	return Stats{
		TradesProcessed:  a.tradesProcessed.Load(),
		BarsCompleted:    a.barsCompleted.Load(),
		TickersActive:    active,
		CurrentBarsCount: current,
		TradesRejected:   a.tradesRejected.Load(),
		TradesLate:       a.tradesLate.Load(),
	}
}

// Run consumes trades from tradeCh on the calling goroutine, which becomes
// the aggregator's single writer, and sends completed bars to barCh. On
// ctx cancellation or a closed tradeCh the open bars are force-finalized
// and emitted before Run returns.
func (a *Aggregator) Run(ctx context.Context, tradeCh <-chan model.Trade, barCh chan<- model.Bar) {
	for {
		select {
		case <-ctx.Done():
			a.flushAll(barCh)
			return

		case t, ok := <-tradeCh:
			if !ok {
				a.flushAll(barCh)
				return
			}
			if b, done := a.AddTrade(t); done {
				a.emit(b, barCh)
			}
		}
	}
}

// flushAll finalizes and emits all open bars.
func (a *Aggregator) flushAll(barCh chan<- model.Bar) {
	for _, b := range a.ForceFinalizeAll() {
		a.emit(b, barCh)
	}
}

// emit sends a completed bar to barCh. Non-blocking to avoid deadlocks.
func (a *Aggregator) emit(b model.Bar, barCh chan<- model.Bar) {
	select {
	case barCh <- b:
	default:
		a.log.Warn("barCh full, dropping bar", slog.String("symbol", b.Symbol), slog.Time("bucket", b.Timestamp))
	}
}
