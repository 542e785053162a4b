// cmd/backtest replays stored bars from SQLite through the indicator engine
// in chunks, the way the live engine would see them, and optionally checks
// the result against a one-shot computation over the whole history.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/bars.db --chunk=50 --verify --out=data/export
//	go run ./cmd/backtest --trades=trades.csv --db=/tmp/bt.db
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"marketcore/config"
	"marketcore/internal/indicator"
	"marketcore/internal/logger"
	"marketcore/internal/marketdata/agg"
	"marketcore/internal/marketdata/replay"
	"marketcore/internal/model"
	"marketcore/internal/pipeline"
	"marketcore/internal/store/parquet"
	sqlitestore "marketcore/internal/store/sqlite"
)

type result struct {
	symbol   string
	bars     int
	columns  int
	mismatch int
	file     string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[backtest] config: %v", err)
	}

	// Flags (defaults come from the environment config)
	dbPath := flag.String("db", cfg.SQLitePath, "Path to SQLite database")
	interval := flag.String("interval", cfg.Interval, "Bar interval to replay, e.g. 5m")
	tz := flag.String("tz", cfg.Timezone, "IANA timezone bars are aligned in")
	indicators := flag.String("indicators", cfg.Indicators, `Indicator specs, e.g. "ema(length=20);rsi(length=14)"`)
	symbolsFlag := flag.String("symbols", cfg.Symbols, "Comma-separated symbols (empty = all stored)")
	chunk := flag.Int("chunk", 100, "Bars per Update call (0 = one chunk)")
	verify := flag.Bool("verify", true, "Compare chunked output with a one-shot computation")
	outDir := flag.String("out", "", "Directory for parquet exports (empty = no export)")
	tradesPath := flag.String("trades", "", "CSV of trades (symbol,price,volume,timestamp) to aggregate into the database first")
	flag.Parse()

	cfg.Interval, cfg.Timezone, cfg.Indicators, cfg.Symbols = *interval, *tz, *indicators, *symbolsFlag
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	lg, err := logger.New(logger.Options{Service: "backtest", Level: cfg.LogLevel, Format: "text"})
	if err != nil {
		log.Fatalf("[backtest] logger: %v", err)
	}
	loc, _ := cfg.Location()
	specs, _ := cfg.Specs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *tradesPath != "" {
		n, err := importTrades(ctx, *tradesPath, *dbPath, cfg)
		if err != nil {
			log.Fatalf("[backtest] import trades: %v", err)
		}
		log.Printf("[backtest] aggregated %d bars from %s", n, *tradesPath)
	}

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer reader.Close()

	var symbols []string
	if set := cfg.SymbolSet(); set != nil {
		for s := range set {
			symbols = append(symbols, s)
		}
	} else if symbols, err = reader.Symbols(ctx, cfg.Interval); err != nil {
		log.Fatalf("[backtest] list symbols: %v", err)
	}
	if len(symbols) == 0 {
		log.Fatalf("[backtest] no %s bars in %s", cfg.Interval, *dbPath)
	}

	engine := indicator.NewEngine(indicator.WithLocation(loc), indicator.WithLogger(lg))
	p, err := pipeline.New(pipeline.Config{Timeframe: cfg.Interval, Specs: specs, Logger: lg}, nil, engine)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	began := time.Now()
	replayer := replay.New(reader)
	var results []result
	sort.Strings(symbols)
	for _, sym := range symbols {
		n, err := replayer.Chunks(ctx, sym, cfg.Interval, time.Time{}, *chunk, p.HandleBars)
		if err != nil {
			log.Fatalf("[backtest] replay %s: %v", sym, err)
		}
		f, ok := p.Frame(sym)
		if !ok {
			continue
		}
		r := result{symbol: sym, bars: n, columns: len(f.Columns()) - len(model.OHLCVColumns), mismatch: -1}
		if *verify {
			r.mismatch, err = compareBatch(ctx, reader, f, specs, cfg.Interval, loc)
			if err != nil {
				log.Fatalf("[backtest] verify %s: %v", sym, err)
			}
		}
		if *outDir != "" {
			r.file = filepath.Join(*outDir, fmt.Sprintf("%s_%s.parquet", sym, cfg.Interval))
			if err := parquet.ExportFrame(r.file, f); err != nil {
				log.Fatalf("[backtest] export %s: %v", sym, err)
			}
		}
		results = append(results, r)
	}

	printSummary(results, engine.Stats(), engine.RunID(), time.Since(began))
}

// importTrades aggregates a trades CSV into bars and upserts them.
func importTrades(ctx context.Context, csvPath, dbPath string, cfg *config.Config) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	trades, err := replay.ReadTradesCSV(f)
	if err != nil {
		return 0, err
	}

	a, err := agg.New(agg.Config{Interval: cfg.Interval, Timezone: cfg.Timezone})
	if err != nil {
		return 0, err
	}
	tradeCh := make(chan model.Trade, len(trades))
	for _, t := range trades {
		tradeCh <- t
	}
	close(tradeCh)
	// A bar holds at least one trade.
	barCh := make(chan model.Bar, len(trades)+1)
	a.Run(ctx, tradeCh, barCh)
	close(barCh)

	bars := make([]model.Bar, 0, len(barCh))
	for b := range barCh {
		bars = append(bars, b)
	}
	st := a.Stats()
	if st.TradesRejected+st.TradesLate > 0 {
		log.Printf("[backtest] %d invalid and %d late trades dropped", st.TradesRejected, st.TradesLate)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: dbPath})
	if err != nil {
		return 0, err
	}
	defer w.Close()
	if err := w.WriteBars(ctx, cfg.Interval, bars); err != nil {
		return 0, err
	}
	return len(bars), nil
}

// compareBatch recomputes the indicators over every stored bar in one call
// and counts the cells of got that differ.
func compareBatch(ctx context.Context, r *sqlitestore.Reader, got *model.Frame, specs []indicator.Spec, timeframe string, loc *time.Location) (int, error) {
	bars, err := r.ReadBars(ctx, got.Symbol, timeframe, time.Time{})
	if err != nil {
		return 0, err
	}
	want := agg.BarsToFrame(bars, got.Symbol)
	if _, err := indicator.NewEngine(indicator.WithLocation(loc)).Update(want, 0, specs, got.Symbol, timeframe); err != nil {
		return 0, err
	}
	off := want.Len() - got.Len()
	if off < 0 {
		return 0, fmt.Errorf("replayed %d rows but only %d stored", got.Len(), want.Len())
	}
	mismatch := 0
	for _, c := range want.Columns() {
		for i := 0; i < got.Len(); i++ {
			g, w := got.Value(c, i), want.Value(c, off+i)
			if g == w || (math.IsNaN(g) && math.IsNaN(w)) || math.Abs(g-w) <= 1e-9*math.Max(1, math.Abs(w)) {
				continue
			}
			mismatch++
		}
	}
	return mismatch, nil
}

func printSummary(results []result, st indicator.EngineStats, runID string, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("BACKTEST COMPLETE  run " + runID)
	t.AppendHeader(table.Row{"Symbol", "Bars", "Indicator cols", "Batch check", "Export"})

	total, bad := 0, 0
	for _, r := range results {
		check := "skipped"
		switch {
		case r.mismatch == 0:
			check = "ok"
		case r.mismatch > 0:
			check = fmt.Sprintf("%d cells differ", r.mismatch)
			bad++
		}
		export := r.file
		if export == "" {
			export = "-"
		}
		t.AppendRow(table.Row{r.symbol, r.bars, r.columns, check, export})
		total += r.bars
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d symbols", len(results)),
		total,
		fmt.Sprintf("%d keys", st.Keys),
		fmt.Sprintf("%d failed", bad),
		elapsed.Round(time.Millisecond).String(),
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	fmt.Printf("rows stepped: %d, warm-ups: %d, updates: %d\n", st.RowsStepped, st.WarmUps, st.Updates)
	if bad > 0 {
		fmt.Println(strings.Repeat("!", 40))
		fmt.Println("chunked output differs from the one-shot computation")
		os.Exit(1)
	}
}
