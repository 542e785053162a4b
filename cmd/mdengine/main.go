package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"marketcore/config"
	"marketcore/internal/indicator"
	"marketcore/internal/logger"
	"marketcore/internal/marketdata/agg"
	"marketcore/internal/marketdata/bucket"
	"marketcore/internal/marketdata/bus"
	"marketcore/internal/marketdata/wsfeed"
	"marketcore/internal/markethours"
	"marketcore/internal/metrics"
	"marketcore/internal/model"
	"marketcore/internal/pipeline"
	"marketcore/internal/ringbuf"
	redisstore "marketcore/internal/store/redis"
	sqlitestore "marketcore/internal/store/sqlite"
)

const (
	ringSize       = 1 << 16
	drainIdle      = 2 * time.Millisecond
	closeGrace     = 30 * time.Second
	sinkBufferSize = 5000
	rowBatchSize   = 200
	rowFlushDelay  = 100 * time.Millisecond
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdengine] starting...")

	// ---- Config ----
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[mdengine] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[mdengine] config: %v", err)
	}
	lg, err := logger.New(logger.Options{Service: "mdengine", Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("[mdengine] logger: %v", err)
	}
	loc, _ := cfg.Location()
	session, _ := cfg.Session()
	specs, _ := cfg.Specs()
	symbols := cfg.SymbolSet()

	// ---- Metrics & health ----
	prom := metrics.New(nil)
	health := metrics.NewHealthStatus()
	health.SetInterval(cfg.Interval)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- SQLite (required) ----
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{
		DBPath:   cfg.SQLitePath,
		OnCommit: func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) },
	})
	if err != nil {
		log.Fatalf("[mdengine] sqlite init failed: %v", err)
	}
	defer sqlWriter.Close()
	sqlReader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[mdengine] sqlite reader init failed: %v", err)
	}
	defer sqlReader.Close()
	health.SetSQLiteOK(true)

	// ---- Redis (optional) ----
	stores := []model.StateStore{sqlWriter}
	var redisWriter *redisstore.Writer
	var redisSink *redisstore.BufferedWriter
	redisWriter, err = redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Printf("[mdengine] WARNING: redis init failed: %v (continuing without redis)", err)
	} else {
		defer redisWriter.Close()
		health.SetRedisConnected(true)
		stores = append(stores, redisWriter)

		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			log.Printf("[mdengine] redis circuit %s -> %s", from, to)
		}
		redisSink = redisstore.NewBufferedWriter(redisWriter, cb, 10000)
		redisSink.OnFlush = func(n int) { log.Printf("[mdengine] redis recovered, replayed %d writes", n) }
	}

	// ---- Aggregator, engine, pipeline ----
	aggregator, err := agg.New(agg.Config{Interval: cfg.Interval, Timezone: cfg.Timezone, Logger: lg})
	if err != nil {
		log.Fatalf("[mdengine] aggregator: %v", err)
	}
	prom.WireAggregator(aggregator)

	engine := indicator.NewEngine(indicator.WithLocation(loc), indicator.WithLogger(lg))
	p, err := pipeline.New(pipeline.Config{
		Timeframe: cfg.Interval,
		Specs:     specs,
		MaxRows:   cfg.MaxRows,
		Logger:    lg,
	}, aggregator, engine)
	if err != nil {
		log.Fatalf("[mdengine] pipeline: %v", err)
	}
	p.OnUpdate = func(d time.Duration, rows int) {
		prom.IndicatorUpdateDur.Observe(d.Seconds())
		prom.IndicatorRows.Add(float64(rows))
	}
	p.OnError = func(err error) { prom.IndicatorErrors.WithLabelValues(errorKind(err)).Inc() }
	p.OnDrop = func(what string) { log.Printf("[mdengine] %s output full, dropped", what) }
	p.OnCheckpoint = func(d time.Duration, err error) {
		prom.StateSaveDur.Observe(d.Seconds())
		if err != nil {
			prom.StateSaveFailures.Inc()
			lg.Warn("checkpoint failed", slog.String("error", err.Error()))
			return
		}
		health.SetStateSavedAt(time.Now())
	}

	barCh := make(chan model.Bar, sinkBufferSize)
	rowCh := make(chan model.IndicatorRow, sinkBufferSize)
	p.BarOut = barCh
	if redisSink != nil {
		p.RowOut = rowCh
	}

	// ---- Warm start ----
	// With a checkpoint, warm only steps the bars stored after it.
	if err := p.Restore(ctx, cfg.StatePath, stores...); err != nil {
		lg.Warn("no usable checkpoint, re-warming from stored bars", slog.String("error", err.Error()))
	}
	warm(ctx, p, sqlReader, cfg)

	// ---- Sinks ----
	fanout := bus.New(sinkBufferSize)
	fanout.OnDrop = func(name string) { log.Printf("[mdengine] fanout subscriber %s full, bar dropped", name) }
	sqliteBars := fanout.Subscribe("sqlite")
	var redisBars <-chan model.Bar
	if redisSink != nil {
		redisBars = fanout.Subscribe("redis")
	}

	// ---- Feed ----
	ring := ringbuf.New(ringSize)
	ring.OnOverflow = func() { prom.RingBufOverflow.Inc() }
	feed, err := wsfeed.New(wsfeed.Config{URL: cfg.FeedURL})
	if err != nil {
		log.Fatalf("[mdengine] feed: %v", err)
	}
	feed.OnConnect = func() { health.SetFeedConnected(true) }
	feed.OnDisconnect = func(error) { health.SetFeedConnected(false) }
	feed.OnReconnect = func() { prom.FeedReconnects.Inc() }
	feed.OnTrade = func(t model.Trade) { health.SetLastTradeTime(t.Time()) }
	feed.OnDrop = func(string) { prom.DroppedTrades.Inc() }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return feed.Start(gctx, filterSink{ring: ring, symbols: symbols}) })
	g.Go(func() error { fanout.Run(gctx, barCh); return nil })
	g.Go(func() error { sqlWriter.Run(gctx, cfg.Interval, sqliteBars); return nil })
	if redisSink != nil {
		g.Go(func() error {
			batchLoop(gctx, redisBars, 1, 0, func(bars []model.Bar) {
				start := time.Now()
				if err := redisSink.WriteBars(context.Background(), cfg.Interval, bars); err != nil {
					lg.Warn("redis bar write failed", slog.String("error", err.Error()))
				}
				prom.RedisWriteDur.Observe(time.Since(start).Seconds())
			})
			return nil
		})
		g.Go(func() error {
			batchLoop(gctx, rowCh, rowBatchSize, rowFlushDelay, func(rows []model.IndicatorRow) {
				start := time.Now()
				if err := redisSink.WriteIndicators(context.Background(), rows); err != nil {
					lg.Warn("redis indicator write failed", slog.String("error", err.Error()))
				}
				prom.RedisWriteDur.Observe(time.Since(start).Seconds())
			})
			return nil
		})
	}
	g.Go(func() error {
		if redisWriter != nil {
			health.RunLivenessChecker(gctx, redisWriter.Client(), sqlWriter.DB(), 10*time.Second)
		} else {
			health.RunLivenessChecker(gctx, nil, sqlWriter.DB(), 10*time.Second)
		}
		return nil
	})

	// ---- Dispatch loop (single writer) ----
	watcher := &markethours.CloseWatcher{Session: session, Grace: closeGrace}
	g.Go(func() error {
		lastSnap := time.Now()
		var lastProcessed uint64
		tick := func() {
			if watcher.Check() {
				bars := p.CloseSession()
				prom.SessionCloses.Inc()
				lg.Info("session closed, open bars finalized", slog.Int("bars", len(bars)))
			}
			if every := cfg.SnapshotInterval(); every > 0 && time.Since(lastSnap) >= every {
				lastSnap = time.Now()
				p.Checkpoint(gctx, cfg.StatePath, stores...)
			}
			if n := aggregator.Stats().TradesProcessed; n > lastProcessed {
				prom.TradesTotal.Add(float64(n - lastProcessed))
				lastProcessed = n
			}
			prom.IndicatorKeys.Set(float64(engine.Stats().Keys))
		}
		ring.Drain(gctx, drainIdle, p.HandleTrade, tick)
		return nil
	})

	log.Println("[mdengine] ╔═══════════════════════════════════════════════════════════════╗")
	log.Println("[mdengine] ║  Market Core Engine                                          ║")
	log.Println("[mdengine] ║  [WS Feed] → [Ring] → [Bars] → [Indicators] → [SQLite/Redis]  ║")
	log.Printf("[mdengine] ║  Interval: %-6s Timezone: %-34s ║", cfg.Interval, cfg.Timezone)
	log.Println("[mdengine] ╚═══════════════════════════════════════════════════════════════╝")
	log.Printf("[mdengine] %s", session.StatusString(time.Now()))

	if err := g.Wait(); err != nil {
		log.Printf("[mdengine] run error: %v", err)
	}
	log.Println("[mdengine] shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	writers := []barWriter{sqlWriter}
	if redisSink != nil {
		writers = append(writers, redisSink)
	}
	if n := finalizeOpenBars(shutdownCtx, p, cfg.Interval, writers...); n > 0 {
		log.Printf("[mdengine] %d open bars finalized and stored", n)
	}
	if err := p.Checkpoint(shutdownCtx, cfg.StatePath, stores...); err != nil {
		log.Printf("[mdengine] final checkpoint failed: %v", err)
	}
	metricsSrv.Stop(shutdownCtx)

	log.Println("[mdengine] shutdown complete.")
}

// warm replays the most recent stored bars of every symbol into the
// pipeline. With MaxRows set only that many intervals are read back.
func warm(ctx context.Context, p *pipeline.Pipeline, r *sqlitestore.Reader, cfg *config.Config) {
	syms, err := r.Symbols(ctx, cfg.Interval)
	if err != nil {
		log.Printf("[mdengine] warm-up: list symbols: %v", err)
		return
	}
	var after time.Time
	if cfg.MaxRows > 0 {
		interval, _ := bucket.ParseInterval(cfg.Interval)
		after = time.Now().Add(-time.Duration(cfg.MaxRows) * interval)
	}
	n, err := p.Backfill(ctx, r, syms, after)
	if err != nil {
		log.Printf("[mdengine] warm-up stopped after %d bars: %v", n, err)
	}
}

type barWriter interface {
	WriteBars(ctx context.Context, timeframe string, bars []model.Bar) error
}

// finalizeOpenBars closes every in-progress bar and writes the result to
// each writer directly, since the sink goroutines have already stopped.
// Returns the number of bars finalized.
func finalizeOpenBars(ctx context.Context, p *pipeline.Pipeline, timeframe string, writers ...barWriter) int {
	p.BarOut, p.RowOut = nil, nil
	bars := p.CloseSession()
	if len(bars) == 0 {
		return 0
	}
	for _, w := range writers {
		if err := w.WriteBars(ctx, timeframe, bars); err != nil {
			log.Printf("[mdengine] final bar write failed: %v", err)
		}
	}
	return len(bars)
}

// filterSink pushes only the configured symbols into the ring. Symbols are
// matched and forwarded upper-cased, the way the config lists them.
type filterSink struct {
	ring    *ringbuf.Ring
	symbols map[string]bool
}

func (s filterSink) Push(t model.Trade) bool {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if s.symbols != nil && !s.symbols[t.Symbol] {
		return true
	}
	return s.ring.Push(t)
}

// batchLoop collects items from in and calls flush with up to size of them,
// or with what it has after every delay. A zero delay flushes as soon as the
// channel is momentarily empty.
func batchLoop[T any](ctx context.Context, in <-chan T, size int, delay time.Duration, flush func([]T)) {
	batch := make([]T, 0, size)
	emit := func() {
		if len(batch) > 0 {
			flush(batch)
			batch = make([]T, 0, size)
		}
	}
	var tick <-chan time.Time
	if delay > 0 {
		t := time.NewTicker(delay)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			emit()
			return
		case v, ok := <-in:
			if !ok {
				emit()
				return
			}
			batch = append(batch, v)
			if len(batch) >= size || (delay == 0 && len(in) == 0) {
				emit()
			}
		case <-tick:
			emit()
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrConfig):
		return "config"
	default:
		return "other"
	}
}
