package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketcore/internal/marketdata/agg"
	"marketcore/internal/model"
)

// Metrics holds all Prometheus metrics for the market-data engine.
type Metrics struct {
	TradesTotal    prometheus.Counter
	TradesRejected *prometheus.CounterVec // labels: reason=invalid|late
	BarsTotal      prometheus.Counter
	BarLag         prometheus.Gauge
	FeedReconnects prometheus.Counter
	DroppedTrades  prometheus.Counter

	// Indicator engine
	IndicatorUpdateDur prometheus.Histogram
	IndicatorRows      prometheus.Counter
	IndicatorErrors    *prometheus.CounterVec // labels: kind=validation|config|other
	IndicatorKeys      prometheus.Gauge

	// State checkpoints
	StateSaveDur      prometheus.Histogram
	StateSaveFailures prometheus.Counter

	// Sinks
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Ring buffer overflow
	RingBufOverflow prometheus.Counter

	// Market session
	SessionCloses prometheus.Counter
}

// New creates all metrics and registers them with reg. A nil reg means the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_trades_total",
			Help: "Trades accepted by the bar aggregator",
		}),
		TradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_trades_rejected_total",
			Help: "Trades dropped by the aggregator (invalid or late)",
		}, []string{"reason"}),
		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_bars_total",
			Help: "Completed bars emitted",
		}),
		BarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_bar_lag_seconds",
			Help: "Lag between bar bucket start and emission time",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_feed_reconnects_total",
			Help: "Trade feed reconnection attempts",
		}),
		DroppedTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_dropped_trades_total",
			Help: "Trades dropped before aggregation (channel full or malformed message)",
		}),

		IndicatorUpdateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdengine_indicator_update_duration_seconds",
			Help:    "Indicator engine Update latency per series",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.05},
		}),
		IndicatorRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_indicator_rows_total",
			Help: "Rows stepped by the indicator engine",
		}),
		IndicatorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_indicator_errors_total",
			Help: "Indicator updates that failed",
		}, []string{"kind"}),
		IndicatorKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_indicator_keys",
			Help: "Indicator states held by the engine",
		}),

		StateSaveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdengine_state_save_duration_seconds",
			Help:    "Indicator state checkpoint latency",
			Buckets: prometheus.DefBuckets,
		}),
		StateSaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_state_save_failures_total",
			Help: "Indicator state checkpoints that failed",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdengine_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdengine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_ringbuf_overflow_total",
			Help: "Ring buffer push overflows (dropped trades)",
		}),

		SessionCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_session_closes_total",
			Help: "Session closes that force-finalized open bars",
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.TradesRejected,
		m.BarsTotal,
		m.BarLag,
		m.FeedReconnects,
		m.DroppedTrades,
		m.IndicatorUpdateDur,
		m.IndicatorRows,
		m.IndicatorErrors,
		m.IndicatorKeys,
		m.StateSaveDur,
		m.StateSaveFailures,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RingBufOverflow,
		m.SessionCloses,
	)

	return m
}

// WireAggregator connects the aggregator hooks to the bar and rejection
// counters.
func (m *Metrics) WireAggregator(a *agg.Aggregator) {
	a.OnBar = func(b model.Bar) {
		m.BarsTotal.Inc()
		m.BarLag.Set(time.Since(b.Timestamp).Seconds())
	}
	a.OnRejected = func(reason string) {
		m.TradesRejected.WithLabelValues(reason).Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTradeTime  time.Time `json:"last_trade_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	StateSavedAt   time.Time `json:"state_saved_at"`
	Interval       string    `json:"interval"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStateSavedAt(t time.Time) {
	h.mu.Lock()
	h.StateSavedAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInterval(s string) {
	h.mu.Lock()
	h.Interval = s
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker runs periodic dependency checks until ctx is done.
// Either client may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Redis is an optional sink; the feed and SQLite are not.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.FeedConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.FeedConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Interval        string  `json:"interval"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTradeTime   string  `json:"last_trade_time"`
		TradeAge        string  `json:"trade_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		StateSavedAt    string  `json:"state_saved_at"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Interval:        h.Interval,
		FeedConnected:   h.FeedConnected,
		LastTradeTime:   h.LastTradeTime.Format(time.RFC3339),
		TradeAge:        tradeAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		StateSavedAt:    h.StateSavedAt.Format(time.RFC3339),
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
