package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketcore/internal/marketdata/bucket"
	"marketcore/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	stateTTL         = 24 * time.Hour

	// StateKey holds the latest encoded indicator engine state.
	StateKey = "state:indicator:latest"
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes completed bars, indicator rows and engine checkpoints.
// Every bar and row goes out as XADD (history) + SET (latest) + PUBLISH
// (live subscribers) in one pipeline.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// BarStreamKey is the stream holding completed bars: bar:{tf}:{symbol}.
func BarStreamKey(timeframe, symbol string) string { return "bar:" + timeframe + ":" + symbol }

// IndicatorStreamKey is the stream holding indicator rows: ind:{tf}:{symbol}.
func IndicatorStreamKey(timeframe, symbol string) string { return "ind:" + timeframe + ":" + symbol }

func latestKey(stream string) string { return stream + ":latest" }
func pubsubChannel(stream string) string { return "pub:" + stream }

// streamMaxLen keeps roughly a trading day of rows plus a buffer.
func streamMaxLen(timeframe string) int64 {
	d, err := bucket.ParseInterval(timeframe)
	if err != nil || d <= 0 {
		return 2000
	}
	n := int64(24*time.Hour/d) + 100
	if n < 200 {
		n = 200
	}
	return n
}

func (w *Writer) publish(ctx context.Context, pipe goredis.Pipeliner, stream, timeframe, payload string) {
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen(timeframe),
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	})
	pipe.Set(ctx, latestKey(stream), payload, defaultLatestTTL)
	pipe.Publish(ctx, pubsubChannel(stream), payload)
}

// WriteBars publishes completed bars in a single pipeline.
func (w *Writer) WriteBars(ctx context.Context, timeframe string, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	for i := range bars {
		w.publish(ctx, pipe, BarStreamKey(timeframe, bars[i].Symbol), timeframe, string(bars[i].JSON()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bar pipeline (%d bars): %w", len(bars), err)
	}
	return nil
}

// WriteIndicators publishes indicator rows in a single pipeline.
func (w *Writer) WriteIndicators(ctx context.Context, rows []model.IndicatorRow) error {
	if len(rows) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	for i := range rows {
		data, err := json.Marshal(rows[i])
		if err != nil {
			return fmt.Errorf("marshal indicator row %s: %w", rows[i].Symbol, err)
		}
		w.publish(ctx, pipe, IndicatorStreamKey(rows[i].Timeframe, rows[i].Symbol), rows[i].Timeframe, string(data))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis indicator pipeline (%d rows): %w", len(rows), err)
	}
	return nil
}

// SaveEngineState stores an encoded engine checkpoint with a 24h TTL.
// The state file stays the primary copy.
func (w *Writer) SaveEngineState(ctx context.Context, runID string, data []byte) error {
	if err := w.client.Set(ctx, StateKey, data, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis set state (run %s): %w", runID, err)
	}
	return nil
}

// LatestEngineState returns the last stored checkpoint, or nil if none.
func (w *Writer) LatestEngineState(ctx context.Context) ([]byte, error) {
	data, err := w.client.Get(ctx, StateKey).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get state: %w", err)
	}
	return data, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
