package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketcore/internal/model"
)

// Reader provides read-only access to stored bars for backtests and warm-up.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading. The schema is created if
// missing so a fresh path reads as empty.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadBars returns the bars of symbol and timeframe strictly after `after`,
// ascending by time. A zero `after` reads everything.
func (r *Reader) ReadBars(ctx context.Context, symbol, timeframe string, after time.Time) ([]model.Bar, error) {
	var afterMs int64 = -1 << 62
	if !after.IsZero() {
		afterMs = after.UnixMilli()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, ts, open, high, low, close, volume, trade_count
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND ts > ?
		ORDER BY ts ASC
	`, symbol, timeframe, afterMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsMs int64
		if err := rows.Scan(&b.Symbol, &tsMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.Timestamp = time.UnixMilli(tsMs).UTC()
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Symbols lists the symbols with stored bars for timeframe, sorted.
func (r *Reader) Symbols(ctx context.Context, timeframe string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM bars WHERE timeframe = ? ORDER BY symbol`, timeframe)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestEngineState returns the most recent checkpoint, or nil if none.
func (r *Reader) LatestEngineState(ctx context.Context) ([]byte, error) {
	return latestEngineState(ctx, r.db)
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
