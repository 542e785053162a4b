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

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	keepStates        = 10
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/bars.db"

	// OnCommit, if set, is called with the duration of every batch commit.
	OnCommit func(time.Duration)
}

// Writer is a single-connection SQLite writer with transaction batching.
type Writer struct {
	db       *sql.DB
	onCommit func(time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db, onCommit: cfg.OnCommit}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol      TEXT    NOT NULL,
			timeframe   TEXT    NOT NULL,
			ts          INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      INTEGER NOT NULL,
			trade_count INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe, ts)
		);

		CREATE TABLE IF NOT EXISTS engine_states (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT    NOT NULL,
			data       BLOB    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads completed bars of one timeframe from barCh and upserts them in
// batched transactions. Flushes every batchSize bars OR every flushDelay,
// whichever first. Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, timeframe string, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The parent ctx may already be done; the final batch still goes in.
		if err := w.WriteBars(context.Background(), timeframe, batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case b, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, b)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// WriteBars upserts bars in a single transaction. A bar already stored for
// the same (symbol, timeframe, ts) is replaced.
func (w *Writer) WriteBars(ctx context.Context, timeframe string, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, timeframe, ts, open, high, low, close, volume, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, trade_count = excluded.trade_count
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, timeframe, b.Timestamp.UnixMilli(),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount); err != nil {
			tx.Rollback()
			return fmt.Errorf("upsert bar %s %s: %w", b.Symbol, b.Timestamp.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.onCommit != nil {
		w.onCommit(time.Since(start))
	}
	return nil
}

// LastBarTime returns the latest stored bar time for symbol and timeframe,
// or the zero time if none exist.
func (w *Writer) LastBarTime(ctx context.Context, symbol, timeframe string) (time.Time, error) {
	var ts sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND timeframe = ?`,
		symbol, timeframe,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64).UTC(), nil
}

// SaveEngineState stores an encoded indicator engine checkpoint and keeps
// only the most recent ones.
func (w *Writer) SaveEngineState(ctx context.Context, runID string, data []byte) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO engine_states (run_id, data, created_at) VALUES (?, ?, ?)`,
		runID, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert engine state: %w", err)
	}

	_, err = w.db.ExecContext(ctx,
		`DELETE FROM engine_states WHERE id NOT IN (SELECT id FROM engine_states ORDER BY id DESC LIMIT ?)`,
		keepStates)
	if err != nil {
		log.Printf("[sqlite] prune engine states warning: %v", err)
	}
	return nil
}

// LatestEngineState returns the most recent checkpoint, or nil if none.
func (w *Writer) LatestEngineState(ctx context.Context) ([]byte, error) {
	return latestEngineState(ctx, w.db)
}

func latestEngineState(ctx context.Context, db *sql.DB) ([]byte, error) {
	var data []byte
	err := db.QueryRowContext(ctx,
		`SELECT data FROM engine_states ORDER BY id DESC LIMIT 1`,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read engine state: %w", err)
	}
	return data, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
