package model

import (
	"context"
	"time"
)

// BarWriter persists or publishes completed bars for one timeframe.
type BarWriter interface {
	WriteBars(ctx context.Context, timeframe string, bars []Bar) error
}

// BarReader loads stored bars in ascending time order.
type BarReader interface {
	ReadBars(ctx context.Context, symbol, timeframe string, after time.Time) ([]Bar, error)
}

// IndicatorRow is the latest indicator values for one series row.
type IndicatorRow struct {
	Symbol    string             `json:"symbol"`
	Timeframe string             `json:"timeframe"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// IndicatorWriter publishes indicator rows.
type IndicatorWriter interface {
	WriteIndicators(ctx context.Context, rows []IndicatorRow) error
}

// StateStore keeps encoded indicator engine checkpoints.
type StateStore interface {
	SaveEngineState(ctx context.Context, runID string, data []byte) error
	LatestEngineState(ctx context.Context) ([]byte, error)
}
