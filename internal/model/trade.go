package model

import (
	"math"
	"time"
)

// Trade is a single executed trade from the upstream feed.
// Timestamp is epoch milliseconds (UTC).
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Time returns the trade timestamp as a UTC time.Time.
func (t *Trade) Time() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

// Validate reports why a trade cannot be aggregated, or nil if it can.
func (t *Trade) Validate() error {
	switch {
	case t.Symbol == "":
		return &ValidationError{Op: "trade", Err: errMissingSymbol}
	case math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0:
		return &ValidationError{Op: "trade " + t.Symbol, Err: errBadPrice}
	case t.Volume <= 0:
		return &ValidationError{Op: "trade " + t.Symbol, Err: errBadVolume}
	case t.Timestamp <= 0:
		return &ValidationError{Op: "trade " + t.Symbol, Err: errBadTimestamp}
	}
	return nil
}
