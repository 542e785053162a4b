package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bar is an OHLCV summary of the trades that landed in one time bucket.
// Timestamp is the bucket start in the aggregator's location.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int       `json:"trade_count"`
}

// NewBar starts a bar from the first trade of a bucket.
func NewBar(t Trade, bucket time.Time) Bar {
	return Bar{
		Symbol:     t.Symbol,
		Timestamp:  bucket,
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Volume:     t.Volume,
		TradeCount: 1,
	}
}

// Apply folds another trade of the same bucket into the bar.
func (b *Bar) Apply(t Trade) {
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Volume
	b.TradeCount++
}

// Validate checks the OHLCV invariants.
func (b *Bar) Validate() error {
	if b.High < b.Open || b.High < b.Close || b.High < b.Low {
		return &ValidationError{Op: "bar " + b.Symbol, Err: fmt.Errorf("high %.6f below open/close/low", b.High)}
	}
	if b.Low > b.Open || b.Low > b.Close {
		return &ValidationError{Op: "bar " + b.Symbol, Err: fmt.Errorf("low %.6f above open/close", b.Low)}
	}
	if b.Volume <= 0 {
		return &ValidationError{Op: "bar " + b.Symbol, Err: errBadVolume}
	}
	if b.TradeCount < 1 {
		return &ValidationError{Op: "bar " + b.Symbol, Err: fmt.Errorf("trade_count %d < 1", b.TradeCount)}
	}
	return nil
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
