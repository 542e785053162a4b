// Package replay reads stored bars and hands them out in fixed-size chunks,
// the way a live feed would deliver them over time.
package replay

import (
	"context"
	"errors"
	"log"
	"time"

	"marketcore/internal/model"
)

// Replayer reads historical bars from a BarReader.
type Replayer struct {
	reader model.BarReader
}

// New creates a Replayer.
func New(reader model.BarReader) *Replayer {
	return &Replayer{reader: reader}
}

// Chunks calls fn with consecutive chunks of at most size bars of one
// symbol, ascending by time, starting after `after`. It returns the number
// of bars replayed. A non-positive size delivers everything in one chunk.
func (r *Replayer) Chunks(ctx context.Context, symbol, timeframe string, after time.Time, size int, fn func(chunk []model.Bar) error) (int, error) {
	bars, err := r.reader.ReadBars(ctx, symbol, timeframe, after)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		log.Printf("[replay] no %s bars stored for %s", timeframe, symbol)
		return 0, nil
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return 0, model.NewValidationError("replay "+symbol, errors.New("stored bars are not strictly ascending"))
		}
	}
	if size <= 0 {
		size = len(bars)
	}

	emitted := 0
	for start := 0; start < len(bars); start += size {
		select {
		case <-ctx.Done():
			log.Printf("[replay] %s cancelled after %d bars", symbol, emitted)
			return emitted, ctx.Err()
		default:
		}
		end := start + size
		if end > len(bars) {
			end = len(bars)
		}
		if err := fn(bars[start:end]); err != nil {
			return emitted, err
		}
		emitted += end - start
	}

	log.Printf("[replay] %s completed: %d bars in chunks of %d", symbol, emitted, size)
	return emitted, nil
}
