package pipeline

import (
	"fmt"
	"time"

	"marketcore/internal/model"
)

// Series owns the frame of one (symbol, timeframe). Bars are appended in
// strictly ascending time; the frame is trimmed to MaxRows from the head.
// Trimming never touches indicator state, which lives in the engine.
type Series struct {
	Symbol    string
	Timeframe string
	MaxRows   int // 0 means unbounded

	frame *model.Frame
}

// NewSeries returns an empty series.
func NewSeries(symbol, timeframe string, maxRows int) *Series {
	return &Series{Symbol: symbol, Timeframe: timeframe, MaxRows: maxRows, frame: model.NewFrame(symbol)}
}

// Frame returns the live frame. Only the series owner may use it.
func (s *Series) Frame() *model.Frame { return s.frame }

// Len returns the number of rows held.
func (s *Series) Len() int { return s.frame.Len() }

// Last returns the time of the last row, or the zero time.
func (s *Series) Last() time.Time {
	if n := s.frame.Len(); n > 0 {
		return s.frame.Index[n-1]
	}
	return time.Time{}
}

// Append adds bars and returns the index of the first new row. Every bar must
// belong to this symbol, be valid and be later than the previous one;
// otherwise nothing is appended.
func (s *Series) Append(bars []model.Bar) (int, error) {
	op := "append " + s.Symbol + "/" + s.Timeframe
	last := s.Last()
	for i := range bars {
		b := &bars[i]
		if b.Symbol != s.Symbol {
			return 0, model.NewValidationError(op, fmt.Errorf("bar for %q", b.Symbol))
		}
		if err := b.Validate(); err != nil {
			return 0, err
		}
		if !last.IsZero() && !b.Timestamp.After(last) {
			return 0, model.NewValidationError(op, fmt.Errorf("bar %s is not after %s",
				b.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339)))
		}
		last = b.Timestamp
	}
	start := s.frame.Len()
	for _, b := range bars {
		s.frame.AppendBar(b)
	}
	return start, nil
}

// Trim drops head rows beyond MaxRows and returns how many were dropped.
func (s *Series) Trim() int {
	if s.MaxRows <= 0 {
		return 0
	}
	extra := s.frame.Len() - s.MaxRows
	if extra <= 0 {
		return 0
	}
	s.frame.DropHead(extra)
	return extra
}
