package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketcore/internal/model"
)

type fakeSink struct {
	fail bool
	bars []model.Bar
	rows []model.IndicatorRow
}

func (f *fakeSink) WriteBars(_ context.Context, _ string, bars []model.Bar) error {
	if f.fail {
		return errors.New("connection refused")
	}
	f.bars = append(f.bars, bars...)
	return nil
}

func (f *fakeSink) WriteIndicators(_ context.Context, rows []model.IndicatorRow) error {
	if f.fail {
		return errors.New("connection refused")
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func testBar(sym string, min int) model.Bar {
	return model.Bar{
		Symbol:    sym,
		Timestamp: time.Date(2024, 1, 16, 14, 30+min, 0, 0, time.UTC),
		Open:      100, High: 101, Low: 99, Close: 100.5,
		Volume: 10, TradeCount: 1,
	}
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	sink := &fakeSink{}
	bw := NewBufferedWriter(sink, NewCircuitBreaker(2, time.Minute), 0)
	ctx := context.Background()

	if err := bw.WriteBars(ctx, "5m", []model.Bar{testBar("AAPL", 0)}); err != nil {
		t.Fatal(err)
	}
	if err := bw.WriteIndicators(ctx, []model.IndicatorRow{{Symbol: "AAPL", Timeframe: "5m"}}); err != nil {
		t.Fatal(err)
	}
	if len(sink.bars) != 1 || len(sink.rows) != 1 || bw.PendingCount() != 0 {
		t.Errorf("bars=%d rows=%d pending=%d", len(sink.bars), len(sink.rows), bw.PendingCount())
	}
}

func TestBufferedWriter_BuffersWhileOpenAndReplaysInOrder(t *testing.T) {
	sink := &fakeSink{fail: true}
	cb := NewCircuitBreaker(1, 30*time.Millisecond)
	bw := NewBufferedWriter(sink, cb, 0)
	ctx := context.Background()

	// First failure trips the breaker and is returned to the caller.
	if err := bw.WriteBars(ctx, "5m", []model.Bar{testBar("AAPL", 0)}); err == nil {
		t.Fatal("expected sink error")
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}

	buffered := 0
	bw.OnBuffer = func() { buffered++ }
	for i := 1; i <= 3; i++ {
		if err := bw.WriteBars(ctx, "5m", []model.Bar{testBar("AAPL", 5*i)}); err != nil {
			t.Fatalf("write %d while open: %v", i, err)
		}
	}
	if buffered != 3 || bw.PendingCount() != 3 {
		t.Fatalf("buffered=%d pending=%d", buffered, bw.PendingCount())
	}

	sink.fail = false
	time.Sleep(40 * time.Millisecond)
	flushed := 0
	bw.OnFlush = func(n int) { flushed += n }
	if err := bw.WriteBars(ctx, "5m", []model.Bar{testBar("AAPL", 20)}); err != nil {
		t.Fatal(err)
	}
	if flushed != 3 || bw.PendingCount() != 0 {
		t.Errorf("flushed=%d pending=%d", flushed, bw.PendingCount())
	}
	if len(sink.bars) != 4 {
		t.Fatalf("sink got %d bars, want 4", len(sink.bars))
	}
	for i := 1; i < len(sink.bars); i++ {
		if !sink.bars[i].Timestamp.After(sink.bars[i-1].Timestamp) {
			t.Errorf("bar %d out of order", i)
		}
	}
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	sink := &fakeSink{fail: true}
	cb := NewCircuitBreaker(1, time.Hour)
	bw := NewBufferedWriter(sink, cb, 2)
	ctx := context.Background()

	bw.WriteBars(ctx, "5m", []model.Bar{testBar("AAPL", 0)}) // trips
	dropped := 0
	bw.OnDrop = func() { dropped++ }
	for i := 1; i <= 4; i++ {
		bw.WriteBars(ctx, "5m", []model.Bar{testBar("AAPL", 5*i)})
	}
	if bw.PendingCount() != 2 || dropped != 2 {
		t.Errorf("pending=%d dropped=%d", bw.PendingCount(), dropped)
	}
}

func TestKeys(t *testing.T) {
	if got := BarStreamKey("5m", "AAPL"); got != "bar:5m:AAPL" {
		t.Errorf("BarStreamKey = %q", got)
	}
	if got := IndicatorStreamKey("1h", "MSFT"); got != "ind:1h:MSFT" {
		t.Errorf("IndicatorStreamKey = %q", got)
	}
	if got := pubsubChannel(BarStreamKey("5m", "AAPL")); got != "pub:bar:5m:AAPL" {
		t.Errorf("pubsubChannel = %q", got)
	}
	if got := streamMaxLen("5m"); got != 288+100 {
		t.Errorf("streamMaxLen(5m) = %d", got)
	}
	if got := streamMaxLen("bogus"); got != 2000 {
		t.Errorf("streamMaxLen(bogus) = %d", got)
	}
}
