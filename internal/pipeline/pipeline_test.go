package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"marketcore/internal/indicator"
	"marketcore/internal/marketdata/agg"
	"marketcore/internal/model"
)

const testSpecs = "sma(length=5);ema(length=8);rsi(length=6);macd(fast=3,slow=6,signal=3);bbands(length=10)"

func walk(symbol string, n int, seed int64) []model.Bar {
	rng := rand.New(rand.NewSource(seed))
	t0 := time.Date(2024, 1, 16, 14, 30, 0, 0, time.UTC)
	price := 50.0
	out := make([]model.Bar, n)
	for i := range out {
		open := price
		price = math.Max(1, price+rng.NormFloat64()*0.5)
		out[i] = model.Bar{
			Symbol:     symbol,
			Timestamp:  t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:       open,
			High:       math.Max(open, price) + 0.1,
			Low:        math.Min(open, price) - 0.1,
			Close:      price,
			Volume:     int64(100 + i),
			TradeCount: 1,
		}
	}
	return out
}

func specs(t *testing.T) []indicator.Spec {
	t.Helper()
	s, err := indicator.ParseSpecs(testSpecs)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newPipeline(t *testing.T, maxRows int) *Pipeline {
	t.Helper()
	p, err := New(Config{Timeframe: "5m", Specs: specs(t), MaxRows: maxRows}, nil, indicator.NewEngine())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// batchFrame computes the indicators over all bars in one call.
func batchFrame(t *testing.T, bars []model.Bar) *model.Frame {
	t.Helper()
	f := agg.BarsToFrame(bars, bars[0].Symbol)
	if _, err := indicator.NewEngine().Update(f, 0, specs(t), bars[0].Symbol, "5m"); err != nil {
		t.Fatal(err)
	}
	return f
}

func same(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// assertTail checks that got equals the last got.Len() rows of want.
func assertTail(t *testing.T, got, want *model.Frame) {
	t.Helper()
	off := want.Len() - got.Len()
	if off < 0 {
		t.Fatalf("got %d rows, want at most %d", got.Len(), want.Len())
	}
	for _, c := range want.Columns() {
		for i := 0; i < got.Len(); i++ {
			if g, w := got.Value(c, i), want.Value(c, off+i); !same(g, w) {
				t.Fatalf("%s[%d]: got %v, want %v", c, i, g, w)
			}
		}
	}
}

func feed(t *testing.T, p *Pipeline, bars []model.Bar, size int) {
	t.Helper()
	for i := 0; i < len(bars); i += size {
		end := i + size
		if end > len(bars) {
			end = len(bars)
		}
		if err := p.HandleBars(bars[i:end]); err != nil {
			t.Fatalf("chunk at %d: %v", i, err)
		}
	}
}

func TestPipeline_ChunksMatchBatch(t *testing.T) {
	bars := walk("AAPL", 120, 1)
	want := batchFrame(t, bars)
	for _, size := range []int{1, 4, 33} {
		p := newPipeline(t, 0)
		feed(t, p, bars, size)
		got, ok := p.Frame("AAPL")
		if !ok || got.Len() != len(bars) {
			t.Fatalf("size %d: frame missing or short", size)
		}
		assertTail(t, got, want)
	}
}

func TestPipeline_TrimKeepsIndicatorState(t *testing.T) {
	bars := walk("AAPL", 80, 2)
	want := batchFrame(t, bars)

	p := newPipeline(t, 15)
	feed(t, p, bars, 1)
	got, _ := p.Frame("AAPL")
	if got.Len() != 15 {
		t.Fatalf("frame has %d rows, want 15", got.Len())
	}
	assertTail(t, got, want)
}

func TestPipeline_Outputs(t *testing.T) {
	bars := walk("MSFT", 12, 3)
	p := newPipeline(t, 0)
	barCh := make(chan model.Bar, 32)
	rowCh := make(chan model.IndicatorRow, 32)
	p.BarOut = barCh
	p.RowOut = rowCh

	feed(t, p, bars, 5)
	if len(barCh) != 12 || len(rowCh) != 12 {
		t.Fatalf("bars=%d rows=%d, want 12 each", len(barCh), len(rowCh))
	}
	var rows []model.IndicatorRow
	for len(rowCh) > 0 {
		rows = append(rows, <-rowCh)
	}
	if _, ok := rows[0].Values["sma_5"]; ok {
		t.Error("row 0 carries a NaN sma_5")
	}
	if _, ok := rows[4].Values["sma_5"]; !ok {
		t.Error("row 4 lacks sma_5")
	}
	for _, r := range rows {
		if _, ok := r.Values[model.ColClose]; ok {
			t.Fatal("OHLCV column leaked into indicator row")
		}
	}
}

func TestPipeline_DropsWhenOutputFull(t *testing.T) {
	p := newPipeline(t, 0)
	p.BarOut = make(chan model.Bar, 1)
	var drops int
	p.OnDrop = func(string) { drops++ }
	feed(t, p, walk("AAPL", 3, 4), 3)
	if drops != 2 {
		t.Errorf("drops = %d, want 2", drops)
	}
}

func TestPipeline_RejectsOutOfOrderBars(t *testing.T) {
	bars := walk("AAPL", 6, 5)
	p := newPipeline(t, 0)
	feed(t, p, bars[:4], 4)

	err := p.HandleBars([]model.Bar{bars[5], bars[3]})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("got %v, want ValidationError", err)
	}
	f, _ := p.Frame("AAPL")
	if f.Len() != 4 {
		t.Errorf("rejected batch changed the frame: %d rows", f.Len())
	}
}

func TestPipeline_EngineErrorRollsBackRows(t *testing.T) {
	bad := []indicator.Spec{{Name: "sma", Params: map[string]string{"length": "3"}, Columns: []string{model.ColClose}}}
	p, err := New(Config{Timeframe: "5m", Specs: bad}, nil, indicator.NewEngine())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.HandleBars(walk("AAPL", 3, 6)); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("got %v, want ConfigError", err)
	}
	f, _ := p.Frame("AAPL")
	if f.Len() != 0 {
		t.Errorf("frame kept %d rows after a failed update", f.Len())
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	e := indicator.NewEngine()
	if _, err := New(Config{Timeframe: "5m", Specs: []indicator.Spec{{Name: "nope"}}}, nil, e); !errors.Is(err, model.ErrConfig) {
		t.Errorf("unknown indicator: %v", err)
	}
	if _, err := New(Config{}, nil, e); !errors.Is(err, model.ErrConfig) {
		t.Errorf("empty timeframe: %v", err)
	}
	if _, err := New(Config{Timeframe: "5m"}, nil, nil); !errors.Is(err, model.ErrConfig) {
		t.Errorf("nil engine: %v", err)
	}
}

func TestPipeline_TradesAndSessionClose(t *testing.T) {
	a, err := agg.New(agg.Config{Interval: "5m", Timezone: "America/New_York"})
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(Config{Timeframe: "5m", Specs: specs(t)}, a, indicator.NewEngine())
	if err != nil {
		t.Fatal(err)
	}
	barCh := make(chan model.Bar, 8)
	p.BarOut = barCh

	base := time.Date(2024, 1, 16, 14, 30, 0, 0, time.UTC).UnixMilli()
	min := int64(time.Minute / time.Millisecond)
	for _, tr := range []model.Trade{
		{Symbol: "AAPL", Price: 100, Volume: 10, Timestamp: base + 1*min},
		{Symbol: "AAPL", Price: 101, Volume: 5, Timestamp: base + 3*min},
		{Symbol: "AAPL", Price: 99, Volume: 7, Timestamp: base + 6*min}, // next bucket
		{Symbol: "AAPL", Price: 98, Volume: 1, Timestamp: base + 8*min},
	} {
		p.HandleTrade(tr)
	}
	if len(barCh) != 1 {
		t.Fatalf("bars after crossing = %d, want 1", len(barCh))
	}
	first := <-barCh
	if first.Open != 100 || first.Close != 101 || first.Volume != 15 {
		t.Errorf("first bar %+v", first)
	}

	closed := p.CloseSession()
	if len(closed) != 1 || closed[0].Close != 98 || closed[0].Volume != 8 {
		t.Fatalf("CloseSession = %+v", closed)
	}
	f, _ := p.Frame("AAPL")
	if f.Len() != 2 {
		t.Errorf("frame has %d rows, want 2", f.Len())
	}
	if got := p.Symbols(); len(got) != 1 || got[0] != "AAPL" {
		t.Errorf("Symbols() = %v", got)
	}
}

type memStore struct {
	data []byte
	err  error
}

func (m *memStore) SaveEngineState(_ context.Context, _ string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memStore) LatestEngineState(context.Context) ([]byte, error) { return m.data, m.err }

func TestPipeline_CheckpointRestoreResumes(t *testing.T) {
	bars := walk("AAPL", 90, 7)
	want := batchFrame(t, bars)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	p1 := newPipeline(t, 0)
	feed(t, p1, bars[:50], 7)
	store := &memStore{}
	var cpErr error
	p1.OnCheckpoint = func(_ time.Duration, err error) { cpErr = err }
	if err := p1.Checkpoint(ctx, path, store); err != nil || cpErr != nil {
		t.Fatalf("Checkpoint: %v / %v", err, cpErr)
	}
	if store.data == nil {
		t.Fatal("store not written")
	}

	for name, restore := range map[string]func(p *Pipeline) error{
		"file":  func(p *Pipeline) error { return p.Restore(ctx, path, store) },
		"store": func(p *Pipeline) error { return p.Restore(ctx, filepath.Join(t.TempDir(), "missing.json"), store) },
	} {
		t.Run(name, func(t *testing.T) {
			p2 := newPipeline(t, 0)
			if err := restore(p2); err != nil {
				t.Fatal(err)
			}
			feed(t, p2, bars[50:], 3)
			got, _ := p2.Frame("AAPL")
			assertTail(t, got, want)
		})
	}
}

func TestPipeline_RestoreFailsCleanly(t *testing.T) {
	p := newPipeline(t, 0)
	err := p.Restore(context.Background(), filepath.Join(t.TempDir(), "missing.json"),
		&memStore{}, &memStore{err: errors.New("unreachable")})
	if !errors.Is(err, model.ErrState) {
		t.Fatalf("got %v, want StateError", err)
	}
	if len(p.Engine().Keys()) != 0 {
		t.Error("failed restore left engine state behind")
	}
}

type memReader []model.Bar

func (m memReader) ReadBars(_ context.Context, symbol, _ string, after time.Time) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range m {
		if b.Symbol == symbol && b.Timestamp.After(after) {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestPipeline_BackfillDoesNotPublish(t *testing.T) {
	bars := walk("AAPL", 40, 8)
	want := batchFrame(t, bars)
	p := newPipeline(t, 0)
	barCh := make(chan model.Bar, 64)
	p.BarOut = barCh

	n, err := p.Backfill(context.Background(), memReader(bars[:30]), []string{"AAPL", "NONE"}, time.Time{})
	if err != nil || n != 30 {
		t.Fatalf("Backfill = %d, %v", n, err)
	}
	if len(barCh) != 0 {
		t.Errorf("backfill published %d bars", len(barCh))
	}
	// A second backfill over overlapping data only takes the new bars.
	n, err = p.Backfill(context.Background(), memReader(bars[:35]), []string{"AAPL"}, time.Time{})
	if err != nil || n != 5 {
		t.Fatalf("second Backfill = %d, %v", n, err)
	}
	feed(t, p, bars[35:], 5)
	got, _ := p.Frame("AAPL")
	assertTail(t, got, want)
	if len(barCh) != 5 {
		t.Errorf("live bars published = %d, want 5", len(barCh))
	}
}

func TestPipeline_BackfillAfterRestoreCatchesUp(t *testing.T) {
	bars := walk("AAPL", 90, 10)
	want := batchFrame(t, bars)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	p1 := newPipeline(t, 0)
	feed(t, p1, bars[:50], 10)
	if err := p1.Checkpoint(ctx, path); err != nil {
		t.Fatal(err)
	}
	// Bars 50..69 reached storage but the process stopped before the next
	// checkpoint.
	stored := memReader(bars[:70])

	p2 := newPipeline(t, 0)
	if err := p2.Restore(ctx, path); err != nil {
		t.Fatal(err)
	}
	if got := p2.Engine().LastTime("AAPL", "5m"); !got.Equal(bars[49].Timestamp) {
		t.Fatalf("LastTime = %s, want %s", got, bars[49].Timestamp)
	}
	n, err := p2.Backfill(ctx, stored, []string{"AAPL"}, time.Time{})
	if err != nil || n != 20 {
		t.Fatalf("Backfill = %d, %v; want 20 bars after the checkpoint", n, err)
	}
	feed(t, p2, bars[70:], 4)
	got, _ := p2.Frame("AAPL")
	if got.Len() != 40 {
		t.Fatalf("frame has %d rows, want 40", got.Len())
	}
	assertTail(t, got, want)
}

func TestSeries_AppendAndTrim(t *testing.T) {
	s := NewSeries("AAPL", "5m", 3)
	bars := walk("AAPL", 5, 9)
	start, err := s.Append(bars[:2])
	if err != nil || start != 0 {
		t.Fatalf("Append = %d, %v", start, err)
	}
	start, err = s.Append(bars[2:])
	if err != nil || start != 2 {
		t.Fatalf("Append = %d, %v", start, err)
	}
	if dropped := s.Trim(); dropped != 2 || s.Len() != 3 {
		t.Errorf("Trim dropped %d, len %d", dropped, s.Len())
	}
	if !s.Last().Equal(bars[4].Timestamp) {
		t.Errorf("Last() = %v", s.Last())
	}
	if _, err := s.Append([]model.Bar{walk("MSFT", 1, 1)[0]}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("foreign symbol: %v", err)
	}
}
