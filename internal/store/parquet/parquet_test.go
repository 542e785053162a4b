package parquet

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"marketcore/internal/model"
)

func TestExportFrame_RoundTrip(t *testing.T) {
	f := model.NewFrame("AAPL")
	t0 := time.Date(2024, 1, 16, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		c := 100 + float64(i)
		f.AppendBar(model.Bar{Symbol: "AAPL", Timestamp: t0.Add(time.Duration(i) * 5 * time.Minute),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10, TradeCount: 1})
	}
	sma := f.EnsureColumn("sma_2")
	sma[1], sma[2], sma[3] = 100.5, 101.5, 102.5

	path := filepath.Join(t.TempDir(), "out", "AAPL.parquet")
	if err := ExportFrame(path, f); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Symbol != "AAPL" || got.Len() != 4 {
		t.Fatalf("got %s with %d rows", got.Symbol, got.Len())
	}
	if !got.Index[3].Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("index[3] = %v", got.Index[3])
	}
	if got.Value(model.ColClose, 2) != 102 || got.Value(model.ColHigh, 0) != 101 {
		t.Errorf("ohlcv mismatch")
	}
	if !math.IsNaN(got.Value("sma_2", 0)) || got.Value("sma_2", 3) != 102.5 {
		t.Errorf("sma_2 = %v, %v", got.Value("sma_2", 0), got.Value("sma_2", 3))
	}
}

func TestRows_NoIndicators(t *testing.T) {
	f := model.NewFrame("MSFT")
	f.AppendBar(model.Bar{Symbol: "MSFT", Timestamp: time.Unix(1705415400, 0).UTC(),
		Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, TradeCount: 1})
	rows := Rows(f)
	if len(rows) != 1 || rows[0].Indicators != nil || rows[0].TimeMs != 1705415400000 {
		t.Errorf("Rows() = %+v", rows)
	}
}

func TestExportFrame_Nil(t *testing.T) {
	if err := ExportFrame(filepath.Join(t.TempDir(), "x.parquet"), nil); err == nil {
		t.Error("expected error")
	}
}
