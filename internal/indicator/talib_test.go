package indicator

import (
	"math"
	"testing"

	"github.com/markcheno/go-talib"

	"marketcore/internal/model"
)

// The batch reference values come from TA-Lib. Rows before TA-Lib's
// lookback are zero there and NaN here, so only valid rows are compared.

func ohlc(bars []model.Bar) (o, h, l, c []float64) {
	for _, b := range bars {
		o = append(o, b.Open)
		h = append(h, b.High)
		l = append(l, b.Low)
		c = append(c, b.Close)
	}
	return
}

func runSpec(t *testing.T, bars []model.Bar, spec string) *model.Frame {
	t.Helper()
	f := frameOf(bars)
	if _, err := NewEngine(WithLocation(newYork)).Update(f, 0, mustSpecs(t, spec), "TEST", "5m"); err != nil {
		t.Fatalf("Update(%s): %v", spec, err)
	}
	return f
}

func compareFrom(t *testing.T, label string, f *model.Frame, col string, want []float64, first int) {
	t.Helper()
	got, ok := f.Column(col)
	if !ok {
		t.Fatalf("%s: column %s missing", label, col)
	}
	for i := 0; i < first; i++ {
		if !math.IsNaN(got[i]) {
			t.Fatalf("%s: row %d = %v before warm-up", label, i, got[i])
		}
	}
	for i := first; i < len(want); i++ {
		assertRel(t, label, got[i], want[i], 1e-6)
	}
}

func TestOracle_SMA(t *testing.T) {
	bars := sessionBars(4, 1)
	_, _, _, c := ohlc(bars)
	f := runSpec(t, bars, "sma(length=20)")
	compareFrom(t, "SMA(20)", f, "sma_20", talib.Sma(c, 20), 19)
}

func TestOracle_EMA(t *testing.T) {
	bars := sessionBars(4, 2)
	_, _, _, c := ohlc(bars)
	f := runSpec(t, bars, "ema(length=20)")
	compareFrom(t, "EMA(20)", f, "ema_20", talib.Ema(c, 20), 19)
}

func TestOracle_RSI(t *testing.T) {
	bars := sessionBars(4, 3)
	_, _, _, c := ohlc(bars)
	f := runSpec(t, bars, "rsi(length=14)")
	compareFrom(t, "RSI(14)", f, "rsi_14", talib.Rsi(c, 14), 14)
}

func TestOracle_ATR(t *testing.T) {
	bars := sessionBars(4, 4)
	_, h, l, c := ohlc(bars)
	f := runSpec(t, bars, "atr(length=14)")
	compareFrom(t, "ATR(14)", f, "atr_14", talib.Atr(h, l, c, 14), 14)
}

func TestOracle_Bollinger(t *testing.T) {
	bars := sessionBars(4, 5)
	_, _, _, c := ohlc(bars)
	upper, middle, lower := talib.BBands(c, 20, 2, 2, talib.SMA)
	f := runSpec(t, bars, "bbands(length=20,k=2)")
	compareFrom(t, "BB upper", f, "bb_upper_20_2", upper, 19)
	compareFrom(t, "BB middle", f, "bb_middle_20_2", middle, 19)
	compareFrom(t, "BB lower", f, "bb_lower_20_2", lower, 19)
}
