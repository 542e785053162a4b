package indicator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"marketcore/internal/model"
)

var newYork = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// assertRel compares with a tolerance relative to the magnitude of want.
func assertRel(t *testing.T, label string, got, want, rel float64) {
	t.Helper()
	assertClose(t, label, got, want, rel*math.Max(1, math.Abs(want)))
}

// row builds a row where only the close matters.
func row(close float64) model.Row {
	return model.Row{Open: close, High: close, Low: close, Close: close, Volume: 1}
}

// sessionBars returns 5-minute bars from 09:30 to 15:55 New York time for
// the given number of trading days, following a seeded random walk.
func sessionBars(days int, seed int64) []model.Bar {
	rng := rand.New(rand.NewSource(seed))
	var bars []model.Bar
	price := 100.0
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, newYork)
	for d := 0; d < days; d++ {
		for m := 9*60 + 30; m < 16*60; m += 5 {
			open := price
			price += rng.NormFloat64() * 0.4
			if price < 1 {
				price = 1
			}
			high := math.Max(open, price) + rng.Float64()*0.3
			low := math.Min(open, price) - rng.Float64()*0.3
			bars = append(bars, model.Bar{
				Symbol:     "TEST",
				Timestamp:  day.Add(time.Duration(m) * time.Minute),
				Open:       open,
				High:       high,
				Low:        low,
				Close:      price,
				Volume:     int64(100 + rng.Intn(900)),
				TradeCount: 1,
			})
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func frameOf(bars []model.Bar) *model.Frame {
	f := model.NewFrame("TEST")
	for _, b := range bars {
		f.AppendBar(b)
	}
	return f
}

func closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// sameFloat treats two NaNs as equal.
func sameFloat(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

// assertSameColumns fails unless every column of want exists in got with
// identical values.
func assertSameColumns(t *testing.T, label string, got, want *model.Frame) {
	t.Helper()
	if got.Len() != want.Len() {
		t.Fatalf("%s: %d rows, want %d", label, got.Len(), want.Len())
	}
	for _, col := range want.Columns() {
		wv, _ := want.Column(col)
		gv, ok := got.Column(col)
		if !ok {
			t.Errorf("%s: column %s missing", label, col)
			continue
		}
		for i := range wv {
			if !sameFloat(gv[i], wv[i]) {
				t.Errorf("%s: %s[%d] = %v, want %v", label, col, i, gv[i], wv[i])
				break
			}
		}
	}
}

func mustSpecs(t *testing.T, s string) []Spec {
	t.Helper()
	specs, err := ParseSpecs(s)
	if err != nil {
		t.Fatalf("ParseSpecs(%q): %v", s, err)
	}
	return specs
}
