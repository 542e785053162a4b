package agg

import (
	"sort"

	"marketcore/internal/model"
)

// BarsToFrame converts bars into an ascending-time OHLCV frame. When symbol
// is non-empty, bars for other symbols are skipped.
func BarsToFrame(bars []model.Bar, symbol string) *model.Frame {
	sel := make([]model.Bar, 0, len(bars))
	for _, b := range bars {
		if symbol != "" && b.Symbol != symbol {
			continue
		}
		sel = append(sel, b)
	}
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].Timestamp.Before(sel[j].Timestamp) })

	f := model.NewFrame(symbol)
	for _, b := range sel {
		f.AppendBar(b)
	}
	return f
}
