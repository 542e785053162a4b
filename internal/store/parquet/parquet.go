// Package parquet exports indicator-enriched frames as Parquet files.
package parquet

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketcore/internal/model"
)

// FrameRow is one exported row. Indicator columns go into Indicators keyed
// by column name; NaN marks rows an indicator had no value for.
type FrameRow struct {
	Symbol     string             `parquet:"symbol"`
	TimeMs     int64              `parquet:"ts_ms"`
	Open       float64            `parquet:"open"`
	High       float64            `parquet:"high"`
	Low        float64            `parquet:"low"`
	Close      float64            `parquet:"close"`
	Volume     float64            `parquet:"volume"`
	Indicators map[string]float64 `parquet:"indicators"`
}

// Rows flattens f into FrameRows.
func Rows(f *model.Frame) []FrameRow {
	var extra []string
	for _, c := range f.Columns() {
		switch c {
		case model.ColOpen, model.ColHigh, model.ColLow, model.ColClose, model.ColVolume:
		default:
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)

	out := make([]FrameRow, f.Len())
	for i := range out {
		r := f.Row(i)
		fr := FrameRow{
			Symbol: f.Symbol,
			TimeMs: r.Time.UnixMilli(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		}
		if len(extra) > 0 {
			fr.Indicators = make(map[string]float64, len(extra))
			for _, c := range extra {
				fr.Indicators[c] = f.Value(c, i)
			}
		}
		out[i] = fr
	}
	return out
}

// ExportFrame writes f to path, creating parent directories.
func ExportFrame(path string, f *model.Frame) error {
	if f == nil {
		return model.NewValidationError("export frame", fmt.Errorf("nil frame"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	if err := parquet.WriteFile(path, Rows(f)); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

// ReadFrame loads rows written by ExportFrame back into a frame.
func ReadFrame(path string) (*model.Frame, error) {
	rows, err := parquet.ReadFile[FrameRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	symbol := ""
	if len(rows) > 0 {
		symbol = rows[0].Symbol
	}
	index := make([]time.Time, len(rows))
	cols := map[string][]float64{
		model.ColOpen:   make([]float64, len(rows)),
		model.ColHigh:   make([]float64, len(rows)),
		model.ColLow:    make([]float64, len(rows)),
		model.ColClose:  make([]float64, len(rows)),
		model.ColVolume: make([]float64, len(rows)),
	}
	for i, r := range rows {
		index[i] = time.UnixMilli(r.TimeMs).UTC()
		cols[model.ColOpen][i] = r.Open
		cols[model.ColHigh][i] = r.High
		cols[model.ColLow][i] = r.Low
		cols[model.ColClose][i] = r.Close
		cols[model.ColVolume][i] = r.Volume
		for name, v := range r.Indicators {
			if cols[name] == nil {
				cols[name] = nanColumn(len(rows))
			}
			cols[name][i] = v
		}
	}
	return model.NewFrameFromColumns(symbol, index, cols)
}

func nanColumn(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
