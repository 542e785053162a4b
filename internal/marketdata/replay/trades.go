package replay

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"marketcore/internal/model"
)

// ReadTradesCSV parses trades from CSV rows of symbol,price,volume,timestamp
// (epoch milliseconds). A first row whose price field is not a number is
// taken as a header and skipped. Rows are returned in file order.
func ReadTradesCSV(r io.Reader) ([]model.Trade, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	var trades []model.Trade
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return trades, nil
		}
		if err != nil {
			return nil, model.NewValidationError("trades csv", err)
		}
		price, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, model.NewValidationError("trades csv", fmt.Errorf("line %d: price %q", line, rec[1]))
		}
		vol, err := strconv.ParseInt(rec[2], 10, 64)
		if err != nil {
			return nil, model.NewValidationError("trades csv", fmt.Errorf("line %d: volume %q", line, rec[2]))
		}
		ts, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil {
			return nil, model.NewValidationError("trades csv", fmt.Errorf("line %d: timestamp %q", line, rec[3]))
		}
		trades = append(trades, model.Trade{
			Symbol:    strings.ToUpper(strings.TrimSpace(rec[0])),
			Price:     price,
			Volume:    vol,
			Timestamp: ts,
		})
	}
}
