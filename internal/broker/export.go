package broker

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"ID", "Symbol", "Side", "Quantity", "Entry Price", "Close Price",
	"Entry Time", "Close Time", "Realized PnL", "Fees Open", "Fees Close",
	"Funding PnL", "Leverage", "Notes",
}

// ExportCSV writes positions whose entry time falls in [start, end]
// (ms epoch, nil bounds open), optionally filtered by symbol, as CSV.
// Times render as ISO-8601 UTC; unset terminal fields render empty.
func (b *Broker) ExportCSV(ctx context.Context, w io.Writer, start, end *int64, symbol string) error {
	positions, err := b.store.ExportPositions(ctx, start, end, symbol)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	for _, p := range positions {
		record := []string{
			strconv.FormatInt(p.ID, 10),
			p.Symbol,
			string(p.Side),
			formatFloat(p.Qty),
			formatFloat(p.EntryPrice),
			formatFloatPtr(p.ClosePrice),
			formatTime(p.EntryTime),
			formatTimePtr(p.CloseTime),
			formatFloatPtr(p.RealizedPnl),
			formatFloat(p.FeesOpen),
			formatFloatPtr(p.FeesClose),
			formatFloatPtr(p.FundingPnl),
			strconv.Itoa(p.Leverage),
			p.Notes,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportRange resolves the export query parameters. Dates are YYYY-MM-DD;
// the end bound is inclusive of the whole day.
func ExportRange(startDate, endDate string) (start, end *int64, err error) {
	if startDate != "" {
		t, err := time.Parse("2006-01-02", startDate)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad startDate %q", ErrValidation, startDate)
		}
		ms := t.UnixMilli()
		start = &ms
	}
	if endDate != "" {
		t, err := time.Parse("2006-01-02", endDate)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad endDate %q", ErrValidation, endDate)
		}
		ms := t.Add(24*time.Hour - time.Millisecond).UnixMilli()
		end = &ms
	}
	return start, end, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func formatTimePtr(ms *int64) string {
	if ms == nil {
		return ""
	}
	return formatTime(*ms)
}
