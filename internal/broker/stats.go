package broker

import (
	"context"
	"math"

	"papertrader/pkg/types"
)

// GetStats aggregates over all positions. Win rate is the percentage of
// closed positions with positive realized PnL. The average R-multiple is
// taken over closed positions that had a stop with non-zero risk; others
// are excluded from the mean. Best/worst symbols rank by summed realized
// PnL with ties broken by insertion order.
func (b *Broker) GetStats(ctx context.Context) (*types.Stats, error) {
	// ExportPositions with open bounds walks everything in insertion order.
	positions, err := b.store.ExportPositions(ctx, nil, nil, "")
	if err != nil {
		return nil, err
	}
	settings, err := b.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	stats := &types.Stats{TotalPositions: len(positions)}

	var (
		wins        int
		rSum        float64
		rCount      int
		symbolPnl   = make(map[string]float64)
		symbolOrder []string
	)

	for _, p := range positions {
		if p.IsOpen() {
			stats.OpenPositions++
			continue
		}
		stats.ClosedPositions++
		pnl := *p.RealizedPnl
		stats.TotalPnl += pnl
		if pnl > 0 {
			wins++
		}

		if p.SL != nil {
			risk := math.Abs(p.EntryPrice - *p.SL)
			if risk > 0 {
				rSum += (pnl / p.Qty) / risk
				rCount++
			}
		}

		if _, seen := symbolPnl[p.Symbol]; !seen {
			symbolOrder = append(symbolOrder, p.Symbol)
		}
		symbolPnl[p.Symbol] += pnl
	}

	if stats.ClosedPositions > 0 {
		stats.WinRate = float64(wins) / float64(stats.ClosedPositions) * 100
	}
	if rCount > 0 {
		stats.AvgRMultiple = rSum / float64(rCount)
	}

	for _, sym := range symbolOrder {
		pnl := symbolPnl[sym]
		if stats.BestSymbol == "" || pnl > symbolPnl[stats.BestSymbol] {
			stats.BestSymbol = sym
		}
		if stats.WorstSymbol == "" || pnl < symbolPnl[stats.WorstSymbol] {
			stats.WorstSymbol = sym
		}
	}

	stats.CurrentBalance = settings.BaseBalance + stats.TotalPnl
	return stats, nil
}
