// Package calc holds the pure position math: notional, PnL, fees,
// percent→price conversion, and the SL/TP trigger predicates. Nothing in
// here touches the store, the feed, or the clock.
package calc

import "papertrader/pkg/types"

// Notional is the position value in quote-asset units.
func Notional(qty, price float64) float64 {
	return qty * price
}

// UnrealizedPnl is the mark-to-market PnL of an open position.
func UnrealizedPnl(side types.Side, entryPrice, markPrice, qty float64) float64 {
	if side == types.Long {
		return (markPrice - entryPrice) * qty
	}
	return (entryPrice - markPrice) * qty
}

// PnlPercent expresses PnL relative to the entry notional. Returns 0 when
// the entry notional is zero.
func PnlPercent(pnl, qty, entryPrice float64) float64 {
	notional := qty * entryPrice
	if notional == 0 {
		return 0
	}
	return pnl / notional * 100
}

// Fee is the fractional-rate fee charged on a notional.
func Fee(notional, rate float64) float64 {
	return notional * rate
}

// SLPriceFromPercent converts a stop-loss distance in percent to an
// absolute price. The stop sits on the losing side of the entry.
func SLPriceFromPercent(side types.Side, entryPrice, percent float64) float64 {
	if side == types.Long {
		return entryPrice * (1 - percent/100)
	}
	return entryPrice * (1 + percent/100)
}

// TPPriceFromPercent converts a take-profit distance in percent to an
// absolute price. The target sits on the winning side of the entry.
func TPPriceFromPercent(side types.Side, entryPrice, percent float64) float64 {
	if side == types.Long {
		return entryPrice * (1 + percent/100)
	}
	return entryPrice * (1 - percent/100)
}

// ShouldTriggerSL reports whether the mark price has reached the stop.
// A nil stop never triggers. The boundary is inclusive.
func ShouldTriggerSL(side types.Side, markPrice float64, sl *float64) bool {
	if sl == nil {
		return false
	}
	if side == types.Long {
		return markPrice <= *sl
	}
	return markPrice >= *sl
}

// ShouldTriggerTP reports whether the mark price has reached the target.
// A nil target never triggers. The boundary is inclusive.
func ShouldTriggerTP(side types.Side, markPrice float64, tp *float64) bool {
	if tp == nil {
		return false
	}
	if side == types.Long {
		return markPrice >= *tp
	}
	return markPrice <= *tp
}
