// Package engine evaluates SL/TP triggers on every mark-price tick and
// closes matching positions exactly once, publishing lifecycle events to
// a fan-out hub. It also owns startup recovery: on boot the feed is
// resubscribed to every symbol that still has an OPEN position.
package engine

import (
	"context"
	"log/slog"

	"papertrader/internal/calc"
	"papertrader/internal/store"
	"papertrader/pkg/types"
)

// PriceFeed is the slice of the feed contract the engine needs.
type PriceFeed interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Ticks() <-chan types.Tick
	LastPrice(symbol string) (float64, bool)
	IsConnected() bool
}

// Engine is the per-tick trigger evaluator.
type Engine struct {
	store  *store.Store
	feed   PriceFeed
	hub    *Hub
	logger *slog.Logger
}

// New wires the engine to its collaborators.
func New(st *store.Store, feed PriceFeed, hub *Hub, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		feed:   feed,
		hub:    hub,
		logger: logger.With("component", "engine"),
	}
}

// Hub exposes the event hub for stream consumers.
func (e *Engine) Hub() *Hub { return e.hub }

// Recover resubscribes the feed to every symbol carrying an OPEN position.
// Called once at startup before any external traffic is accepted.
func (e *Engine) Recover(ctx context.Context) error {
	symbols, err := e.store.OpenSymbols(ctx)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		if err := e.feed.Subscribe(sym); err != nil {
			return err
		}
	}
	e.logger.Info("recovered open position subscriptions", "symbols", symbols)
	return nil
}

// Run consumes the feed tick channel until ctx is cancelled or the channel
// closes.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-e.feed.Ticks():
			if !ok {
				return nil
			}
			e.handleTick(ctx, tick)
		}
	}
}

// handleTick publishes the price update, evaluates the symbol's OPEN
// positions in id order with SL taking priority over TP, and
// drop the feed subscription once the symbol has no OPEN positions left.
// Per-position failures are logged and skipped; a stuck position must not
// halt the engine.
func (e *Engine) handleTick(ctx context.Context, tick types.Tick) {
	e.hub.Publish(PriceUpdate{Symbol: tick.Symbol, Price: tick.Price, Ts: tick.Ts})

	positions, err := e.store.ListOpenBySymbol(ctx, tick.Symbol)
	if err != nil {
		e.logger.Error("loading open positions failed", "symbol", tick.Symbol, "error", err)
		return
	}
	if len(positions) == 0 {
		// The last OPEN position may have gone away outside the tick
		// loop (manual close, delete). The subscription is stale either
		// way.
		if err := e.feed.Unsubscribe(tick.Symbol); err != nil {
			e.logger.Warn("unsubscribe failed", "symbol", tick.Symbol, "error", err)
		}
		return
	}

	anyClosed := false
	for _, pos := range positions {
		switch {
		case calc.ShouldTriggerSL(pos.Side, tick.Price, pos.SL):
			if e.closeTriggered(ctx, pos, tick, types.EventSLTriggered) {
				anyClosed = true
			}
		case calc.ShouldTriggerTP(pos.Side, tick.Price, pos.TP):
			if e.closeTriggered(ctx, pos, tick, types.EventTPTriggered) {
				anyClosed = true
			}
		}
	}

	if !anyClosed {
		return
	}
	remaining, err := e.store.CountOpenBySymbol(ctx, tick.Symbol)
	if err != nil {
		e.logger.Error("counting open positions failed", "symbol", tick.Symbol, "error", err)
		return
	}
	if remaining == 0 {
		if err := e.feed.Unsubscribe(tick.Symbol); err != nil {
			e.logger.Warn("unsubscribe failed", "symbol", tick.Symbol, "error", err)
		}
	}
}

// closeTriggered requests the guarded closure and publishes TriggerExecuted
// when this attempt won the write. A nil result means another closure
// committed first; no duplicate event is emitted.
func (e *Engine) closeTriggered(ctx context.Context, pos *types.Position, tick types.Tick, event types.EventType) bool {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		e.logger.Error("loading settings failed", "position", pos.ID, "error", err)
		return false
	}
	closeFee := calc.Fee(calc.Notional(pos.Qty, tick.Price), settings.TakerFee)

	closed, err := e.store.ClosePosition(ctx, pos.ID, tick.Price, closeFee, event)
	if err != nil {
		e.logger.Error("trigger closure failed", "position", pos.ID, "event", event, "error", err)
		return false
	}
	if closed == nil {
		e.logger.Debug("position already closed, skipping", "position", pos.ID)
		return false
	}

	e.logger.Info("trigger executed",
		"position", closed.ID, "symbol", closed.Symbol, "event", event,
		"closePrice", tick.Price, "realizedPnl", *closed.RealizedPnl)

	e.hub.Publish(TriggerExecuted{
		PositionID:  closed.ID,
		Symbol:      closed.Symbol,
		Event:       event,
		ClosePrice:  tick.Price,
		RealizedPnl: *closed.RealizedPnl,
		Ts:          tick.Ts,
	})
	return true
}
