package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"papertrader/internal/calc"
	"papertrader/internal/engine"
	"papertrader/pkg/types"
)

// streamPosition is a position enriched with live mark-price fields. The
// three derived fields are omitted entirely when no cached price exists.
type streamPosition struct {
	*types.Position
	MarkPrice     *float64 `json:"markPrice,omitempty"`
	UnrealizedPnl *float64 `json:"unrealizedPnl,omitempty"`
	PnlPercent    *float64 `json:"pnlPercent,omitempty"`
}

// handleStream is the SSE session. Frames are `data: <json>\n\n` with a
// `type` discriminator: connected, initial, position-update,
// trigger-executed, heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("stream marshal failed", "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(map[string]string{"type": "connected"}) {
		return
	}

	// Initial snapshot of every OPEN position.
	positions, err := s.broker.ListPositions(r.Context(), types.StatusOpen)
	if err != nil {
		s.logger.Error("stream snapshot failed", "error", err)
		return
	}
	snapshot := make([]streamPosition, 0, len(positions))
	for _, p := range positions {
		snapshot = append(snapshot, s.enrich(p))
	}
	if !send(map[string]any{"type": "initial", "positions": snapshot}) {
		return
	}

	events, cancel := s.hub.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if !send(map[string]any{"type": "heartbeat", "ts": time.Now().UnixMilli()}) {
				return
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case engine.PriceUpdate:
				open, err := s.broker.OpenPositionsBySymbol(ctx, ev.Symbol)
				if err != nil {
					s.logger.Error("stream position load failed", "symbol", ev.Symbol, "error", err)
					continue
				}
				for _, p := range open {
					pnl := calc.UnrealizedPnl(p.Side, p.EntryPrice, ev.Price, p.Qty)
					frame := map[string]any{
						"type":          "position-update",
						"positionId":    p.ID,
						"symbol":        p.Symbol,
						"markPrice":     ev.Price,
						"unrealizedPnl": pnl,
						"pnlPercent":    calc.PnlPercent(pnl, p.Qty, p.EntryPrice),
						"ts":            ev.Ts,
					}
					if !send(frame) {
						return
					}
				}

			case engine.TriggerExecuted:
				frame := map[string]any{
					"type":        "trigger-executed",
					"positionId":  ev.PositionID,
					"symbol":      ev.Symbol,
					"event":       ev.Event,
					"closePrice":  ev.ClosePrice,
					"realizedPnl": ev.RealizedPnl,
					"ts":          ev.Ts,
				}
				if !send(frame) {
					return
				}
			}
		}
	}
}

// enrich attaches markPrice/unrealizedPnl/pnlPercent when the feed cache
// has a price for the position's symbol.
func (s *Server) enrich(p *types.Position) streamPosition {
	out := streamPosition{Position: p}
	mark, ok := s.prices.LastPrice(p.Symbol)
	if !ok {
		return out
	}
	pnl := calc.UnrealizedPnl(p.Side, p.EntryPrice, mark, p.Qty)
	pct := calc.PnlPercent(pnl, p.Qty, p.EntryPrice)
	out.MarkPrice = &mark
	out.UnrealizedPnl = &pnl
	out.PnlPercent = &pct
	return out
}
