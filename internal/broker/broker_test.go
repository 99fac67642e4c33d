package broker

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"papertrader/internal/store"
	"papertrader/pkg/types"
)

type fakePriceSource struct {
	prices     map[string]float64
	subscribed []string
}

func (f *fakePriceSource) Subscribe(symbol string) error {
	f.subscribed = append(f.subscribed, symbol)
	return nil
}

func (f *fakePriceSource) LastPrice(symbol string) (float64, bool) {
	p, ok := f.prices[symbol]
	return p, ok
}

type fakeTicker struct {
	price float64
	err   error
	calls int
}

func (f *fakeTicker) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	f.calls++
	return f.price, f.err
}

func newTestBroker(t *testing.T, defaults types.Settings) (*Broker, *fakePriceSource, *fakeTicker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "broker.db"), defaults)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	feed := &fakePriceSource{prices: make(map[string]float64)}
	ticker := &fakeTicker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, feed, ticker, "USDT", logger), feed, ticker, st
}

func defaultSettings() types.Settings {
	return types.Settings{TakerFee: 0.0004, MakerFee: 0.0002, BaseBalance: 10000}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func validRequest() types.CreateRequest {
	return types.CreateRequest{
		Symbol: "BTCUSDT", Side: types.Long, SizeMode: types.SizeUSDT,
		SizeValue: 1000, Leverage: 1, EntryType: types.EntryMarket,
	}
}

func TestCreatePositionValidation(t *testing.T) {
	b, _, ticker, _ := newTestBroker(t, defaultSettings())
	ticker.price = 100

	tests := []struct {
		name   string
		mutate func(*types.CreateRequest)
	}{
		{"empty symbol", func(r *types.CreateRequest) { r.Symbol = "" }},
		{"symbol with punctuation", func(r *types.CreateRequest) { r.Symbol = "BTC-USDT" }},
		{"wrong quote asset", func(r *types.CreateRequest) { r.Symbol = "BTCBUSD" }},
		{"too short", func(r *types.CreateRequest) { r.Symbol = "USDT" }},
		{"bad side", func(r *types.CreateRequest) { r.Side = "SIDEWAYS" }},
		{"bad size mode", func(r *types.CreateRequest) { r.SizeMode = "EUR" }},
		{"zero size", func(r *types.CreateRequest) { r.SizeValue = 0 }},
		{"negative size", func(r *types.CreateRequest) { r.SizeValue = -5 }},
		{"leverage too low", func(r *types.CreateRequest) { r.Leverage = 0 }},
		{"leverage too high", func(r *types.CreateRequest) { r.Leverage = 126 }},
		{"bad entry type", func(r *types.CreateRequest) { r.EntryType = "STOP" }},
		{"limit without price", func(r *types.CreateRequest) {
			r.EntryType = types.EntryLimit
			r.LimitPrice = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := b.CreatePosition(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateMarketPosition(t *testing.T) {
	b, feed, ticker, _ := newTestBroker(t, defaultSettings())
	ticker.price = 100.0

	req := validRequest()
	req.SLMode, req.SL = types.ModePercent, types.Float(5)
	req.TPMode, req.TP = types.ModePercent, types.Float(10)

	pos, err := b.CreatePosition(context.Background(), req)
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	if pos.Qty != 10.0 {
		t.Errorf("qty = %v, want 10", pos.Qty)
	}
	if pos.EntryPrice != 100.0 {
		t.Errorf("entryPrice = %v, want 100", pos.EntryPrice)
	}
	if pos.SL == nil || *pos.SL != 95.0 {
		t.Errorf("sl = %v, want 95", pos.SL)
	}
	if pos.TP == nil || *pos.TP != 110.0 {
		t.Errorf("tp = %v, want 110", pos.TP)
	}
	if !almostEqual(pos.FeesOpen, 0.4) {
		t.Errorf("feesOpen = %v, want 0.4", pos.FeesOpen)
	}
	if len(feed.subscribed) != 1 || feed.subscribed[0] != "BTCUSDT" {
		t.Errorf("subscribed = %v, want [BTCUSDT]", feed.subscribed)
	}
}

func TestCreateLimitSkipsTicker(t *testing.T) {
	b, _, ticker, _ := newTestBroker(t, defaultSettings())
	ticker.err = errors.New("down")

	req := types.CreateRequest{
		Symbol: "ETHUSDT", Side: types.Short, SizeMode: types.SizeQty,
		SizeValue: 2.0, Leverage: 5, EntryType: types.EntryLimit, LimitPrice: 50.0,
		SLMode: types.ModePrice, SL: types.Float(52.0),
		TPMode: types.ModePrice, TP: types.Float(45.0),
	}
	pos, err := b.CreatePosition(context.Background(), req)
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	if ticker.calls != 0 {
		t.Errorf("ticker calls = %d, want 0 for LIMIT", ticker.calls)
	}
	if pos.EntryPrice != 50.0 || pos.Qty != 2.0 {
		t.Errorf("entry = %v qty = %v, want 50 and 2", pos.EntryPrice, pos.Qty)
	}
	if !almostEqual(pos.FeesOpen, 0.04) {
		t.Errorf("feesOpen = %v, want 0.04", pos.FeesOpen)
	}
}

func TestCreateMarketUpstreamFailure(t *testing.T) {
	b, _, ticker, st := newTestBroker(t, defaultSettings())
	ticker.err = errors.New("binance 503")

	_, err := b.CreatePosition(context.Background(), validRequest())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	positions, err := st.ListPositions(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions persisted on upstream failure: %d", len(positions))
	}
}

func TestDefaultPercentLevels(t *testing.T) {
	settings := defaultSettings()
	settings.DefaultStopLossPercent = 5
	settings.DefaultTakeProfitPercent = 0 // no default target
	b, _, ticker, _ := newTestBroker(t, settings)
	ticker.price = 200.0

	req := validRequest()
	req.SLMode = types.ModePercent // value unset, default applies
	req.TPMode = types.ModePercent

	pos, err := b.CreatePosition(context.Background(), req)
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	if pos.SL == nil || *pos.SL != 190.0 {
		t.Errorf("sl = %v, want default-derived 190", pos.SL)
	}
	if pos.TP != nil {
		t.Errorf("tp = %v, want nil with zero default", *pos.TP)
	}
}

func TestManualCloseIdempotent(t *testing.T) {
	b, feed, ticker, st := newTestBroker(t, defaultSettings())
	ticker.price = 100.0
	feed.prices["BTCUSDT"] = 105.0

	pos, err := b.CreatePosition(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	closed, err := b.ClosePositionManual(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	if *closed.ClosePrice != 105.0 {
		t.Errorf("closePrice = %v, want cached 105", *closed.ClosePrice)
	}

	if _, err := b.ClosePositionManual(context.Background(), pos.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("second close err = %v, want ErrConflict", err)
	}

	fills, err := st.ListFills(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	closes := 0
	for _, f := range fills {
		if f.Type == types.FillClose {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("close fills = %d, want 1", closes)
	}
}

func TestManualCloseFallsBackToREST(t *testing.T) {
	b, _, ticker, _ := newTestBroker(t, defaultSettings())
	ticker.price = 100.0

	pos, err := b.CreatePosition(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// No cached price; the ticker supplies the close price.
	ticker.price = 98.0
	closed, err := b.ClosePositionManual(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if *closed.ClosePrice != 98.0 {
		t.Errorf("closePrice = %v, want REST 98", *closed.ClosePrice)
	}
}

func TestManualCloseUnknownID(t *testing.T) {
	b, _, _, _ := newTestBroker(t, defaultSettings())
	if _, err := b.ClosePositionManual(context.Background(), 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetStats(t *testing.T) {
	b, feed, ticker, _ := newTestBroker(t, defaultSettings())
	ctx := context.Background()

	open := func(symbol string, side types.Side, sl *float64) *types.Position {
		t.Helper()
		ticker.price = 100.0
		req := types.CreateRequest{
			Symbol: symbol, Side: side, SizeMode: types.SizeQty,
			SizeValue: 1.0, Leverage: 1, EntryType: types.EntryMarket,
			SLMode: types.ModePrice, SL: sl,
		}
		pos, err := b.CreatePosition(ctx, req)
		if err != nil {
			t.Fatalf("create %s: %v", symbol, err)
		}
		return pos
	}
	closeAt := func(id int64, price float64, symbol string) {
		t.Helper()
		feed.prices[symbol] = price
		if _, err := b.ClosePositionManual(ctx, id); err != nil {
			t.Fatalf("close %d: %v", id, err)
		}
	}

	// Winner on BTCUSDT with a stop (risk 10), loser on ETHUSDT, one left open.
	p1 := open("BTCUSDT", types.Long, types.Float(90.0))
	p2 := open("ETHUSDT", types.Long, nil)
	open("SOLUSDT", types.Long, nil)

	closeAt(p1.ID, 120.0, "BTCUSDT")
	closeAt(p2.ID, 80.0, "ETHUSDT")

	stats, err := b.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	if stats.TotalPositions != 3 || stats.OpenPositions != 1 || stats.ClosedPositions != 2 {
		t.Errorf("counts = %d/%d/%d, want 3/1/2",
			stats.TotalPositions, stats.OpenPositions, stats.ClosedPositions)
	}
	if stats.WinRate != 50.0 {
		t.Errorf("winRate = %v, want 50", stats.WinRate)
	}
	if stats.BestSymbol != "BTCUSDT" {
		t.Errorf("bestSymbol = %q, want BTCUSDT", stats.BestSymbol)
	}
	if stats.WorstSymbol != "ETHUSDT" {
		t.Errorf("worstSymbol = %q, want ETHUSDT", stats.WorstSymbol)
	}

	// p1: pnl = 20 - fees, qty 1, risk 10 → R just under 2. p2 has no stop.
	if stats.AvgRMultiple <= 1.9 || stats.AvgRMultiple >= 2.0 {
		t.Errorf("avgRMultiple = %v, want just under 2", stats.AvgRMultiple)
	}
	if !almostEqual(stats.CurrentBalance, 10000+stats.TotalPnl) {
		t.Errorf("currentBalance = %v, want base + totalPnl", stats.CurrentBalance)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	b, _, _, _ := newTestBroker(t, defaultSettings())
	stats, err := b.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.WinRate != 0 || stats.AvgRMultiple != 0 || stats.BestSymbol != "" {
		t.Errorf("empty stats = %+v, want zero values", stats)
	}
	if stats.CurrentBalance != 10000 {
		t.Errorf("currentBalance = %v, want baseBalance", stats.CurrentBalance)
	}
}

func TestExportCSV(t *testing.T) {
	b, feed, ticker, _ := newTestBroker(t, defaultSettings())
	ctx := context.Background()
	ticker.price = 100.0

	req := validRequest()
	req.Notes = `hedge, "weekend" carry`
	pos, err := b.CreatePosition(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	feed.prices["BTCUSDT"] = 110.0
	if _, err := b.ClosePositionManual(ctx, pos.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf strings.Builder
	if err := b.ExportCSV(ctx, &buf, nil, nil, ""); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(records))
	}
	if records[0][0] != "ID" || records[0][13] != "Notes" {
		t.Errorf("header = %v", records[0])
	}
	row := records[1]
	if row[1] != "BTCUSDT" || row[2] != "LONG" {
		t.Errorf("row = %v", row)
	}
	if row[13] != `hedge, "weekend" carry` {
		t.Errorf("notes round-trip = %q", row[13])
	}
	if !strings.Contains(buf.String(), `"hedge, ""weekend"" carry"`) {
		t.Error("notes cell not quote-wrapped in raw output")
	}
}

func TestExportRange(t *testing.T) {
	start, end, err := ExportRange("2026-01-01", "2026-01-31")
	if err != nil {
		t.Fatalf("ExportRange: %v", err)
	}
	if start == nil || end == nil {
		t.Fatal("bounds missing")
	}
	if *end <= *start {
		t.Errorf("end %d not after start %d", *end, *start)
	}

	if _, _, err := ExportRange("01/01/2026", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("bad date err = %v, want ErrValidation", err)
	}

	start, end, err = ExportRange("", "")
	if err != nil || start != nil || end != nil {
		t.Errorf("open range = %v/%v/%v, want nil/nil/nil", start, end, err)
	}
}
