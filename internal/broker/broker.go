// Package broker exposes the public trading operations to the API layer:
// create, close, modify, delete, list, stats, audit, export, settings. It
// orchestrates the store, the calculator, the price feed, and the exchange
// REST client; it owns input validation and the semantic error kinds the
// API maps to HTTP statuses.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"papertrader/internal/calc"
	"papertrader/internal/store"
	"papertrader/pkg/types"
)

var (
	// ErrValidation marks bad user input. No state change.
	ErrValidation = errors.New("invalid request")
	// ErrConflict marks an invalid state transition, e.g. closing an
	// already-closed position.
	ErrConflict = errors.New("conflict")
	// ErrUpstream marks an exchange REST failure. The request fails with
	// no state change; the next request retries.
	ErrUpstream = errors.New("exchange unavailable")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// PriceSource is the slice of the feed contract the broker needs: keeping
// new symbols streaming and reading the cached mark price.
type PriceSource interface {
	Subscribe(symbol string) error
	LastPrice(symbol string) (float64, bool)
}

// Ticker fetches a reference price from the exchange REST API.
type Ticker interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
}

// Broker is the command surface behind the HTTP API.
type Broker struct {
	store      *store.Store
	feed       PriceSource
	ticker     Ticker
	quoteAsset string
	logger     *slog.Logger
}

// New wires a broker. quoteAsset is the required symbol suffix (USDT).
func New(st *store.Store, feed PriceSource, ticker Ticker, quoteAsset string, logger *slog.Logger) *Broker {
	return &Broker{
		store:      st,
		feed:       feed,
		ticker:     ticker,
		quoteAsset: strings.ToUpper(quoteAsset),
		logger:     logger.With("component", "broker"),
	}
}

// CreatePosition validates the request, resolves the entry price (MARKET
// via REST, LIMIT from the request), converts percent SL/TP levels to
// absolute prices, charges the opening taker fee, persists, and subscribes
// the feed to the symbol.
func (b *Broker) CreatePosition(ctx context.Context, req types.CreateRequest) (*types.Position, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := b.validateCreate(req); err != nil {
		return nil, err
	}

	settings, err := b.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	entryPrice := req.LimitPrice
	if req.EntryType == types.EntryMarket {
		entryPrice, err = b.ticker.TickerPrice(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("%w: entry price must be positive", ErrValidation)
	}

	sl := resolveLevel(req.SLMode, req.SL, settings.DefaultStopLossPercent, func(p float64) float64 {
		return calc.SLPriceFromPercent(req.Side, entryPrice, p)
	})
	tp := resolveLevel(req.TPMode, req.TP, settings.DefaultTakeProfitPercent, func(p float64) float64 {
		return calc.TPPriceFromPercent(req.Side, entryPrice, p)
	})

	notional := req.SizeValue
	if req.SizeMode == types.SizeQty {
		notional = req.SizeValue * entryPrice
	}
	openFee := calc.Fee(notional, settings.TakerFee)

	pos, err := b.store.CreatePosition(ctx, req, entryPrice, openFee, sl, tp)
	if err != nil {
		return nil, err
	}

	if err := b.feed.Subscribe(pos.Symbol); err != nil {
		b.logger.Warn("feed subscribe failed", "symbol", pos.Symbol, "error", err)
	}
	b.logger.Info("position created",
		"id", pos.ID, "symbol", pos.Symbol, "side", pos.Side,
		"qty", pos.Qty, "entryPrice", pos.EntryPrice)
	return pos, nil
}

func (b *Broker) validateCreate(req types.CreateRequest) error {
	if !symbolPattern.MatchString(req.Symbol) {
		return fmt.Errorf("%w: symbol must be 5-20 uppercase alphanumeric characters", ErrValidation)
	}
	if !strings.HasSuffix(req.Symbol, b.quoteAsset) {
		return fmt.Errorf("%w: symbol must end in %s", ErrValidation, b.quoteAsset)
	}
	if req.Side != types.Long && req.Side != types.Short {
		return fmt.Errorf("%w: side must be LONG or SHORT", ErrValidation)
	}
	if req.SizeMode != types.SizeUSDT && req.SizeMode != types.SizeQty {
		return fmt.Errorf("%w: sizeMode must be USDT or QTY", ErrValidation)
	}
	if req.SizeValue <= 0 {
		return fmt.Errorf("%w: sizeValue must be positive", ErrValidation)
	}
	if req.Leverage < 1 || req.Leverage > 125 {
		return fmt.Errorf("%w: leverage must be in 1..125", ErrValidation)
	}
	switch req.EntryType {
	case types.EntryMarket:
	case types.EntryLimit:
		if req.LimitPrice <= 0 {
			return fmt.Errorf("%w: limitPrice must be positive for LIMIT entries", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: entryType must be MARKET or LIMIT", ErrValidation)
	}
	return nil
}

// resolveLevel turns a requested SL/TP level into an absolute price.
// PRICE mode passes the value through. PERCENT mode converts against the
// entry price; a zero or missing percent falls back to the stored default,
// and a zero default means no level at all.
func resolveLevel(mode types.LevelMode, value *float64, defaultPercent float64, convert func(float64) float64) *float64 {
	if mode != types.ModePercent {
		return value
	}
	percent := 0.0
	if value != nil {
		percent = *value
	}
	if percent == 0 {
		percent = defaultPercent
	}
	if percent <= 0 {
		return nil
	}
	return types.Float(convert(percent))
}

// ClosePositionManual closes an OPEN position at the current mark price,
// preferring the feed cache and falling back to the REST ticker. Returns
// ErrConflict when the position is already CLOSED.
func (b *Broker) ClosePositionManual(ctx context.Context, id int64) (*types.Position, error) {
	pos, err := b.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: position %d already closed", ErrConflict, id)
	}

	closePrice, ok := b.feed.LastPrice(pos.Symbol)
	if !ok {
		closePrice, err = b.ticker.TickerPrice(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}

	settings, err := b.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	closeFee := calc.Fee(calc.Notional(pos.Qty, closePrice), settings.TakerFee)

	closed, err := b.store.ClosePosition(ctx, id, closePrice, closeFee, types.EventManualClose)
	if err != nil {
		return nil, err
	}
	if closed == nil {
		// A trigger or a concurrent request won the race.
		return nil, fmt.Errorf("%w: position %d already closed", ErrConflict, id)
	}

	b.logger.Info("position closed manually",
		"id", closed.ID, "symbol", closed.Symbol,
		"closePrice", closePrice, "realizedPnl", *closed.RealizedPnl)
	return closed, nil
}

// UpdateSLTP edits the SL/TP levels of an OPEN position.
func (b *Broker) UpdateSLTP(ctx context.Context, id int64, upd store.SLTPUpdate) (*types.Position, error) {
	pos, err := b.store.UpdateSLTP(ctx, id, upd)
	if errors.Is(err, store.ErrPositionClosed) {
		return nil, fmt.Errorf("%w: position %d already closed", ErrConflict, id)
	}
	return pos, err
}

// GetPosition returns one position.
func (b *Broker) GetPosition(ctx context.Context, id int64) (*types.Position, error) {
	return b.store.GetPosition(ctx, id)
}

// OpenPositionsBySymbol lists the OPEN positions on one symbol in id
// ascending order. Used by the live stream to fan a price update out into
// per-position frames.
func (b *Broker) OpenPositionsBySymbol(ctx context.Context, symbol string) ([]*types.Position, error) {
	return b.store.ListOpenBySymbol(ctx, symbol)
}

// ListPositions lists positions, optionally filtered by status.
func (b *Broker) ListPositions(ctx context.Context, status types.Status) ([]*types.Position, error) {
	if status != "" && status != types.StatusOpen && status != types.StatusClosed {
		return nil, fmt.Errorf("%w: status must be OPEN or CLOSED", ErrValidation)
	}
	return b.store.ListPositions(ctx, status)
}

// DeletePosition removes a position and, via the cascade, its fills and
// events.
func (b *Broker) DeletePosition(ctx context.Context, id int64) error {
	ok, err := b.store.DeletePosition(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	b.logger.Info("position deleted", "id", id)
	return nil
}

// GetEvents returns the audit log, newest first.
func (b *Broker) GetEvents(ctx context.Context, positionID *int64, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.store.ListEvents(ctx, positionID, limit)
}

// GetSettings returns the persisted settings.
func (b *Broker) GetSettings(ctx context.Context) (*types.Settings, error) {
	return b.store.GetSettings(ctx)
}

// UpdateSettings applies a partial settings update.
func (b *Broker) UpdateSettings(ctx context.Context, patch store.SettingsPatch) (*types.Settings, error) {
	if patch.TakerFee != nil && *patch.TakerFee < 0 {
		return nil, fmt.Errorf("%w: takerFee must be >= 0", ErrValidation)
	}
	if patch.MakerFee != nil && *patch.MakerFee < 0 {
		return nil, fmt.Errorf("%w: makerFee must be >= 0", ErrValidation)
	}
	return b.store.UpdateSettings(ctx, patch)
}
