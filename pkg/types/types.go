// Package types defines the shared domain model of the paper trader:
// positions, fills, audit events, settings, and the mark-price tick.
package types

// Side of a position relative to the mark price.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Status is the position lifecycle state.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// SizeMode selects how a create request expresses position size.
type SizeMode string

const (
	SizeUSDT SizeMode = "USDT" // sizeValue is quote notional, qty = sizeValue/entryPrice
	SizeQty  SizeMode = "QTY"  // sizeValue is base-asset quantity
)

// EntryType selects how the entry price is determined.
type EntryType string

const (
	EntryMarket EntryType = "MARKET"
	EntryLimit  EntryType = "LIMIT"
)

// LevelMode selects how a stop-loss or take-profit level is expressed.
type LevelMode string

const (
	ModePrice   LevelMode = "PRICE"
	ModePercent LevelMode = "PERCENT"
)

// FillType classifies fill rows. PARTIAL is reserved and currently unused.
type FillType string

const (
	FillOpen    FillType = "OPEN"
	FillClose   FillType = "CLOSE"
	FillPartial FillType = "PARTIAL"
)

// EventType enumerates the audit-log event kinds.
type EventType string

const (
	EventPositionCreated EventType = "POSITION_CREATED"
	EventSLTriggered     EventType = "SL_TRIGGERED"
	EventTPTriggered     EventType = "TP_TRIGGERED"
	EventManualClose     EventType = "MANUAL_CLOSE"
	EventSLUpdated       EventType = "SL_UPDATED"
	EventTPUpdated       EventType = "TP_UPDATED"
)

// Position is the central entity. Identity and entry economics are immutable
// after creation; SL/TP are mutable while OPEN; the terminal fields are set
// exactly once when the position closes.
//
// Invariants: status=OPEN ⇔ closeTime=nil ⇔ closePrice=nil; qty>0,
// entryPrice>0, leverage≥1. SL/TP values are treated literally by the
// trigger engine, whatever their relation to the entry price.
type Position struct {
	ID         int64    `json:"id"`
	Symbol     string   `json:"symbol"`
	Side       Side     `json:"side"`
	Qty        float64  `json:"qty"`
	EntryPrice float64  `json:"entryPrice"`
	EntryTime  int64    `json:"entryTime"` // ms epoch
	Leverage   int      `json:"leverage"`
	SL         *float64 `json:"sl"`
	TP         *float64 `json:"tp"`
	Status     Status   `json:"status"`
	FeesOpen   float64  `json:"feesOpen"`
	Notes      string   `json:"notes,omitempty"`

	ClosePrice  *float64 `json:"closePrice"`
	CloseTime   *int64   `json:"closeTime"` // ms epoch
	FeesClose   *float64 `json:"feesClose"`
	RealizedPnl *float64 `json:"realizedPnl"`
	FundingPnl  *float64 `json:"fundingPnl"`
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// Fill is the append-only audit of entry and exit economics. One OPEN fill
// exists per position and at most one CLOSE fill.
type Fill struct {
	ID         int64    `json:"id"`
	PositionID int64    `json:"positionId"`
	Type       FillType `json:"type"`
	Price      float64  `json:"price"`
	Qty        float64  `json:"qty"`
	Fee        float64  `json:"fee"`
	Ts         int64    `json:"ts"`
}

// Event is an append-only audit record of a state transition. Payload is a
// structured JSON blob; events are historical and never mutated.
type Event struct {
	ID         int64     `json:"id"`
	PositionID int64     `json:"positionId"`
	Event      EventType `json:"event"`
	Payload    string    `json:"payload"`
	Ts         int64     `json:"ts"`
}

// Settings is the single persisted settings record. EnableFunding is
// honored as a flag but funding accrual is not implemented; NumberFormat
// and Timezone are display preferences the core only echoes.
type Settings struct {
	TakerFee                 float64 `json:"takerFee"`
	MakerFee                 float64 `json:"makerFee"`
	EnableFunding            bool    `json:"enableFunding"`
	BaseBalance              float64 `json:"baseBalance"`
	DefaultStopLossPercent   float64 `json:"defaultStopLossPercent"`
	DefaultTakeProfitPercent float64 `json:"defaultTakeProfitPercent"`
	NumberFormat             string  `json:"numberFormat"`
	Timezone                 string  `json:"timezone"`
}

// CreateRequest is the user-facing payload for opening a position.
type CreateRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	SizeMode   SizeMode  `json:"sizeMode"`
	SizeValue  float64   `json:"sizeValue"`
	Leverage   int       `json:"leverage"`
	EntryType  EntryType `json:"entryType"`
	LimitPrice float64   `json:"limitPrice,omitempty"`
	SL         *float64  `json:"sl,omitempty"`
	TP         *float64  `json:"tp,omitempty"`
	SLMode     LevelMode `json:"slMode,omitempty"`
	TPMode     LevelMode `json:"tpMode,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// Tick is a single normalized mark-price update for one symbol.
type Tick struct {
	Symbol string  `json:"symbol"` // uppercase
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"` // ms epoch, exchange event time
}

// Stats is the aggregate view over all positions.
type Stats struct {
	TotalPositions  int     `json:"totalPositions"`
	OpenPositions   int     `json:"openPositions"`
	ClosedPositions int     `json:"closedPositions"`
	TotalPnl        float64 `json:"totalPnl"`
	WinRate         float64 `json:"winRate"`    // percent of closed positions with realizedPnl > 0
	AvgRMultiple    float64 `json:"avgRMultiple"`
	BestSymbol      string  `json:"bestSymbol"`
	WorstSymbol     string  `json:"worstSymbol"`
	CurrentBalance  float64 `json:"currentBalance"`
}

// Float returns a pointer to v. Convenience for optional fields.
func Float(v float64) *float64 { return &v }
