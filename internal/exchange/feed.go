// Package exchange implements the Binance USDⓈ-M futures clients used by
// the paper trader: a WebSocket mark-price feed and a REST ticker client.
//
// The feed maintains a single long-lived session, subscribes to per-symbol
// mark-price streams, and emits normalized ticks. It auto-reconnects with
// exponential backoff (1s → 30s cap), re-sends one bulk SUBSCRIBE for the
// whole remembered symbol set on every successful connect, and gives up
// after 10 consecutive failed attempts, signalling Terminated.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"papertrader/pkg/types"
)

const (
	pingInterval         = 30 * time.Second // ws ping control frame while OPEN; Binance answers protocol pings, no payload message needed
	readTimeout          = 90 * time.Second // silent server triggers reconnect
	writeTimeout         = 10 * time.Second // deadline for outgoing frames
	maxReconnectWait     = 30 * time.Second // cap on exponential backoff
	maxReconnectAttempts = 10               // consecutive dial failures before giving up
	tickBufferSize       = 256
)

// Feed is the mark-price WebSocket feed. Symbols are uppercase on the Go
// side and lowercased for the wire (`btcusdt@markPrice`).
type Feed struct {
	url    string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect.
	// Subscribe/Unsubscribe while disconnected only edit this set; the
	// wire catches up on the next OPEN.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // uppercase symbols

	ticks chan types.Tick

	lastMu sync.RWMutex
	last   map[string]float64 // uppercase symbol → last mark price

	reqID     atomic.Int64
	connected atomic.Bool
	closed    atomic.Bool

	terminated chan struct{}
	termOnce   sync.Once
}

// NewFeed creates a feed for the given WebSocket endpoint.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		ticks:      make(chan types.Tick, tickBufferSize),
		last:       make(map[string]float64),
		terminated: make(chan struct{}),
		logger:     logger.With("component", "price_feed"),
	}
}

// Ticks returns the normalized mark-price tick channel.
func (f *Feed) Ticks() <-chan types.Tick { return f.ticks }

// Terminated is closed when the feed gives up reconnecting for good.
func (f *Feed) Terminated() <-chan struct{} { return f.terminated }

// IsConnected reports whether the session is currently OPEN.
func (f *Feed) IsConnected() bool { return f.connected.Load() }

// LastPrice returns the best-effort cached mark price for a symbol. The
// cache is non-authoritative and may be stale; trigger decisions always
// use the tick that produced them.
func (f *Feed) LastPrice(symbol string) (float64, bool) {
	f.lastMu.RLock()
	defer f.lastMu.RUnlock()
	price, ok := f.last[strings.ToUpper(symbol)]
	return price, ok
}

// Subscribe adds a symbol to the stream set. Idempotent. When the session
// is open the control frame goes out immediately; otherwise the symbol is
// queued and picked up by the bulk subscribe on the next connect.
func (f *Feed) Subscribe(symbol string) error {
	sym := strings.ToUpper(symbol)

	f.subscribedMu.Lock()
	already := f.subscribed[sym]
	f.subscribed[sym] = true
	f.subscribedMu.Unlock()

	if already || !f.connected.Load() {
		return nil
	}
	return f.sendStreamRequest("SUBSCRIBE", []string{sym})
}

// Unsubscribe removes a symbol from the stream set. Idempotent.
func (f *Feed) Unsubscribe(symbol string) error {
	sym := strings.ToUpper(symbol)

	f.subscribedMu.Lock()
	had := f.subscribed[sym]
	delete(f.subscribed, sym)
	f.subscribedMu.Unlock()

	if !had || !f.connected.Load() {
		return nil
	}
	return f.sendStreamRequest("UNSUBSCRIBE", []string{sym})
}

// Close shuts the feed down permanently and suppresses reconnect.
func (f *Feed) Close() error {
	f.closed.Store(true)
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Run connects and maintains the session with bounded auto-reconnect.
// Blocks until ctx is cancelled, Close is called, or the attempt budget
// is exhausted.
func (f *Feed) Run(ctx context.Context) error {
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.closed.Load() {
			return nil
		}

		attempts++
		err := f.connectAndRead(ctx, &attempts)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.closed.Load() {
			return nil
		}

		if attempts >= maxReconnectAttempts {
			f.logger.Error("max reconnect attempts reached, giving up",
				"attempts", attempts, "error", err)
			f.termOnce.Do(func() { close(f.terminated) })
			return fmt.Errorf("max reconnect attempts reached: %w", err)
		}

		backoff := reconnectDelay(attempts)
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err, "attempt", attempts, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// reconnectDelay is min(30s, 2^(n-1) seconds) for attempt n starting at 1.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 5 {
		return maxReconnectWait
	}
	d := time.Second << shift
	if d > maxReconnectWait {
		return maxReconnectWait
	}
	return d
}

func (f *Feed) connectAndRead(ctx context.Context, attempts *int) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	defer func() {
		f.connected.Store(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// One bulk SUBSCRIBE for the entire remembered set.
	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	// Successful OPEN resets the failure budget.
	*attempts = 0
	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handleMessage(msg)
	}
}

func (f *Feed) resubscribeAll() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for sym := range f.subscribed {
		symbols = append(symbols, sym)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.sendStreamRequest("SUBSCRIBE", symbols)
}

// wsRequest is the Binance stream management frame.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (f *Feed) sendStreamRequest(method string, symbols []string) error {
	params := make([]string, len(symbols))
	for i, sym := range symbols {
		params[i] = strings.ToLower(sym) + "@markPrice"
	}
	return f.writeJSON(wsRequest{
		Method: method,
		Params: params,
		ID:     f.reqID.Add(1),
	})
}

// wsInbound covers the two inbound shapes that matter: mark-price updates
// and subscription acknowledgements. Everything else is logged and dropped.
type wsInbound struct {
	Event  string          `json:"e"`
	Symbol string          `json:"s"`
	Price  string          `json:"p"` // string-encoded float
	Time   int64           `json:"E"` // ms epoch
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

func (f *Feed) handleMessage(data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch {
	case msg.ID != nil:
		// Subscription ack.
		f.logger.Debug("stream request acknowledged", "id", *msg.ID)

	case msg.Event == "markPriceUpdate":
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			f.logger.Warn("bad mark price, dropping tick", "symbol", msg.Symbol, "p", msg.Price)
			return
		}
		tick := types.Tick{
			Symbol: strings.ToUpper(msg.Symbol),
			Price:  price.InexactFloat64(),
			Ts:     msg.Time,
		}

		f.lastMu.Lock()
		f.last[tick.Symbol] = tick.Price
		f.lastMu.Unlock()

		select {
		case f.ticks <- tick:
		default:
			f.logger.Warn("tick channel full, dropping tick", "symbol", tick.Symbol)
		}

	default:
		f.logger.Debug("ignoring ws event", "type", msg.Event)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeControl(websocket.PingMessage); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeControl(msgType int) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return f.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}
