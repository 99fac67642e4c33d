package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsTestServer accepts websocket connections and hands each to handler.
func wsTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedSubscribeAndTick(t *testing.T) {
	gotParams := make(chan []string, 1)

	srv := wsTestServer(t, func(conn *websocket.Conn) {
		var req wsRequest
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		gotParams <- req.Params

		conn.WriteJSON(map[string]interface{}{"result": nil, "id": req.ID})
		conn.WriteJSON(map[string]interface{}{
			"e": "markPriceUpdate", "s": "BTCUSDT", "p": "50123.45000000", "E": int64(1700000000000),
		})

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	feed := NewFeed(wsURL(srv), testLogger())
	feed.Subscribe("BTCUSDT")
	feed.Subscribe("ethusdt")
	feed.Subscribe("BTCUSDT") // idempotent

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		feed.Run(ctx)
		close(done)
	}()

	select {
	case params := <-gotParams:
		sort.Strings(params)
		want := []string{"btcusdt@markPrice", "ethusdt@markPrice"}
		if len(params) != len(want) {
			t.Fatalf("subscribe params = %v, want %v", params, want)
		}
		for i := range want {
			if params[i] != want[i] {
				t.Fatalf("subscribe params = %v, want %v", params, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received SUBSCRIBE frame")
	}

	select {
	case tick := <-feed.Ticks():
		if tick.Symbol != "BTCUSDT" {
			t.Errorf("tick symbol = %q, want BTCUSDT", tick.Symbol)
		}
		if tick.Price != 50123.45 {
			t.Errorf("tick price = %v, want 50123.45", tick.Price)
		}
		if tick.Ts != 1700000000000 {
			t.Errorf("tick ts = %d, want 1700000000000", tick.Ts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}

	if !feed.IsConnected() {
		t.Error("IsConnected = false while session open")
	}
	if price, ok := feed.LastPrice("btcusdt"); !ok || price != 50123.45 {
		t.Errorf("LastPrice = %v, %v; want 50123.45, true", price, ok)
	}

	feed.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestFeedResubscribesAfterReconnect(t *testing.T) {
	subscribes := make(chan []string, 4)
	connects := 0

	srv := wsTestServer(t, func(conn *websocket.Conn) {
		connects++
		first := connects == 1

		var req wsRequest
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribes <- req.Params

		if first {
			// Drop the session to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	feed := NewFeed(wsURL(srv), testLogger())
	feed.Subscribe("ETHUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)
	defer feed.Close()

	for i := 0; i < 2; i++ {
		select {
		case params := <-subscribes:
			if len(params) != 1 || params[0] != "ethusdt@markPrice" {
				t.Fatalf("connect %d: subscribe params = %v, want [ethusdt@markPrice]", i+1, params)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("connect %d: no SUBSCRIBE frame", i+1)
		}
	}
}

func TestFeedUnsubscribeSendsFrame(t *testing.T) {
	frames := make(chan wsRequest, 4)

	srv := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			var req wsRequest
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			frames <- req
		}
	})

	feed := NewFeed(wsURL(srv), testLogger())
	feed.Subscribe("BTCUSDT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)
	defer feed.Close()

	select {
	case req := <-frames:
		if req.Method != "SUBSCRIBE" {
			t.Fatalf("first frame method = %q, want SUBSCRIBE", req.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no SUBSCRIBE frame")
	}

	if err := feed.Unsubscribe("BTCUSDT"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	select {
	case req := <-frames:
		if req.Method != "UNSUBSCRIBE" {
			t.Errorf("frame method = %q, want UNSUBSCRIBE", req.Method)
		}
		if len(req.Params) != 1 || req.Params[0] != "btcusdt@markPrice" {
			t.Errorf("frame params = %v, want [btcusdt@markPrice]", req.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no UNSUBSCRIBE frame")
	}

	// Second unsubscribe of the same symbol sends nothing.
	if err := feed.Unsubscribe("BTCUSDT"); err != nil {
		t.Fatalf("repeat Unsubscribe: %v", err)
	}
	select {
	case req := <-frames:
		t.Errorf("unexpected frame after repeat unsubscribe: %+v", req)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := reconnectDelay(tt.attempt); got != tt.want {
			t.Errorf("reconnectDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	feed := NewFeed("ws://unused", testLogger())

	feed.handleMessage([]byte(`not json`))
	feed.handleMessage([]byte(`{"e":"markPriceUpdate","s":"BTCUSDT","p":"garbage","E":1}`))
	feed.handleMessage([]byte(`{"result":null,"id":7}`))
	feed.handleMessage([]byte(`{"e":"somethingElse"}`))

	select {
	case tick := <-feed.Ticks():
		t.Fatalf("unexpected tick from malformed input: %+v", tick)
	default:
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"e": "markPriceUpdate", "s": "btcusdt", "p": "100.5", "E": int64(42),
	})
	feed.handleMessage(raw)

	select {
	case tick := <-feed.Ticks():
		if tick.Symbol != "BTCUSDT" || tick.Price != 100.5 {
			t.Errorf("tick = %+v, want BTCUSDT @ 100.5", tick)
		}
	default:
		t.Fatal("valid update produced no tick")
	}
}
