package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTickerPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/ticker/price" {
			t.Errorf("path = %q, want /fapi/v1/ticker/price", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"50000.10","time":1700000000000}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, testLogger())

	price, err := client.TickerPrice(context.Background(), "btcusdt")
	if err != nil {
		t.Fatalf("TickerPrice: %v", err)
	}
	if price != 50000.10 {
		t.Errorf("price = %v, want 50000.10", price)
	}
}

func TestTickerPriceUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, testLogger())

	if _, err := client.TickerPrice(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestTickerPriceBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"not-a-number"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, testLogger())

	if _, err := client.TickerPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected error for unparseable price")
	}
}
