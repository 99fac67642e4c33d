package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Client fetches reference prices from the Binance futures REST API. Only
// the public ticker endpoint is used; no API keys, no signing.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a REST client for the given base URL. Requests are
// paced so a burst of market orders cannot hammer the public endpoint.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.With("component", "rest_client"),
	}
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// TickerPrice returns the latest traded price for a symbol via
// GET /fapi/v1/ticker/price. It is the entry-price source for market
// orders and the fallback close-price source when the feed cache is cold.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var ticker tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToUpper(symbol)).
		SetResult(&ticker).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("ticker price %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return 0, fmt.Errorf("ticker price %s: bad price %q", symbol, ticker.Price)
	}
	c.logger.Debug("fetched ticker price", "symbol", ticker.Symbol, "price", ticker.Price)
	return price.InexactFloat64(), nil
}
