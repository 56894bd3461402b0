// Package yahoo implements a client and parsers for the Yahoo Finance API
// served through the RapidAPI gateway (yahoo-finance15). Every endpoint
// returns its raw JSON payload; the Parse* functions map payloads into
// typed records.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmethakanbesel/finance-pipeline/internal/httpclient"
)

const (
	DefaultBaseURL = "https://yahoo-finance15.p.rapidapi.com"
	DefaultHost    = "yahoo-finance15.p.rapidapi.com"

	tickersEndpoint  = "/api/v2/markets/tickers"
	searchEndpoint   = "/api/v1/markets/search"
	quotesEndpoint   = "/api/v1/markets/stock/quotes"
	historyEndpoint  = "/api/v2/markets/stock/history"
	screenerEndpoint = "/api/v1/markets/screener"
	modulesEndpoint  = "/api/v1/markets/stock/modules"
	newsEndpoint     = "/api/v2/markets/news"
)

// API is the part of the HTTP core the client needs.
type API interface {
	Get(ctx context.Context, endpoint string, params map[string]string) (*httpclient.Response, error)
	Go(ctx context.Context, req httpclient.Request) <-chan httpclient.Outcome
}

// Client calls the Yahoo Finance RapidAPI endpoints.
type Client struct {
	api   API
	async bool
}

type Option func(*Client)

// WithAsync sends every call through the asynchronous path of the HTTP core.
// The caller stops waiting as soon as ctx is done, while limiter and backoff
// waits stay on the request's own goroutine.
func WithAsync() Option {
	return func(c *Client) { c.async = true }
}

// New creates a Client on top of a configured HTTP core.
func New(api API, opts ...Option) *Client {
	c := &Client{api: api}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MarketTickers lists tickers of the given type (STOCKS, ETFS, ...) page by page.
func (c *Client) MarketTickers(ctx context.Context, page int, typ string) (json.RawMessage, error) {
	return c.call(ctx, "market tickers", tickersEndpoint, map[string]string{
		"page": strconv.Itoa(page),
		"type": typ,
	})
}

// Search looks up symbols matching query.
func (c *Client) Search(ctx context.Context, query string) (json.RawMessage, error) {
	return c.call(ctx, "stock search", searchEndpoint, map[string]string{"search": query})
}

// Quotes fetches quotes for several tickers in one call.
func (c *Client) Quotes(ctx context.Context, tickers []string) (json.RawMessage, error) {
	return c.call(ctx, "multiple quotes", quotesEndpoint, map[string]string{"ticker": strings.Join(tickers, ",")})
}

// History fetches up to limit bars of the given interval.
func (c *Client) History(ctx context.Context, symbol, interval string, limit int) (json.RawMessage, error) {
	return c.call(ctx, "stock history", historyEndpoint, map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
}

// Screener fetches a predefined screener list (day_gainers, day_losers, most_actives).
func (c *Client) Screener(ctx context.Context, list string) (json.RawMessage, error) {
	return c.call(ctx, "market screener", screenerEndpoint, map[string]string{"list": list})
}

// Modules fetches one quote-summary module (asset-profile, financial-data, ...).
func (c *Client) Modules(ctx context.Context, ticker, module string) (json.RawMessage, error) {
	return c.call(ctx, "stock module "+module, modulesEndpoint, map[string]string{"ticker": ticker, "module": module})
}

// News fetches news for the given tickers. typ is ALL, VIDEO or PRESS_RELEASE.
func (c *Client) News(ctx context.Context, tickers []string, typ string) (json.RawMessage, error) {
	return c.call(ctx, "stock news", newsEndpoint, map[string]string{"tickers": strings.Join(tickers, ","), "type": typ})
}

// Ping checks connectivity and credentials with a cheap tickers call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.MarketTickers(ctx, 1, "STOCKS")
	return err
}

func (c *Client) call(ctx context.Context, what, endpoint string, params map[string]string) (json.RawMessage, error) {
	resp, err := c.fetch(ctx, endpoint, params)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", what, err)
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("fetch %s: response is not valid JSON", what)
	}
	slog.Debug("retrieved yahoo data", "what", what, "bytes", len(resp.Body), "elapsed", resp.Elapsed.String())
	return json.RawMessage(resp.Body), nil
}

func (c *Client) fetch(ctx context.Context, endpoint string, params map[string]string) (*httpclient.Response, error) {
	if !c.async {
		return c.api.Get(ctx, endpoint, params)
	}
	select {
	case out := <-c.api.Go(ctx, httpclient.Request{Method: http.MethodGet, Endpoint: endpoint, Params: params}):
		return out.Response, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
