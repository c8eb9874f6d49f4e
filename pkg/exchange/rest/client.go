// Package rest is an HTTP client for a JSON order/market-data API,
// implementing the exchange.Gateway, exchange.MarketData and
// exchange.BalanceSource contracts.
package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"maker-core/pkg/exchange"
	"maker-core/pkg/num"
)

// Config holds the API endpoint and credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// RequestsPerSecond throttles outgoing calls; 0 means the default.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client talks to the exchange REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a client. Requests are rate limited client-side so a tight
// engine loop cannot trip the venue's limits.
func New(cfg Config) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
	}
}

// PlaceOrder submits an order and returns the exchange's view of it.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	var out exchange.Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, req, &out); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	return &out, nil
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, orderID, marketID, owner string) (*exchange.Order, error) {
	q := url.Values{"market": {marketID}, "owner": {owner}}
	var out exchange.Order
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), q, nil, &out); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &out, nil
}

// GetOpenOrders lists the owner's open orders for a market.
func (c *Client) GetOpenOrders(ctx context.Context, marketID, owner string) ([]exchange.Order, error) {
	q := url.Values{"market": {marketID}, "owner": {owner}, "status": {"open"}}
	var out []exchange.Order
	if err := c.do(ctx, http.MethodGet, "/v1/orders", q, nil, &out); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return out, nil
}

// CancelOrder cancels one order.
func (c *Client) CancelOrder(ctx context.Context, orderID, marketID, owner string) error {
	q := url.Values{"market": {marketID}, "owner": {owner}}
	if err := c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), q, nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetMarket fetches market metadata (decimals, tick/step, limits).
func (c *Client) GetMarket(ctx context.Context, marketID string) (*exchange.Market, error) {
	var out exchange.Market
	if err := c.do(ctx, http.MethodGet, "/v1/markets/"+url.PathEscape(marketID), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("market %s: %w", marketID, err)
	}
	return &out, nil
}

// GetTicker fetches the latest trade price.
func (c *Client) GetTicker(ctx context.Context, marketID string) (*exchange.Ticker, error) {
	var out exchange.Ticker
	if err := c.do(ctx, http.MethodGet, "/v1/markets/"+url.PathEscape(marketID)+"/ticker", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("ticker %s: %w", marketID, err)
	}
	return &out, nil
}

// wireBook is the [[price, qty], ...] orderbook wire format.
type wireBook struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// GetOrderBook fetches and decodes orderbook depth.
func (c *Client) GetOrderBook(ctx context.Context, marketID string) (*exchange.OrderBook, error) {
	var raw wireBook
	if err := c.do(ctx, http.MethodGet, "/v1/markets/"+url.PathEscape(marketID)+"/orderbook", nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("orderbook %s: %w", marketID, err)
	}
	book := &exchange.OrderBook{}
	var err error
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return nil, fmt.Errorf("orderbook %s bids: %w", marketID, err)
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return nil, fmt.Errorf("orderbook %s asks: %w", marketID, err)
	}
	return book, nil
}

// GetBalance fetches one asset balance for an account.
func (c *Client) GetBalance(ctx context.Context, account, asset string) (*exchange.Balance, error) {
	path := "/v1/accounts/" + url.PathEscape(account) + "/balances/" + url.PathEscape(asset)
	var out exchange.Balance
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("balance %s/%s: %w", account, asset, err)
	}
	return &out, nil
}

func parseLevels(raw [][2]string) ([]num.Level, error) {
	levels := make([]num.Level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", pair[1], err)
		}
		levels = append(levels, num.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}

// do performs one rate-limited, signed request and decodes the JSON
// response into out (nil to discard).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req, raw)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sign adds the key header and an HMAC-SHA256 signature over
// timestamp + method + path&query + body.
func (c *Client) sign(req *http.Request, body []byte) {
	if c.cfg.APIKey == "" {
		return
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.RequestURI()))
	mac.Write(body)

	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-API-TIMESTAMP", ts)
	req.Header.Set("X-API-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
}
