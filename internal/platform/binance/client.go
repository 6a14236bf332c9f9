package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// DefaultBaseURL is the USDⓈ-M futures REST root.
	DefaultBaseURL = "https://fapi.binance.com"

	// DefaultRecvWindow is how long after its timestamp a signed request
	// stays valid on the venue.
	DefaultRecvWindow = 10 * time.Second

	// rateLimitKey groups every REST call under one limiter bucket.
	rateLimitKey = "binance:rest"
)

// Client is the signed REST client for the USDⓈ-M futures API. It satisfies
// domain.Gateway.
type Client struct {
	baseURL     string
	auth        *crypto.HMACAuth
	recvWindow  time.Duration
	instruments domain.InstrumentTable
	limiter     domain.RateLimiter
	httpClient  *http.Client
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithRecvWindow overrides DefaultRecvWindow.
func WithRecvWindow(d time.Duration) Option {
	return func(c *Client) { c.recvWindow = d }
}

// WithInstruments sets the precision table used to format prices and
// quantities.
func WithInstruments(t domain.InstrumentTable) Option {
	return func(c *Client) { c.instruments = t }
}

// WithRateLimiter makes every request wait for a token from l first.
func WithRateLimiter(l domain.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a REST client. baseURL is the API root, e.g.
// DefaultBaseURL or the testnet root.
func NewClient(baseURL string, auth *crypto.HMACAuth, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		auth:        auth,
		recvWindow:  DefaultRecvWindow,
		instruments: domain.DefaultInstruments(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OpenOrder places a new order. Market orders carry no price or time in force.
func (c *Client) OpenOrder(ctx context.Context, spec domain.OrderSpec) (domain.OrderRecord, error) {
	inst, err := c.instruments.Lookup(spec.Symbol)
	if err != nil {
		return domain.OrderRecord{}, fmt.Errorf("binance: open order %s: %w", spec.Symbol, err)
	}

	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", string(spec.Side))
	params.Set("type", string(spec.Type))
	params.Set("quantity", formatDecimal(spec.Quantity, inst.QtyPrecision))
	if spec.Type == domain.OrderTypeLimit {
		params.Set("price", formatDecimal(spec.Price, inst.PricePrecision))
		params.Set("timeInForce", "GTC")
	}
	if spec.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if spec.ClientOrderID != "" {
		params.Set("newClientOrderId", spec.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")

	var resp orderResponse
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("binance: open order: %w", err)
	}
	return resp.toRecord(), nil
}

// GetOrder queries one order by venue id when known, else by client id.
func (c *Client) GetOrder(ctx context.Context, ref domain.OrderRef) (domain.OrderRecord, error) {
	var resp orderResponse
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", refParams(ref), &resp); err != nil {
		return domain.OrderRecord{}, fmt.Errorf("binance: get order %s: %w", refLabel(ref), err)
	}
	return resp.toRecord(), nil
}

// CancelOrder cancels one open order.
func (c *Client) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	if err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", refParams(ref), nil); err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", refLabel(ref), err)
	}
	return nil
}

// CancelAllOpenOrders cancels every open order on symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil); err != nil {
		return fmt.Errorf("binance: cancel all open orders %s: %w", symbol, err)
	}
	return nil
}

// AllOrders returns up to limit most recent orders on symbol, oldest first.
func (c *Client) AllOrders(ctx context.Context, symbol string, limit int) ([]domain.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp []orderResponse
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/allOrders", params, &resp); err != nil {
		return nil, fmt.Errorf("binance: all orders %s: %w", symbol, err)
	}
	out := make([]domain.OrderRecord, len(resp))
	for i, o := range resp {
		out[i] = o.toRecord()
	}
	return out, nil
}

// Ping checks connectivity with the unsigned ping endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/ping", nil)
	if err != nil {
		return fmt.Errorf("binance: ping: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance: ping: HTTP %d", resp.StatusCode)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func refParams(ref domain.OrderRef) url.Values {
	params := url.Values{}
	params.Set("symbol", ref.Symbol)
	if ref.OrderID != 0 {
		params.Set("orderId", strconv.FormatInt(ref.OrderID, 10))
	} else {
		params.Set("origClientOrderId", ref.ClientOrderID)
	}
	return params
}

func refLabel(ref domain.OrderRef) string {
	if ref.OrderID != 0 {
		return strconv.FormatInt(ref.OrderID, 10)
	}
	return ref.ClientOrderID
}

// doSigned signs params, sends the request and decodes a 2xx body into out
// when out is non-nil. Venue error bodies come back as *domain.ExchangeError.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.auth == nil || c.auth.Secret == "" {
		return domain.ErrUnauthorized
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	query := c.auth.SignedQuery(params, c.now(), c.recvWindow)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps a non-2xx response to an error. A decodable {code,msg}
// body becomes *domain.ExchangeError so callers can classify it.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		xe := &domain.ExchangeError{Code: apiErr.Code, Msg: apiErr.Msg}
		switch statusCode {
		case http.StatusTooManyRequests, http.StatusTeapot:
			return errors.Join(xe, domain.ErrRateLimited)
		case http.StatusUnauthorized:
			return errors.Join(xe, domain.ErrUnauthorized)
		}
		return xe
	}

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("HTTP %d: %w", statusCode, domain.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %w", statusCode, domain.ErrUnauthorized)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, truncateBody(body))
	}
}

func truncateBody(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
