// Package bitfinex implements the reference exchange adapter: a v1-style
// REST venue authenticated by HMAC-SHA384 over a base64 JSON payload with a
// monotonic nonce. The adapter is a thin wire translator; retries, breaker,
// and rate limiting belong to the envelope wrapped around it.
package bitfinex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

// Doer is the HTTP seam. Production wires *http.Client; tests substitute
// deterministic fakes.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config identifies one venue instance speaking this wire protocol.
type Config struct {
	VenueID      string        `yaml:"venue_id"`
	DisplayName  string        `yaml:"display_name"`
	BaseURL      string        `yaml:"base_url"`
	HeaderPrefix string        `yaml:"header_prefix"` // X-<PREFIX>-APIKEY etc
	Pairs        []string      `yaml:"pairs"`         // internal BASE/QUOTE form
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.VenueID == "" {
		c.VenueID = "bitfinex"
	}
	if c.DisplayName == "" {
		c.DisplayName = "Bitfinex"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.bitfinex.com"
	}
	if c.HeaderPrefix == "" {
		c.HeaderPrefix = "BFX"
	}
	if c.UserAgent == "" {
		c.UserAgent = "goldroute/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Client implements venue.Exchange. A session caches credentials from the
// last successful Authenticate until Disconnect wipes them; the key
// material never appears in logs or error messages.
type Client struct {
	cfg   Config
	http  Doer
	nonce *nonceSource
	log   zerolog.Logger

	mu     sync.RWMutex
	key    string
	secret string
	authed bool
}

// New builds a client. A nil doer falls back to a plain http.Client with
// the configured timeout.
func New(cfg Config, doer Doer, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:   cfg,
		http:  doer,
		nonce: newNonceSource(),
		log:   log.With().Str("component", "exchange").Str("venue", cfg.VenueID).Logger(),
	}
}

func (c *Client) Info() venue.Info {
	return venue.Info{
		ID:           c.cfg.VenueID,
		Kind:         venue.KindExchange,
		DisplayName:  c.cfg.DisplayName,
		Capabilities: []venue.Capability{venue.CapBalances, venue.CapLimitOrders, venue.CapOrderBook},
		Pairs:        append([]string(nil), c.cfg.Pairs...),
	}
}

// Authenticate proves the credentials with a cheap account-info call. The
// session is cached only after the venue accepts them; a failure leaves the
// client exactly as it was.
func (c *Client) Authenticate(ctx context.Context, creds venue.Credentials) error {
	if creds.Key == "" || creds.Secret == "" {
		return errs.New(errs.CodeAuth, "missing api key or secret")
	}
	var resp accountInfoResponse
	if err := c.signedCall(ctx, "/v1/account_infos", map[string]any{
		"request": "/v1/account_infos",
	}, creds.Key, creds.Secret, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.key = creds.Key
	c.secret = creds.Secret
	c.authed = true
	c.mu.Unlock()
	c.log.Info().Msg("session established")
	return nil
}

// Disconnect wipes the cached session.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.key = ""
	c.secret = ""
	c.authed = false
	c.mu.Unlock()
	c.log.Info().Msg("session wiped")
	return nil
}

// HealthCheck hits the public symbols listing, the cheapest unauthenticated
// endpoint the venue exposes.
func (c *Client) HealthCheck(ctx context.Context) (venue.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/symbols", nil)
	if err != nil {
		return venue.StatusOffline, errs.Wrap(errs.CodeInternal, "build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return venue.StatusOffline, errs.Wrap(errs.CodeNetwork, "health check transport failure", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return venue.StatusOffline, mapAPIError(resp.StatusCode, nil)
	}
	return venue.StatusHealthy, nil
}

// GetBalance returns the exchange-wallet balance for one token symbol.
func (c *Client) GetBalance(ctx context.Context, symbol string) (venue.Holding, error) {
	key, secret, err := c.session()
	if err != nil {
		return venue.Holding{}, err
	}
	var entries []balanceEntry
	if err := c.signedCall(ctx, "/v1/balances", map[string]any{
		"request": "/v1/balances",
	}, key, secret, &entries); err != nil {
		return venue.Holding{}, err
	}

	for _, e := range entries {
		if e.Type != "exchange" || !strings.EqualFold(e.Currency, symbol) {
			continue
		}
		native, err := decimal.NewFromString(e.Amount)
		if err != nil {
			return venue.Holding{}, errs.Newf(errs.CodeVenue, "unparseable balance for %s", symbol)
		}
		return venue.Holding{
			VenueID:   c.cfg.VenueID,
			Symbol:    symbol,
			Native:    native,
			SampledAt: time.Now().UTC(),
		}, nil
	}
	// The venue simply has no wallet line for this token.
	return venue.Holding{
		VenueID:   c.cfg.VenueID,
		Symbol:    symbol,
		Native:    decimal.Zero,
		SampledAt: time.Now().UTC(),
	}, nil
}

// PlaceLimitOrder submits an exchange-limit order. Side travels as the sign
// of the amount.
func (c *Client) PlaceLimitOrder(ctx context.Context, p venue.OrderParams) (venue.OrderAck, error) {
	key, secret, err := c.session()
	if err != nil {
		return venue.OrderAck{}, err
	}
	amount := p.Quantity
	if p.Side == venue.SideSell {
		amount = amount.Neg()
	}
	var resp orderResponse
	if err := c.signedCall(ctx, "/v1/order/new", map[string]any{
		"request":  "/v1/order/new",
		"symbol":   toExternal(p.Symbol),
		"amount":   amount.String(),
		"price":    p.LimitPrice.String(),
		"exchange": c.cfg.VenueID,
		"type":     "exchange limit",
	}, key, secret, &resp); err != nil {
		return venue.OrderAck{}, err
	}

	id := resp.OrderID
	if id == 0 {
		id = resp.ID
	}
	if id == 0 {
		return venue.OrderAck{}, errs.New(errs.CodeVenue, "order accepted without id")
	}
	status := mapOrderStatus(resp.Status)
	return venue.OrderAck{VenueOrderID: strconv.FormatInt(id, 10), Status: status}, nil
}

func (c *Client) CancelOrder(ctx context.Context, venueOrderID string) error {
	key, secret, err := c.session()
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return errs.Newf(errs.CodeValidation, "malformed venue order id %q", venueOrderID)
	}
	var resp orderResponse
	return c.signedCall(ctx, "/v1/order/cancel", map[string]any{
		"request":  "/v1/order/cancel",
		"order_id": id,
	}, key, secret, &resp)
}

func (c *Client) GetOrderStatus(ctx context.Context, venueOrderID string) (venue.OrderState, error) {
	key, secret, err := c.session()
	if err != nil {
		return venue.OrderState{}, err
	}
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return venue.OrderState{}, errs.Newf(errs.CodeValidation, "malformed venue order id %q", venueOrderID)
	}
	var resp orderResponse
	if err := c.signedCall(ctx, "/v1/order/status", map[string]any{
		"request":  "/v1/order/status",
		"order_id": id,
	}, key, secret, &resp); err != nil {
		return venue.OrderState{}, err
	}

	state := venue.OrderState{
		VenueOrderID: venueOrderID,
		Status:       mapOrderStatus(resp.Status),
	}
	for _, f := range resp.Fills {
		fill, err := parseFill(venueOrderID, f)
		if err != nil {
			return venue.OrderState{}, err
		}
		state.Fills = append(state.Fills, fill)
	}
	if state.Status.Terminal() && resp.Timestamp > 0 {
		at := time.Unix(int64(resp.Timestamp), 0).UTC()
		state.ExecutedAt = &at
	}
	return state, nil
}

func parseFill(orderID string, f fillEntry) (venue.Fill, error) {
	qty, err := decimal.NewFromString(f.Amount)
	if err != nil {
		return venue.Fill{}, errs.New(errs.CodeVenue, "unparseable fill amount")
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return venue.Fill{}, errs.New(errs.CodeVenue, "unparseable fill price")
	}
	fee := decimal.Zero
	if f.Fee != "" {
		fee, err = decimal.NewFromString(f.Fee)
		if err != nil {
			return venue.Fill{}, errs.New(errs.CodeVenue, "unparseable fill fee")
		}
	}
	return venue.Fill{
		ID:        f.ID,
		OrderID:   orderID,
		Quantity:  qty.Abs(),
		Price:     price,
		Fee:       fee,
		Timestamp: time.Unix(int64(f.Timestamp), 0).UTC(),
	}, nil
}

// GetOrderBook fetches depth for an internal-form pair. Bids come back
// descending, asks ascending, as the venue publishes them.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (venue.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	url := fmt.Sprintf("%s/v1/book/%s?limit_bids=%d&limit_asks=%d",
		c.cfg.BaseURL, toExternal(symbol), depth, depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return venue.OrderBook{}, errs.Wrap(errs.CodeInternal, "build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return venue.OrderBook{}, errs.Wrap(errs.CodeNetwork, "book transport failure", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return venue.OrderBook{}, errs.Wrap(errs.CodeNetwork, "book read failure", err)
	}
	if resp.StatusCode != http.StatusOK {
		return venue.OrderBook{}, mapAPIError(resp.StatusCode, body)
	}

	var wire bookResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return venue.OrderBook{}, errs.Wrap(errs.CodeVenue, "unparseable book", err)
	}
	book := venue.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, lv := range wire.Bids {
		level, err := parseLevel(lv)
		if err != nil {
			return venue.OrderBook{}, err
		}
		book.Bids = append(book.Bids, level)
	}
	for _, lv := range wire.Asks {
		level, err := parseLevel(lv)
		if err != nil {
			return venue.OrderBook{}, err
		}
		book.Asks = append(book.Asks, level)
	}
	return book, nil
}

func parseLevel(lv bookLevel) (venue.PriceLevel, error) {
	price, err := decimal.NewFromString(lv.Price)
	if err != nil {
		return venue.PriceLevel{}, errs.New(errs.CodeVenue, "unparseable book price")
	}
	size, err := decimal.NewFromString(lv.Amount)
	if err != nil {
		return venue.PriceLevel{}, errs.New(errs.CodeVenue, "unparseable book size")
	}
	return venue.PriceLevel{Price: price, Size: size}, nil
}

// session returns the cached credentials or an auth error.
func (c *Client) session() (key, secret string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authed {
		return "", "", errs.Newf(errs.CodeAuth, "venue %s: not authenticated", c.cfg.VenueID)
	}
	return c.key, c.secret, nil
}

// signedCall performs a private POST: the JSON body (with injected nonce)
// rides base64-encoded in the payload header, signed with HMAC-SHA384.
func (c *Client) signedCall(ctx context.Context, path string, body map[string]any, key, secret string, out any) error {
	payload, signature, err := signedPayload(body, c.nonce.next(), secret)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(nil))
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "build request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-"+c.cfg.HeaderPrefix+"-APIKEY", key)
	req.Header.Set("X-"+c.cfg.HeaderPrefix+"-PAYLOAD", payload)
	req.Header.Set("X-"+c.cfg.HeaderPrefix+"-SIGNATURE", signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.CodeNetwork, "transport failure", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.CodeNetwork, "read failure", err)
	}
	if resp.StatusCode != http.StatusOK {
		return mapAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Wrap(errs.CodeVenue, "unparseable response", err)
	}
	return nil
}

// mapAPIError converts a non-ok venue response onto the closed taxonomy.
// The upstream message is trimmed and carried verbatim; credentials never
// enter it because they never enter the request body.
func mapAPIError(status int, body []byte) error {
	msg := upstreamMessage(body)
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Newf(errs.CodeAuth, "venue rejected credentials: %s", msg)
	case status == http.StatusNotFound:
		return errs.Newf(errs.CodeNotFound, "venue resource not found: %s", msg)
	case status == http.StatusTooManyRequests:
		return errs.New(errs.CodeRateLimit, "venue rate limit hit")
	case status >= 500:
		return errs.Newf(errs.CodeVenue, "venue fault (%d): %s", status, msg)
	case strings.Contains(lower, "not enough") || strings.Contains(lower, "insufficient"):
		return errs.Newf(errs.CodeInsufficientBalance, "venue reports insufficient funds: %s", msg)
	case strings.Contains(lower, "unknown symbol") || strings.Contains(lower, "invalid symbol"):
		return errs.Newf(errs.CodeInvalidSymbol, "venue does not list symbol: %s", msg)
	case status == http.StatusBadRequest:
		return errs.Newf(errs.CodeValidation, "venue rejected request: %s", msg)
	default:
		return errs.Newf(errs.CodeVenue, "venue error (%d): %s", status, msg)
	}
}

func upstreamMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return truncate(er.Message, 160)
	}
	return truncate(strings.TrimSpace(string(body)), 160)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
