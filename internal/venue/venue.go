// Package venue defines the uniform contract every external venue
// implements, exchange and chain alike, plus the registry that owns the
// adapter instances and their reliability state. Adapters stay thin wire
// translators; reliability concerns live in the envelope that wraps them.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Kind separates exchange connectors from on-chain trackers.
type Kind string

const (
	KindExchange Kind = "exchange"
	KindOnChain  Kind = "onchain"
)

// Status is the three-level venue health state.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Capability names a discrete feature a venue supports. The trading engine
// only routes to venues carrying CapLimitOrders.
type Capability string

const (
	CapBalances    Capability = "balances"
	CapLimitOrders Capability = "limit_orders"
	CapOrderBook   Capability = "order_book"
	CapTransfers   Capability = "transfers"
)

// Info is the immutable identity card of a venue.
type Info struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	DisplayName  string       `json:"displayName"`
	Capabilities []Capability `json:"capabilities"`
	// Pairs the venue quotes in internal BASE/QUOTE form. Empty for chains.
	Pairs []string `json:"pairs,omitempty"`
}

// Has reports whether the venue advertises the capability.
func (i Info) Has(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// QuotesPair reports whether the venue trades the internal-form pair.
func (i Info) QuotesPair(pair string) bool {
	for _, p := range i.Pairs {
		if p == pair {
			return true
		}
	}
	return false
}

// Credentials is the short-lived key material handed to Authenticate. It is
// borrowed from the security manager and must never be retained, logged, or
// copied into caches.
type Credentials struct {
	Key    string
	Secret string
}

// Holding is one venue's balance in a single token.
type Holding struct {
	VenueID   string          `json:"venueId"`
	Symbol    string          `json:"symbol"`
	Native    decimal.Decimal `json:"native"`
	Grams     decimal.Decimal `json:"grams"`
	SampledAt time.Time       `json:"sampledAt"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus values follow the monotonic state machine
// pending → partial → filled, with cancelled/rejected/expired terminal.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
	OrderExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transitions are admissible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// rank orders statuses along the forward direction of the state machine.
// Terminal states share a rank: once terminal, everything else is backward.
func (s OrderStatus) rank() int {
	switch s {
	case OrderPending:
		return 1
	case OrderPartial:
		return 2
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return 3
	}
	return 0
}

// CanTransition reports whether moving from s to next respects the state
// machine. Backward or terminal-to-anything moves are invariant violations
// the caller must treat as programming errors.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// OrderParams are the caller-supplied terms of a limit order. The engine
// never mutates them after validation.
type OrderParams struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limitPrice"`
	SlippageBps int64           `json:"slippageBps"`
}

// OrderAck is the venue's response to a placement.
type OrderAck struct {
	VenueOrderID string      `json:"venueOrderId"`
	Status       OrderStatus `json:"status"`
}

// Fill is one execution report line.
type Fill struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderState is the venue-side view of an order.
type OrderState struct {
	VenueOrderID string      `json:"venueOrderId"`
	Status       OrderStatus `json:"status"`
	Fills        []Fill      `json:"fills,omitempty"`
	ExecutedAt   *time.Time  `json:"executedAt,omitempty"`
}

// PriceLevel is one rung of an order book side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a point-in-time depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Transfer is an observed on-chain token movement.
type Transfer struct {
	TxHash        string          `json:"txHash"`
	Block         uint64          `json:"block"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	ObservedAt    time.Time       `json:"observedAt"`
	Confirmations uint64          `json:"confirmations"`
}

// ConfirmationStatus reports how settled a transaction is against the
// currently configured threshold.
type ConfirmationStatus struct {
	Confirmations uint64 `json:"confirmations"`
	Required      uint64 `json:"required"`
	IsConfirmed   bool   `json:"isConfirmed"`
}

// Adapter is the base contract shared by every venue kind.
type Adapter interface {
	Info() Info
	// Authenticate verifies credentials via a cheap round-trip and caches a
	// session on success. Failure must leave no partial state behind.
	Authenticate(ctx context.Context, creds Credentials) error
	// Disconnect drops any cached session.
	Disconnect(ctx context.Context) error
	// HealthCheck is cheap and unauthenticated where the venue allows it.
	HealthCheck(ctx context.Context) (Status, error)
}

// Exchange is the contract of a centralized trading venue.
type Exchange interface {
	Adapter
	GetBalance(ctx context.Context, symbol string) (Holding, error)
	PlaceLimitOrder(ctx context.Context, p OrderParams) (OrderAck, error)
	CancelOrder(ctx context.Context, venueOrderID string) error
	GetOrderStatus(ctx context.Context, venueOrderID string) (OrderState, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
}

// Chain is the contract of a read-only on-chain tracker.
type Chain interface {
	Adapter
	GetBalance(ctx context.Context, address, tokenContract string) (Holding, error)
	TrackTransfers(ctx context.Context, address, tokenContract string) ([]Transfer, error)
	GetConfirmationStatus(ctx context.Context, txHash string) (ConfirmationStatus, error)
	// SetConfirmationThreshold requires n >= 1 and applies to subsequent
	// confirmation queries.
	SetConfirmationThreshold(n uint64) error
}
