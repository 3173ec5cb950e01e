// Package trading routes protected limit orders to the most suitable venue.
// The engine scores candidates, enforces the slippage guard, submits with at
// most one fallback, and journals every decision.
package trading

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

// Config tunes the engine.
type Config struct {
	BookDepth int `yaml:"book_depth"` // levels fetched for scoring and the guard
}

func (c Config) withDefaults() Config {
	if c.BookDepth <= 0 {
		c.BookDepth = 25
	}
	return c
}

// Request is the public contract of placeLimitOrder. The engine never
// mutates quantity, price, or symbol.
type Request struct {
	Symbol      string          `json:"symbol"`
	Side        venue.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limitPrice"`
	SlippageBps int64           `json:"slippageBps"`
}

func (r Request) validate() error {
	if r.Symbol == "" || !strings.Contains(r.Symbol, "/") {
		return errs.New(errs.CodeValidation, "symbol must be in BASE/QUOTE form")
	}
	if r.Side != venue.SideBuy && r.Side != venue.SideSell {
		return errs.Newf(errs.CodeValidation, "side must be buy or sell, got %q", r.Side)
	}
	if !r.Quantity.IsPositive() {
		return errs.New(errs.CodeValidation, "quantity must be positive")
	}
	if !r.LimitPrice.IsPositive() {
		return errs.New(errs.CodeValidation, "limit price must be positive")
	}
	if r.SlippageBps < 0 || r.SlippageBps > 10000 {
		return errs.Newf(errs.CodeValidation, "slippage bps must be in [0, 10000], got %d", r.SlippageBps)
	}
	return nil
}

// Order is the engine's view of one routed order.
type Order struct {
	ID           string            `json:"id"`
	VenueID      string            `json:"venueId,omitempty"`
	VenueOrderID string            `json:"venueOrderId,omitempty"`
	Symbol       string            `json:"symbol"`
	Side         venue.Side        `json:"side"`
	Quantity     decimal.Decimal   `json:"quantity"`
	LimitPrice   decimal.Decimal   `json:"limitPrice"`
	SlippageBps  int64             `json:"slippageBps"`
	Status       venue.OrderStatus `json:"status"`
	Fills        []venue.Fill      `json:"fills,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func (o Order) clone() Order {
	c := o
	c.Fills = append([]venue.Fill(nil), o.Fills...)
	return c
}

// Engine is safe for concurrent use. Two concurrent placements create two
// distinct orders.
type Engine struct {
	cfg    Config
	reg    *venue.Registry
	sink   audit.Sink
	orders *store
	log    zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, reg *venue.Registry, sink audit.Sink, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		sink:   sink,
		orders: newStore(),
		log:    log.With().Str("component", "trading").Logger(),
		now:    time.Now,
	}
}

// PlaceLimitOrder runs the pre-trade pipeline: candidate selection, scoring,
// slippage guard, submission with one fallback. The returned order is
// rejected when no submission succeeded.
func (e *Engine) PlaceLimitOrder(ctx context.Context, req Request) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}

	cands := e.candidates(ctx, req)
	if len(cands) == 0 {
		return Order{}, errs.Newf(errs.CodeNotFound, "no available venue quotes %s with limit orders", req.Symbol)
	}

	// The guard runs against the chosen venue's book before anything is
	// submitted. A violation blocks the order outright, it does not fall
	// back to a worse venue.
	if err := checkSlippage(cands[0].book, req); err != nil {
		if aerr := e.auditRiskBlock(cands[0].venueID, req, err); aerr != nil {
			return Order{}, aerr
		}
		return Order{}, err
	}

	now := e.now().UTC()
	order := Order{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		SlippageBps: req.SlippageBps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var lastErr error
	for attempt, cand := range cands {
		if attempt > 1 {
			break // one fallback only
		}
		if attempt > 0 {
			if err := checkSlippage(cand.book, req); err != nil {
				lastErr = errs.Wrap(errs.CodeSlippage, "fallback venue fails the guard", err)
				break
			}
		}

		if err := e.append(audit.Event{
			Kind:    audit.KindOrderPlaced,
			VenueID: cand.venueID,
			Subject: order.ID,
			Details: orderDetails(req, map[string]any{"stage": "submit", "attempt": attempt + 1}),
		}); err != nil {
			return Order{}, err
		}

		ack, err := cand.ex.PlaceLimitOrder(ctx, venue.OrderParams{
			Symbol:      req.Symbol,
			Side:        req.Side,
			Quantity:    req.Quantity,
			LimitPrice:  req.LimitPrice,
			SlippageBps: req.SlippageBps,
		})
		if err == nil {
			return e.acceptOrder(order, cand.venueID, ack)
		}

		lastErr = err
		e.log.Warn().Err(err).Str("venue", cand.venueID).Str("order", order.ID).Msg("submission failed")
		if errs.CodeOf(err) == errs.CodeNetwork {
			// The venue may have accepted the order even though the ack was
			// lost. Without a venue order id there is nothing to reconcile
			// against, so falling back could double-execute.
			order.Reason = "submission outcome unknown: " + err.Error()
			break
		}
	}

	order.Status = venue.OrderRejected
	if order.Reason == "" && lastErr != nil {
		order.Reason = lastErr.Error()
	}
	e.orders.put(order)
	if aerr := e.append(audit.Event{
		Kind:    audit.KindOrderFailed,
		VenueID: order.VenueID,
		Subject: order.ID,
		Details: orderDetails(req, map[string]any{"reason": order.Reason}),
	}); aerr != nil {
		return order, aerr
	}
	return order, lastErr
}

// acceptOrder records a venue-accepted order and journals the acceptance.
func (e *Engine) acceptOrder(order Order, venueID string, ack venue.OrderAck) (Order, error) {
	order.VenueID = venueID
	order.VenueOrderID = ack.VenueOrderID
	order.Status = venue.OrderPending
	e.orders.put(order)

	if err := e.append(audit.Event{
		Kind:    audit.KindOrderPlaced,
		VenueID: venueID,
		Subject: order.ID,
		Details: map[string]any{"stage": "accepted", "venueOrderId": ack.VenueOrderID},
	}); err != nil {
		return order, err
	}

	// Some venues report an immediate partial or full fill on the ack.
	if ack.Status != venue.OrderPending && ack.Status != "" {
		return e.applyState(order.ID, venue.OrderState{VenueOrderID: ack.VenueOrderID, Status: ack.Status})
	}
	stored, _ := e.orders.get(order.ID)
	return stored, nil
}

// GetOrder returns a copy of the order.
func (e *Engine) GetOrder(id string) (Order, error) {
	o, ok := e.orders.get(id)
	if !ok {
		return Order{}, errs.Newf(errs.CodeNotFound, "order %s not found", id)
	}
	return o, nil
}

// ListOrders returns all orders, newest first.
func (e *Engine) ListOrders() []Order {
	return e.orders.list()
}

// RefreshOrder polls the venue for current state and applies it. Terminal
// orders are returned as stored.
func (e *Engine) RefreshOrder(ctx context.Context, id string) (Order, error) {
	o, ok := e.orders.get(id)
	if !ok {
		return Order{}, errs.Newf(errs.CodeNotFound, "order %s not found", id)
	}
	if o.Status.Terminal() {
		return o, nil
	}
	ex, err := e.exchangeFor(o.VenueID)
	if err != nil {
		return o, err
	}
	st, err := ex.GetOrderStatus(ctx, o.VenueOrderID)
	if err != nil {
		return o, err
	}
	return e.applyState(id, st)
}

// CancelOrder asks the venue to cancel. When the cancel call fails
// ambiguously the venue is queried for truth: a fill that raced the cancel
// is applied, not discarded.
func (e *Engine) CancelOrder(ctx context.Context, id string) (Order, error) {
	o, ok := e.orders.get(id)
	if !ok {
		return Order{}, errs.Newf(errs.CodeNotFound, "order %s not found", id)
	}
	if o.Status.Terminal() {
		return o, errs.Newf(errs.CodeValidation, "order %s already %s", id, o.Status)
	}
	ex, err := e.exchangeFor(o.VenueID)
	if err != nil {
		return o, err
	}

	cancelErr := ex.CancelOrder(ctx, o.VenueOrderID)
	if cancelErr == nil {
		return e.applyState(id, venue.OrderState{VenueOrderID: o.VenueOrderID, Status: venue.OrderCancelled})
	}

	if errs.IsRetryable(cancelErr) {
		// Ambiguous outcome. Ask the venue what actually happened.
		if st, qerr := ex.GetOrderStatus(ctx, o.VenueOrderID); qerr == nil {
			updated, aerr := e.applyState(id, st)
			if aerr != nil {
				return updated, aerr
			}
			if updated.Status == venue.OrderCancelled {
				return updated, nil
			}
			return updated, errs.Wrap(errs.CodeVenue, "cancel did not take effect", cancelErr)
		}
	}
	return o, cancelErr
}

// applyState merges venue-reported fills and advances the status under the
// order's slot lock. Backward movement is an invariant violation. Terminal
// transitions are journaled after the state is applied.
func (e *Engine) applyState(id string, st venue.OrderState) (Order, error) {
	var terminalKind audit.Kind
	updated, err := e.orders.update(id, func(o *Order) error {
		if len(st.Fills) > 0 {
			o.Fills = mergeFills(o.Fills, st.Fills)
		}
		if st.Status == "" || st.Status == o.Status {
			return nil
		}
		if !o.Status.CanTransition(st.Status) {
			e.log.Error().
				Str("order", o.ID).
				Str("from", string(o.Status)).
				Str("to", string(st.Status)).
				Msg("invariant violation: backward order transition")
			return errs.Newf(errs.CodeInternal, "invariant violation: order %s cannot move %s to %s", o.ID, o.Status, st.Status)
		}
		o.Status = st.Status
		o.UpdatedAt = e.now().UTC()
		if st.Status.Terminal() {
			terminalKind = terminalAuditKind(st.Status)
		}
		return nil
	})
	if err != nil {
		return updated, err
	}

	if terminalKind != "" {
		if aerr := e.append(audit.Event{
			Kind:    terminalKind,
			VenueID: updated.VenueID,
			Subject: updated.ID,
			Details: map[string]any{
				"status":       string(updated.Status),
				"venueOrderId": updated.VenueOrderID,
				"fills":        len(updated.Fills),
			},
		}); aerr != nil {
			return updated, aerr
		}
	}
	return updated, nil
}

func terminalAuditKind(s venue.OrderStatus) audit.Kind {
	switch s {
	case venue.OrderFilled:
		return audit.KindOrderFilled
	case venue.OrderCancelled:
		return audit.KindOrderCancelled
	default:
		return audit.KindOrderFailed
	}
}

func mergeFills(have, incoming []venue.Fill) []venue.Fill {
	seen := make(map[string]bool, len(have))
	for _, f := range have {
		seen[f.ID] = true
	}
	for _, f := range incoming {
		if f.ID != "" && seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		have = append(have, f)
	}
	return have
}

func (e *Engine) exchangeFor(venueID string) (venue.Exchange, error) {
	entry, ok := e.reg.Get(venueID)
	if !ok {
		return nil, errs.Newf(errs.CodeNotFound, "venue %s not registered", venueID)
	}
	ex, ok := entry.Exchange()
	if !ok {
		return nil, errs.Newf(errs.CodeValidation, "venue %s is not an exchange", venueID)
	}
	return ex, nil
}

// append journals an event. Journal failures fail the operation that
// triggered them.
func (e *Engine) append(ev audit.Event) error {
	if _, err := e.sink.Append(ev); err != nil {
		return errs.Wrap(errs.CodeInternal, "audit append failed", err)
	}
	return nil
}

func (e *Engine) auditRiskBlock(venueID string, req Request, cause error) error {
	return e.append(audit.Event{
		Kind:    audit.KindRiskBlock,
		VenueID: venueID,
		Details: orderDetails(req, map[string]any{"reason": cause.Error()}),
	})
}

// orderDetails renders request parameters for the journal, amounts as
// strings so precision survives serialization.
func orderDetails(req Request, extra map[string]any) map[string]any {
	d := map[string]any{
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"quantity":    req.Quantity.String(),
		"limitPrice":  req.LimitPrice.String(),
		"slippageBps": req.SlippageBps,
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}
