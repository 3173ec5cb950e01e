package venue

import (
	"context"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/errs"
)

// guardedAdapter routes the base contract through the envelope and journals
// authentication outcomes. A failed audit append fails the call: the
// journal is never a silent dependency.
type guardedAdapter struct {
	e *Entry
}

func (g guardedAdapter) Info() Info { return g.e.adapter.Info() }

func (g guardedAdapter) Authenticate(ctx context.Context, creds Credentials) error {
	err := g.e.env.Do(ctx, "authenticate", func(ctx context.Context) error {
		return g.e.adapter.Authenticate(ctx, creds)
	})

	event := audit.Event{
		Kind:    audit.KindAuthOK,
		VenueID: g.Info().ID,
		Details: map[string]any{"success": true},
	}
	if err != nil {
		event.Kind = audit.KindAuthFail
		event.Details = map[string]any{"success": false, "code": string(errs.CodeOf(err))}
	}
	if _, aerr := g.e.sink.Append(event); aerr != nil {
		return errs.Wrap(errs.CodeInternal, "audit append failed", aerr)
	}
	return err
}

func (g guardedAdapter) Disconnect(ctx context.Context) error {
	return g.e.env.Do(ctx, "disconnect", func(ctx context.Context) error {
		return g.e.adapter.Disconnect(ctx)
	})
}

func (g guardedAdapter) HealthCheck(ctx context.Context) (Status, error) {
	var s Status
	err := g.e.env.Do(ctx, "health_check", func(ctx context.Context) error {
		var err error
		s, err = g.e.adapter.HealthCheck(ctx)
		return err
	})
	if err != nil {
		return StatusOffline, err
	}
	return s, nil
}

type guardedExchange struct {
	guardedAdapter
	ex Exchange
}

func (g *guardedExchange) GetBalance(ctx context.Context, symbol string) (Holding, error) {
	var h Holding
	err := g.e.env.Do(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		h, err = g.ex.GetBalance(ctx, symbol)
		return err
	})
	return h, err
}

func (g *guardedExchange) PlaceLimitOrder(ctx context.Context, p OrderParams) (OrderAck, error) {
	var ack OrderAck
	err := g.e.env.Do(ctx, "place_limit_order", func(ctx context.Context) error {
		var err error
		ack, err = g.ex.PlaceLimitOrder(ctx, p)
		return err
	})
	return ack, err
}

func (g *guardedExchange) CancelOrder(ctx context.Context, venueOrderID string) error {
	return g.e.env.Do(ctx, "cancel_order", func(ctx context.Context) error {
		return g.ex.CancelOrder(ctx, venueOrderID)
	})
}

func (g *guardedExchange) GetOrderStatus(ctx context.Context, venueOrderID string) (OrderState, error) {
	var st OrderState
	err := g.e.env.Do(ctx, "get_order_status", func(ctx context.Context) error {
		var err error
		st, err = g.ex.GetOrderStatus(ctx, venueOrderID)
		return err
	})
	return st, err
}

func (g *guardedExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	var book OrderBook
	err := g.e.env.Do(ctx, "get_order_book", func(ctx context.Context) error {
		var err error
		book, err = g.ex.GetOrderBook(ctx, symbol, depth)
		return err
	})
	return book, err
}

type guardedChain struct {
	guardedAdapter
	ch Chain
}

func (g *guardedChain) GetBalance(ctx context.Context, address, tokenContract string) (Holding, error) {
	var h Holding
	err := g.e.env.Do(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		h, err = g.ch.GetBalance(ctx, address, tokenContract)
		return err
	})
	return h, err
}

func (g *guardedChain) TrackTransfers(ctx context.Context, address, tokenContract string) ([]Transfer, error) {
	var ts []Transfer
	err := g.e.env.Do(ctx, "track_transfers", func(ctx context.Context) error {
		var err error
		ts, err = g.ch.TrackTransfers(ctx, address, tokenContract)
		return err
	})
	return ts, err
}

func (g *guardedChain) GetConfirmationStatus(ctx context.Context, txHash string) (ConfirmationStatus, error) {
	var cs ConfirmationStatus
	err := g.e.env.Do(ctx, "get_confirmation_status", func(ctx context.Context) error {
		var err error
		cs, err = g.ch.GetConfirmationStatus(ctx, txHash)
		return err
	})
	return cs, err
}

// SetConfirmationThreshold is local state, no venue I/O, so it bypasses the
// envelope.
func (g *guardedChain) SetConfirmationThreshold(n uint64) error {
	return g.ch.SetConfirmationThreshold(n)
}
