package trading

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

var bpsDenominator = decimal.NewFromInt(10000)

// candidate is one venue eligible to receive the order, with everything the
// comparator needs already sampled.
type candidate struct {
	venueID   string
	ex        venue.Exchange
	book      venue.OrderBook
	bestPrice decimal.Decimal
	bandDepth decimal.Decimal
	latency   time.Duration
	errorRate float64
}

// candidates selects exchanges that can take the order and ranks them by
// descending preference. Venues whose book cannot be read are dropped.
func (e *Engine) candidates(ctx context.Context, req Request) []candidate {
	var cands []candidate
	for _, entry := range e.reg.List() {
		info := entry.Info()
		if !info.Has(venue.CapLimitOrders) || !info.QuotesPair(req.Symbol) {
			continue
		}
		if entry.Status() == venue.StatusOffline {
			continue
		}
		ex, ok := entry.Exchange()
		if !ok {
			continue
		}
		book, err := ex.GetOrderBook(ctx, req.Symbol, e.cfg.BookDepth)
		if err != nil {
			e.log.Warn().Err(err).Str("venue", info.ID).Msg("book fetch failed, dropping candidate")
			continue
		}
		best, ok := topOfBook(book, req.Side)
		if !ok {
			continue // nothing quoted on the relevant side
		}
		stats := entry.Stats()
		cands = append(cands, candidate{
			venueID:   info.ID,
			ex:        ex,
			book:      book,
			bestPrice: best,
			bandDepth: depthWithinBand(book, req.Side, req.LimitPrice, req.SlippageBps),
			latency:   stats.AvgLatency,
			errorRate: stats.ErrorRate,
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		return preferred(cands[i], cands[j], req.Side)
	})
	return cands
}

// preferred orders candidates: better top-of-book price for the side, then
// more depth inside the slippage band, then lower latency, then lower error
// rate. Lexicographic venue id keeps the ordering deterministic.
func preferred(a, b candidate, side venue.Side) bool {
	if c := a.bestPrice.Cmp(b.bestPrice); c != 0 {
		if side == venue.SideBuy {
			return c < 0
		}
		return c > 0
	}
	if c := a.bandDepth.Cmp(b.bandDepth); c != 0 {
		return c > 0
	}
	if a.latency != b.latency {
		return a.latency < b.latency
	}
	if a.errorRate != b.errorRate {
		return a.errorRate < b.errorRate
	}
	return a.venueID < b.venueID
}

// topOfBook returns the best price on the side the order would trade
// against: asks for a buy, bids for a sell.
func topOfBook(book venue.OrderBook, side venue.Side) (decimal.Decimal, bool) {
	levels := book.Asks
	if side == venue.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return decimal.Decimal{}, false
	}
	return levels[0].Price, true
}

// bandBound is the worst acceptable price, slippageBps away from the limit
// on the adverse side.
func bandBound(side venue.Side, limit decimal.Decimal, bps int64) decimal.Decimal {
	frac := decimal.NewFromInt(bps).Div(bpsDenominator)
	if side == venue.SideBuy {
		return limit.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return limit.Mul(decimal.NewFromInt(1).Sub(frac))
}

// depthWithinBand sums the size quoted at prices no worse than the band
// bound. Favorable prices always count.
func depthWithinBand(book venue.OrderBook, side venue.Side, limit decimal.Decimal, bps int64) decimal.Decimal {
	bound := bandBound(side, limit, bps)
	depth := decimal.Zero
	if side == venue.SideBuy {
		for _, lv := range book.Asks {
			if lv.Price.GreaterThan(bound) {
				continue
			}
			depth = depth.Add(lv.Size)
		}
		return depth
	}
	for _, lv := range book.Bids {
		if lv.Price.LessThan(bound) {
			continue
		}
		depth = depth.Add(lv.Size)
	}
	return depth
}

// fillEstimate walks the book from the top, taking liquidity until the
// quantity is covered, and returns the size-weighted average price along
// with how much the book could actually fill.
func fillEstimate(book venue.OrderBook, side venue.Side, qty decimal.Decimal) (avg, filled decimal.Decimal) {
	levels := book.Asks
	if side == venue.SideSell {
		levels = book.Bids
	}
	remaining := qty
	cost := decimal.Zero
	for _, lv := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lv.Size, remaining)
		cost = cost.Add(lv.Price.Mul(take))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	if filled.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return cost.Div(filled), filled
}

// adverseBps measures how far the expected average fill strays from the
// limit on the losing side. Favorable deviation is zero.
func adverseBps(side venue.Side, avg, limit decimal.Decimal) decimal.Decimal {
	var dev decimal.Decimal
	if side == venue.SideBuy {
		dev = avg.Sub(limit)
	} else {
		dev = limit.Sub(avg)
	}
	if !dev.IsPositive() {
		return decimal.Zero
	}
	return dev.Div(limit).Mul(bpsDenominator)
}

// checkSlippage applies the pre-trade guard against one venue's book.
func checkSlippage(book venue.OrderBook, req Request) error {
	avg, filled := fillEstimate(book, req.Side, req.Quantity)
	if filled.LessThan(req.Quantity) {
		return errs.Newf(errs.CodeSlippage,
			"book depth %s covers only part of quantity %s", filled, req.Quantity)
	}
	if dev := adverseBps(req.Side, avg, req.LimitPrice); dev.GreaterThan(decimal.NewFromInt(req.SlippageBps)) {
		return errs.Newf(errs.CodeSlippage,
			"expected fill %s deviates %s bps from limit %s, allowed %d",
			avg, dev.StringFixed(0), req.LimitPrice, req.SlippageBps)
	}
	if band := depthWithinBand(book, req.Side, req.LimitPrice, req.SlippageBps); band.LessThan(req.Quantity) {
		return errs.Newf(errs.CodeSlippage,
			"depth within %d bps of limit is %s, need %s", req.SlippageBps, band, req.Quantity)
	}
	return nil
}
