package bitfinex

import (
	"strings"

	"github.com/goldroute/goldroute/internal/venue"
)

// Quote currencies recognized when splitting the external BASEQUOTE form.
// Longest match wins so UST does not swallow USD pairs.
var knownQuotes = []string{"USDT", "USD", "UST", "EUR", "GBP", "JPY", "BTC", "ETH"}

// toExternal converts internal "BASE/QUOTE" to the venue's "BASEQUOTE".
func toExternal(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

// toInternal converts "BASEQUOTE" back to "BASE/QUOTE". Unknown quotes fall
// back to a three-character suffix split.
func toInternal(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q
		}
	}
	if len(s) > 3 {
		return s[:len(s)-3] + "/" + s[len(s)-3:]
	}
	return s
}

// mapOrderStatus applies the fixed venue status mapping. Anything
// unrecognized is treated as still pending rather than guessed terminal.
func mapOrderStatus(s string) venue.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "active":
		return venue.OrderPending
	case "partially filled":
		return venue.OrderPartial
	case "executed", "filled":
		return venue.OrderFilled
	case "canceled", "cancelled":
		return venue.OrderCancelled
	case "rejected":
		return venue.OrderRejected
	default:
		return venue.OrderPending
	}
}
