package bitfinex

// Wire types for the v1-style private API. Amounts travel as decimal
// strings; precision-sensitive fields are never parsed into floats.
// Request bodies are built as maps so the signer can inject the nonce.

type accountInfoResponse struct {
	MakerFees string `json:"maker_fees"`
	TakerFees string `json:"taker_fees"`
}

type balanceEntry struct {
	Type      string `json:"type"` // exchange, margin, funding
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Available string `json:"available"`
}

type orderResponse struct {
	ID             int64       `json:"id"`
	OrderID        int64       `json:"order_id"`
	Symbol         string      `json:"symbol"`
	Status         string      `json:"status"`
	ExecutedAmount string      `json:"executed_amount"`
	AvgPrice       string      `json:"avg_execution_price"`
	Timestamp      float64     `json:"timestamp,string"`
	Fills          []fillEntry `json:"fills,omitempty"`
}

type fillEntry struct {
	ID        string  `json:"id"`
	Amount    string  `json:"amount"`
	Price     string  `json:"price"`
	Fee       string  `json:"fee"`
	Timestamp float64 `json:"timestamp,string"`
}

type bookLevel struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type bookResponse struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

type errorResponse struct {
	Message string `json:"message"`
}
