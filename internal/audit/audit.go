// Package audit provides the append-only, hash-chained journal every
// security-relevant action flows through. Records are never modified or
// deleted; each carries the SHA-256 of its predecessor so tampering with
// any stored field breaks verification from that point forward.
//
// Appends are serialized by a single writer. Other services hold only the
// write-only Sink port; the chain itself is owned here.
package audit

import "time"

// Kind classifies an audit record.
type Kind string

const (
	KindCredStored       Kind = "CRED_STORED"
	KindCredRetrieved    Kind = "CRED_RETRIEVED"
	KindCredRotated      Kind = "CRED_ROTATED"
	KindAuthOK           Kind = "AUTH_OK"
	KindAuthFail         Kind = "AUTH_FAIL"
	KindOrderPlaced      Kind = "ORDER_PLACED"
	KindOrderFilled      Kind = "ORDER_FILLED"
	KindOrderCancelled   Kind = "ORDER_CANCELLED"
	KindOrderFailed      Kind = "ORDER_FAILED"
	KindRiskBlock        Kind = "RISK_BLOCK"
	KindHealthChange     Kind = "HEALTH_CHANGE"
	KindConfigChange     Kind = "CONFIG_CHANGE"
	KindResilienceAction Kind = "RESILIENCE_ACTION"
	KindAPIRequest       Kind = "API_REQUEST"
)

// Event is the input to an append. Details are redacted before hashing, so
// callers may pass raw maps; sensitive values never reach the chain.
type Event struct {
	Kind    Kind
	VenueID string
	Subject string
	Details map[string]any
}

// Record is one link of the chain. Hash covers Seq, PrevHash, Timestamp,
// Kind, VenueID, Subject, and the redacted Details in canonical form.
type Record struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	VenueID   string         `json:"venueId,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Details   map[string]any `json:"details"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// Sink is the one-way write port handed to other services. Implementations
// must fail the append visibly; callers are required to fail their
// triggering operation when the sink errors.
type Sink interface {
	Append(e Event) (Record, error)
}
