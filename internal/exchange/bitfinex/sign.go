package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"
)

// nonceSource issues strictly increasing nonces per credential session.
// Seeded from the wall clock so reconnects never replay a prior nonce.
type nonceSource struct {
	last atomic.Int64
}

func newNonceSource() *nonceSource {
	n := &nonceSource{}
	n.last.Store(time.Now().UnixMicro())
	return n
}

func (n *nonceSource) next() int64 {
	for {
		prev := n.last.Load()
		next := time.Now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if n.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// signedPayload encodes the request body with an injected nonce and signs
// it: payload is base64 of the JSON body, signature is hex HMAC-SHA384 of
// the payload under the API secret.
func signedPayload(body map[string]any, nonce int64, secret string) (payload, signature string, err error) {
	body["nonce"] = nonce
	raw, err := json.Marshal(body)
	if err != nil {
		return "", "", err
	}
	payload = base64.StdEncoding.EncodeToString(raw)
	mac := hmac.New(sha512.New384, []byte(secret))
	mac.Write([]byte(payload))
	signature = hex.EncodeToString(mac.Sum(nil))
	return payload, signature, nil
}
