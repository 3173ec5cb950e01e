package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ZeroSeed is the prev-hash of the first record: 32 zero bytes in hex.
const ZeroSeed = "0000000000000000000000000000000000000000000000000000000000000000"

// Redacted replaces the value of any detail key matching the redaction list.
const Redacted = "[REDACTED]"

// Redaction is by case-insensitive substring match on key names, applied
// before hashing so the stored and exported forms agree. "key" already
// subsumes "apiKey" and "privateKey"; they stay listed because the match
// set is a wire contract, not an implementation convenience.
var redactionKeys = []string{
	"password",
	"secret",
	"apikey",
	"privatekey",
	"token",
	"key",
	"credential",
}

func sensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range redactionKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}

// Redact deep-copies details, replacing every value whose key matches the
// redaction list and walking nested maps and slices. The input is never
// mutated.
func Redact(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = redactValue(e)
		}
		return cp
	default:
		return v
	}
}

// canonicalBytes serializes the hashed portion of a record: keys sorted
// lexicographically, strings NFC-normalized, timestamps RFC3339Nano UTC.
// These are exactly the bytes persisted by the file store.
func canonicalBytes(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"details":`)
	if err := writeCanonical(&buf, r.Details); err != nil {
		return nil, err
	}
	buf.WriteString(`,"kind":`)
	writeCanonicalString(&buf, string(r.Kind))
	buf.WriteString(`,"prevHash":`)
	writeCanonicalString(&buf, r.PrevHash)
	buf.WriteString(`,"seq":`)
	buf.WriteString(strconv.FormatUint(r.Seq, 10))
	buf.WriteString(`,"subject":`)
	writeCanonicalString(&buf, r.Subject)
	buf.WriteString(`,"timestamp":`)
	writeCanonicalString(&buf, r.Timestamp.UTC().Format(time.RFC3339Nano))
	buf.WriteString(`,"venueId":`)
	writeCanonicalString(&buf, r.VenueID)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeCanonicalString(buf, t)
	case json.Number:
		buf.WriteString(string(t))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		buf.Write(b)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(norm.NFC.String(s))
	buf.Write(b)
}

func chainHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
