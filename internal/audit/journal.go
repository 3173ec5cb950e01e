package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Verification failures. Verify wraps these with the offending sequence.
var (
	ErrHashMismatch     = errors.New("record hash mismatch")
	ErrChainBroken      = errors.New("prev-hash does not match predecessor")
	ErrSequenceGap      = errors.New("sequence gap")
	ErrTimestampReorder = errors.New("timestamp earlier than predecessor")
)

// Journal owns the hash chain. All appends funnel through one mutex so the
// seq/prev-hash invariant holds under concurrency. A nil store keeps the
// chain in memory only.
type Journal struct {
	mu       sync.Mutex
	records  []Record
	lastHash string
	store    *FileStore
	watchers []chan Record
	now      func() time.Time
	log      zerolog.Logger
}

// New creates an in-memory journal.
func New(log zerolog.Logger) *Journal {
	return &Journal{
		lastHash: ZeroSeed,
		now:      time.Now,
		log:      log.With().Str("component", "audit").Logger(),
	}
}

// Open creates a journal backed by the length-prefixed file at path. An
// existing file is replayed and verified; appends resume from its tail.
// fsync controls whether every append flushes to stable storage.
func Open(path string, fsync bool, log zerolog.Logger) (*Journal, error) {
	j := New(log)
	store, records, err := OpenFileStore(path, fsync)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	j.store = store
	j.records = records
	if n := len(records); n > 0 {
		j.lastHash = records[n-1].Hash
		j.log.Info().Uint64("seq", records[n-1].Seq).Msg("audit chain replayed")
	}
	return j, nil
}

// Close releases the backing store, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.store == nil {
		return nil
	}
	return j.store.Close()
}

// Append redacts, hashes, and links a new record. When a store is attached
// the record is durable before Append returns; a write failure leaves the
// chain unchanged and the caller must fail its triggering operation.
func (j *Journal) Append(e Event) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.now().UTC()
	if n := len(j.records); n > 0 && ts.Before(j.records[n-1].Timestamp) {
		ts = j.records[n-1].Timestamp
	}

	rec := Record{
		Seq:       uint64(len(j.records)) + 1,
		Timestamp: ts,
		Kind:      e.Kind,
		VenueID:   e.VenueID,
		Subject:   e.Subject,
		Details:   Redact(e.Details),
		PrevHash:  j.lastHash,
	}
	canonical, err := canonicalBytes(&rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit append: %w", err)
	}
	rec.Hash = chainHash(canonical)

	if j.store != nil {
		if err := j.store.Append(canonical); err != nil {
			j.log.Error().Err(err).Uint64("seq", rec.Seq).Msg("audit write failed")
			return Record{}, fmt.Errorf("audit append: %w", err)
		}
	}

	j.records = append(j.records, rec)
	j.lastHash = rec.Hash
	j.notify(rec)
	return rec, nil
}

// notify pushes to watchers without blocking; slow consumers lose records
// rather than stalling the chain. Callers holding old buffers resubscribe.
func (j *Journal) notify(rec Record) {
	for _, ch := range j.watchers {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Watch subscribes to records appended after the call. The returned cancel
// func must be invoked to release the buffer.
func (j *Journal) Watch(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	j.mu.Lock()
	j.watchers = append(j.watchers, ch)
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, w := range j.watchers {
			if w == ch {
				j.watchers = append(j.watchers[:i], j.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Export returns records with timestamp in [from, to], ordered by seq. Zero
// bounds are open. Returned records are copies; details share no structure
// with the chain.
func (j *Journal) Export(from, to time.Time) []Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Record, 0, len(j.records))
	for _, r := range j.records {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		cp := r
		cp.Details = Redact(r.Details)
		out = append(out, cp)
	}
	return out
}

// Len reports the number of records in the chain.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Verify recomputes the chain from seq 1 and reports the first defect:
// hash mismatch, broken prev-hash link, sequence gap, or a timestamp that
// moved backward.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return verifyRecords(j.records)
}

// VerifyIntegrity is the boolean form of Verify.
func (j *Journal) VerifyIntegrity() bool {
	return j.Verify() == nil
}

func verifyRecords(records []Record) error {
	prevHash := ZeroSeed
	var prevTS time.Time
	for i := range records {
		r := &records[i]
		if r.Seq != uint64(i)+1 {
			return fmt.Errorf("seq %d: %w (want %d)", r.Seq, ErrSequenceGap, i+1)
		}
		if r.PrevHash != prevHash {
			return fmt.Errorf("seq %d: %w", r.Seq, ErrChainBroken)
		}
		if i > 0 && r.Timestamp.Before(prevTS) {
			return fmt.Errorf("seq %d: %w", r.Seq, ErrTimestampReorder)
		}
		canonical, err := canonicalBytes(r)
		if err != nil {
			return fmt.Errorf("seq %d: %w", r.Seq, err)
		}
		if got := chainHash(canonical); got != r.Hash {
			return fmt.Errorf("seq %d: %w", r.Seq, ErrHashMismatch)
		}
		prevHash = r.Hash
		prevTS = r.Timestamp
	}
	return nil
}

// VerifyRecord checks a single record in isolation: its hash must match its
// canonical bytes. Chain linkage is not examined.
func VerifyRecord(r Record) bool {
	canonical, err := canonicalBytes(&r)
	if err != nil {
		return false
	}
	return chainHash(canonical) == r.Hash
}
