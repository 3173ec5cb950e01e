package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Records above this size indicate a corrupt length prefix, not a real
// append.
const maxRecordSize = 16 << 20

var errCorruptStore = errors.New("audit store corrupt")

// FileStore persists the chain as a length-prefixed append-only file: each
// record is a big-endian uint32 length followed by the canonical bytes,
// exactly the bytes the record hash covers. Nothing in the file is ever
// rewritten.
type FileStore struct {
	f     *os.File
	fsync bool
}

// OpenFileStore opens or creates the store at path and replays existing
// records, verifying the chain as it goes. A torn or tampered tail fails
// the open; repair is an operator decision, not an automatic truncation.
func OpenFileStore(path string, fsync bool) (*FileStore, []Record, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, err
	}
	records, err := replay(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if err := verifyRecords(records); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %w", errCorruptStore, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, err
	}
	return &FileStore{f: f, fsync: fsync}, records, nil
}

// Append writes one canonical record. The record is on disk (and fsynced
// when configured) before Append returns.
func (s *FileStore) Append(canonical []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(canonical)))
	if _, err := s.f.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := s.f.Write(canonical); err != nil {
		return err
	}
	if s.fsync {
		return s.f.Sync()
	}
	return nil
}

func (s *FileStore) Close() error {
	return s.f.Close()
}

func replay(r io.Reader) ([]Record, error) {
	var records []Record
	var prefix [4]byte
	offset := int64(0)
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("%w: torn length prefix at offset %d", errCorruptStore, offset)
		}
		n := binary.BigEndian.Uint32(prefix[:])
		if n == 0 || n > maxRecordSize {
			return nil, fmt.Errorf("%w: implausible record length %d at offset %d", errCorruptStore, n, offset)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: torn record at offset %d", errCorruptStore, offset)
		}
		rec, err := parseCanonical(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: offset %d: %w", errCorruptStore, offset, err)
		}
		rec.Hash = chainHash(buf)
		records = append(records, rec)
		offset += int64(4 + n)
	}
}

// canonicalRecord mirrors the canonical field set for decoding.
type canonicalRecord struct {
	Details   map[string]any `json:"details"`
	Kind      string         `json:"kind"`
	PrevHash  string         `json:"prevHash"`
	Seq       uint64         `json:"seq"`
	Subject   string         `json:"subject"`
	Timestamp string         `json:"timestamp"`
	VenueID   string         `json:"venueId"`
}

// parseCanonical decodes stored canonical bytes. Numbers decode as
// json.Number so re-canonicalization reproduces the stored literal exactly.
func parseCanonical(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var cr canonicalRecord
	if err := dec.Decode(&cr); err != nil {
		return Record{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, cr.Timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	details := cr.Details
	if details == nil {
		details = map[string]any{}
	}
	return Record{
		Seq:       cr.Seq,
		Timestamp: ts,
		Kind:      Kind(cr.Kind),
		VenueID:   cr.VenueID,
		Subject:   cr.Subject,
		Details:   details,
		PrevHash:  cr.PrevHash,
	}, nil
}

// VerifyFile replays and verifies a journal file offline, returning the
// number of valid records. Used by the verify subcommand.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	records, err := replay(f)
	if err != nil {
		return 0, err
	}
	if err := verifyRecords(records); err != nil {
		return len(records), err
	}
	return len(records), nil
}
