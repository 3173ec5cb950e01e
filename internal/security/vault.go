package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goldroute/goldroute/internal/errs"
)

// record is the plaintext form of one venue's credential material. It only
// ever exists inside the vault and inside a borrowed view.
type record struct {
	Key         string    `json:"key"`
	Secret      string    `json:"secret"`
	Permissions []string  `json:"permissions"`
	StoredAt    time.Time `json:"storedAt"`
	RotatedAt   time.Time `json:"rotatedAt,omitempty"`
}

func (r record) clone() record {
	c := r
	c.Permissions = append([]string(nil), r.Permissions...)
	return c
}

// vault is the at-rest backend. Implementations return copies.
type vault interface {
	put(venueID string, rec record) error
	get(venueID string) (record, bool, error)
	del(venueID string) error
}

// memVault keeps credentials in process memory only. Used when no store
// path is configured; nothing survives a restart.
type memVault struct {
	mu   sync.Mutex
	recs map[string]record
}

func newMemVault() *memVault {
	return &memVault{recs: make(map[string]record)}
}

func (v *memVault) put(venueID string, rec record) error {
	v.mu.Lock()
	v.recs[venueID] = rec.clone()
	v.mu.Unlock()
	return nil
}

func (v *memVault) get(venueID string) (record, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.recs[venueID]
	if !ok {
		return record{}, false, nil
	}
	return rec.clone(), true, nil
}

func (v *memVault) del(venueID string) error {
	v.mu.Lock()
	delete(v.recs, venueID)
	v.mu.Unlock()
	return nil
}

// storedBlob is one encrypted entry in the vault file: nonce prepended to
// the GCM ciphertext.
type storedBlob struct {
	C []byte `json:"c"`
}

// fileVault is a JSON file of venue-id → encrypted record. Keys are plain,
// values are AES-256-GCM sealed with the venue id as additional data so
// entries cannot be swapped between venues without breaking decryption.
type fileVault struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

func newFileVault(path, passphrase string) (*fileVault, error) {
	if passphrase == "" {
		return nil, errs.New(errs.CodeValidation, "credential store passphrase required when a path is set")
	}
	key := sha256.Sum256([]byte(passphrase))
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "credential cipher init failed", err)
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "credential cipher init failed", err)
	}
	return &fileVault{path: path, aead: aead}, nil
}

func (v *fileVault) put(venueID string, rec record) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	blobs, err := v.read()
	if err != nil {
		return err
	}
	sealed, err := v.seal(venueID, rec)
	if err != nil {
		return err
	}
	blobs[venueID] = storedBlob{C: sealed}
	return v.write(blobs)
}

func (v *fileVault) get(venueID string) (record, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	blobs, err := v.read()
	if err != nil {
		return record{}, false, err
	}
	blob, ok := blobs[venueID]
	if !ok {
		return record{}, false, nil
	}
	rec, err := v.open(venueID, blob.C)
	if err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

func (v *fileVault) del(venueID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	blobs, err := v.read()
	if err != nil {
		return err
	}
	delete(blobs, venueID)
	return v.write(blobs)
}

func (v *fileVault) read() (map[string]storedBlob, error) {
	blobs := make(map[string]storedBlob)
	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return blobs, nil
		}
		return nil, errs.Wrap(errs.CodeInternal, "credential store unreadable", err)
	}
	if err := json.Unmarshal(raw, &blobs); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "credential store corrupt", err)
	}
	return blobs, nil
}

func (v *fileVault) write(blobs map[string]storedBlob) error {
	raw, err := json.Marshal(blobs)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "credential store encode failed", err)
	}
	if err := os.WriteFile(v.path, raw, 0o600); err != nil {
		return errs.Wrap(errs.CodeInternal, "credential store write failed", err)
	}
	return nil
}

func (v *fileVault) seal(venueID string, rec record) ([]byte, error) {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "credential encode failed", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "nonce generation failed", err)
	}
	return append(nonce, v.aead.Seal(nil, nonce, plaintext, []byte(venueID))...), nil
}

func (v *fileVault) open(venueID string, sealed []byte) (record, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return record{}, errs.New(errs.CodeInternal, "credential entry truncated")
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(venueID))
	if err != nil {
		return record{}, errs.Wrap(errs.CodeInternal, "credential entry undecryptable, wrong passphrase or tampered store", err)
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, errs.Wrap(errs.CodeInternal, "credential entry corrupt", err)
	}
	return rec, nil
}
