// Package security owns venue credential material. Every other service
// receives short-lived borrowed views through WithCredentials; nothing else
// in the process may decrypt, retain, or log key material.
//
// The storage gate is deliberate: credentials are accepted only when their
// declared permission facts prove the key cannot withdraw. A key that can
// move funds off a venue has no business in a routing layer.
package security

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

// Config locates the encrypted store. An empty path keeps credentials in
// memory only.
type Config struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// Manager is the sole owner of credential plaintext. Safe for concurrent
// use.
type Manager struct {
	vault vault
	sink  audit.Sink
	log   zerolog.Logger
	now   func() time.Time
}

func New(cfg Config, sink audit.Sink, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		sink: sink,
		log:  log.With().Str("component", "security").Logger(),
		now:  time.Now,
	}
	if cfg.Path == "" {
		m.vault = newMemVault()
		m.log.Warn().Msg("no credential store path configured, credentials will not survive restart")
		return m, nil
	}
	fv, err := newFileVault(cfg.Path, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	m.vault = fv
	m.log.Info().Str("path", cfg.Path).Msg("encrypted credential store opened")
	return m, nil
}

// Store accepts credential material for a venue after the withdrawal gate.
// Rejected material never touches the vault; the rejection itself is
// journaled without the material.
func (m *Manager) Store(venueID string, creds venue.Credentials, permissions []string) error {
	if venueID == "" {
		return errs.New(errs.CodeValidation, "venue id required")
	}
	if creds.Key == "" || creds.Secret == "" {
		return errs.New(errs.CodeValidation, "key and secret required")
	}

	if err := withdrawGate(permissions); err != nil {
		if aerr := m.append(audit.Event{
			Kind:    audit.KindCredStored,
			VenueID: venueID,
			Details: map[string]any{"success": false, "reason": err.Error()},
		}); aerr != nil {
			return aerr
		}
		return err
	}

	if _, exists, err := m.vault.get(venueID); err != nil {
		return err
	} else if exists {
		return errs.Newf(errs.CodeValidation, "credentials for %s already stored, rotate instead", venueID)
	}

	rec := record{
		Key:         creds.Key,
		Secret:      creds.Secret,
		Permissions: normalizeFacts(permissions),
		StoredAt:    m.now().UTC(),
	}
	if err := m.vault.put(venueID, rec); err != nil {
		return err
	}
	if aerr := m.append(audit.Event{
		Kind:    audit.KindCredStored,
		VenueID: venueID,
		Details: map[string]any{"success": true, "permissions": strings.Join(rec.Permissions, ",")},
	}); aerr != nil {
		// The store must not hold material the journal does not account for.
		if derr := m.vault.del(venueID); derr != nil {
			m.log.Error().Err(derr).Str("venue", venueID).Msg("rollback after audit failure also failed")
		}
		return aerr
	}
	return nil
}

// WithCredentials lends the decrypted material to fn for the duration of
// the call. fn must not retain, log, or copy it anywhere that outlives the
// call. Every access attempt is journaled.
func (m *Manager) WithCredentials(venueID string, fn func(venue.Credentials) error) error {
	rec, ok, err := m.vault.get(venueID)
	if err != nil {
		return err
	}
	if aerr := m.append(audit.Event{
		Kind:    audit.KindCredRetrieved,
		VenueID: venueID,
		Details: map[string]any{"success": ok},
	}); aerr != nil {
		return aerr
	}
	if !ok {
		return errs.Newf(errs.CodeNotFound, "no credentials stored for %s", venueID)
	}
	return fn(venue.Credentials{Key: rec.Key, Secret: rec.Secret})
}

// Rotate swaps the key material in place, keeping the venue's permission
// facts. The previous material is restored if the rotation cannot be
// journaled.
func (m *Manager) Rotate(venueID string, creds venue.Credentials) error {
	if creds.Key == "" || creds.Secret == "" {
		return errs.New(errs.CodeValidation, "key and secret required")
	}
	prev, ok, err := m.vault.get(venueID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.CodeNotFound, "no credentials stored for %s", venueID)
	}

	next := prev.clone()
	next.Key = creds.Key
	next.Secret = creds.Secret
	next.RotatedAt = m.now().UTC()
	if err := m.vault.put(venueID, next); err != nil {
		return err
	}
	if aerr := m.append(audit.Event{
		Kind:    audit.KindCredRotated,
		VenueID: venueID,
		Details: map[string]any{"success": true},
	}); aerr != nil {
		if derr := m.vault.put(venueID, prev); derr != nil {
			m.log.Error().Err(derr).Str("venue", venueID).Msg("rollback after audit failure also failed")
		}
		return aerr
	}
	return nil
}

// Has reports whether material is stored for the venue without touching
// the plaintext or the journal.
func (m *Manager) Has(venueID string) (bool, error) {
	_, ok, err := m.vault.get(venueID)
	return ok, err
}

func (m *Manager) append(ev audit.Event) error {
	if _, err := m.sink.Append(ev); err != nil {
		return errs.Wrap(errs.CodeInternal, "audit append failed", err)
	}
	return nil
}

// withdrawGate enforces the storage precondition: the permission facts must
// prove the key cannot withdraw. Any fact granting withdrawal is refused,
// and the explicit "no-withdraw" fact must be present; an empty or silent
// set is treated as unproven and refused too.
func withdrawGate(permissions []string) error {
	proven := false
	for _, p := range permissions {
		fact := strings.ToLower(strings.TrimSpace(p))
		if strings.Contains(fact, "no-withdraw") {
			proven = true
			continue
		}
		if strings.Contains(fact, "withdraw") {
			return errs.Newf(errs.CodePermission, "permission fact %q grants withdrawal, refused", p)
		}
	}
	if !proven {
		return errs.New(errs.CodePermission, "credentials must carry the no-withdraw permission fact")
	}
	return nil
}

func normalizeFacts(permissions []string) []string {
	out := make([]string, 0, len(permissions))
	for _, p := range permissions {
		f := strings.ToLower(strings.TrimSpace(p))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
