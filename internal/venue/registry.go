package venue

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue/envelope"
)

// Registry owns every registered venue together with its reliability
// envelope. Venues are never removed, only disabled.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	sink    audit.Sink
	log     zerolog.Logger
	onCall  func(venueID, op string, latency time.Duration, success bool)
}

// Entry pairs an adapter with its envelope. Callers reach the adapter only
// through the guarded views so every outbound call crosses the envelope.
type Entry struct {
	adapter Adapter
	env     *envelope.Envelope
	sink    audit.Sink
}

func NewRegistry(sink audit.Sink, log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		sink:    sink,
		log:     log.With().Str("component", "venues").Logger(),
	}
}

// SetCallObserver forwards every completed venue attempt to fn, typically a
// metrics recorder. Must be called before venues register.
func (r *Registry) SetCallObserver(fn func(venueID, op string, latency time.Duration, success bool)) {
	r.mu.Lock()
	r.onCall = fn
	r.mu.Unlock()
}

// Register wires an adapter into the registry under a fresh envelope.
// Status transitions are journaled as HEALTH_CHANGE as they are observed.
func (r *Registry) Register(adapter Adapter, cfg envelope.Config) (*Entry, error) {
	info := adapter.Info()
	if info.ID == "" {
		return nil, errs.New(errs.CodeValidation, "venue id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[info.ID]; dup {
		return nil, errs.Newf(errs.CodeValidation, "venue %s already registered", info.ID)
	}

	env := envelope.New(info.ID, cfg, r.log)
	env.OnStatusChange(func(venueID string, from, to envelope.Status) {
		r.log.Info().Str("venue", venueID).Str("from", string(from)).Str("to", string(to)).Msg("venue status change")
		if _, err := r.sink.Append(audit.Event{
			Kind:    audit.KindHealthChange,
			VenueID: venueID,
			Details: map[string]any{"from": string(from), "to": string(to)},
		}); err != nil {
			r.log.Error().Err(err).Str("venue", venueID).Msg("health change audit failed")
		}
	})

	if r.onCall != nil {
		obs := r.onCall
		env.OnCall(func(op string, latency time.Duration, success bool) {
			obs(info.ID, op, latency, success)
		})
	}

	entry := &Entry{adapter: adapter, env: env, sink: r.sink}
	r.entries[info.ID] = entry
	r.log.Info().Str("venue", info.ID).Str("kind", string(info.Kind)).Msg("venue registered")
	return entry, nil
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns all entries ordered by venue id for deterministic iteration.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id])
	}
	return out
}

// Disable takes a venue administratively offline. The resilience action is
// journaled before the flip; an audit failure aborts the operation.
func (r *Registry) Disable(id, reason string) error {
	e, ok := r.Get(id)
	if !ok {
		return errs.Newf(errs.CodeNotFound, "venue %s not registered", id)
	}
	if _, err := r.sink.Append(audit.Event{
		Kind:    audit.KindResilienceAction,
		VenueID: id,
		Details: map[string]any{"action": "disable", "reason": reason},
	}); err != nil {
		return errs.Wrap(errs.CodeInternal, "audit append failed", err)
	}
	e.env.Disable()
	return nil
}

// Enable lifts an administrative disable.
func (r *Registry) Enable(id, reason string) error {
	e, ok := r.Get(id)
	if !ok {
		return errs.Newf(errs.CodeNotFound, "venue %s not registered", id)
	}
	if _, err := r.sink.Append(audit.Event{
		Kind:    audit.KindResilienceAction,
		VenueID: id,
		Details: map[string]any{"action": "enable", "reason": reason},
	}); err != nil {
		return errs.Wrap(errs.CodeInternal, "audit append failed", err)
	}
	e.env.Enable()
	return nil
}

// Overall aggregates registry-wide health: healthy iff every venue is
// healthy, offline iff none are reachable, degraded in between. An empty
// registry is vacuously healthy.
func (r *Registry) Overall() Status {
	entries := r.List()
	if len(entries) == 0 {
		return StatusHealthy
	}
	available := 0
	degraded := false
	for _, e := range entries {
		switch e.Status() {
		case StatusOffline:
		case StatusDegraded:
			available++
			degraded = true
		default:
			available++
		}
	}
	if available == 0 {
		return StatusOffline
	}
	if degraded || available < len(entries) {
		return StatusDegraded
	}
	return StatusHealthy
}

// Info returns the adapter's identity card.
func (e *Entry) Info() Info { return e.adapter.Info() }

// Status converts the envelope's derived status.
func (e *Entry) Status() Status { return Status(e.env.Status()) }

// Stats exposes the reliability snapshot for /connectors.
func (e *Entry) Stats() envelope.Snapshot { return e.env.Stats() }

// Envelope grants direct envelope access to the composition root for
// resilience wiring. Service code goes through the guarded views.
func (e *Entry) Envelope() *envelope.Envelope { return e.env }

// Exchange returns the envelope-guarded exchange view, or false when the
// venue is not an exchange.
func (e *Entry) Exchange() (Exchange, bool) {
	ex, ok := e.adapter.(Exchange)
	if !ok {
		return nil, false
	}
	return &guardedExchange{guardedAdapter{e: e}, ex}, true
}

// Chain returns the envelope-guarded chain view, or false when the venue is
// not an on-chain tracker.
func (e *Entry) Chain() (Chain, bool) {
	ch, ok := e.adapter.(Chain)
	if !ok {
		return nil, false
	}
	return &guardedChain{guardedAdapter{e: e}, ch}, true
}
