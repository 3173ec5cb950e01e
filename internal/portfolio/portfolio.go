// Package portfolio aggregates gold-token holdings across venues into
// immutable point-in-time snapshots, normalized to grams.
package portfolio

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/goldroute/goldroute/internal/cache"
	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
)

const snapshotKey = "portfolio:snapshot"

// gramsPerTroyOunce converts XAUt native units (troy ounces) to grams.
var gramsPerTroyOunce = decimal.RequireFromString("31.1034768")

// Config shapes what the aggregator asks each venue for.
type Config struct {
	Symbols      []string      `yaml:"symbols"`       // exchange wallet lines to sample
	Watches      []Watch       `yaml:"watches"`       // on-chain holdings to sample
	VenueTimeout time.Duration `yaml:"venue_timeout"` // per-venue refresh deadline
	CacheTTL     time.Duration `yaml:"cache_ttl"`     // snapshot freshness window
}

// Watch names one on-chain holding to track.
type Watch struct {
	VenueID  string `yaml:"venue_id"`
	Address  string `yaml:"address"`
	Contract string `yaml:"contract"`
}

func (c Config) withDefaults() Config {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"XAUT", "KAU"}
	}
	if c.VenueTimeout <= 0 {
		c.VenueTimeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Second
	}
	return c
}

// Snapshot is an immutable fan-in of independent point-in-time venue reads.
type Snapshot struct {
	TotalGrams     decimal.Decimal `json:"totalGrams"`
	Venues         []VenueView     `json:"venues"`
	UnknownSymbols []string        `json:"unknownSymbols,omitempty"`
	Status         venue.Status    `json:"status"`
	BuiltAt        time.Time       `json:"builtAt"`
}

// VenueView is one venue's contribution. An unavailable venue keeps its
// last-seen timestamp and contributes nothing to the total.
type VenueView struct {
	VenueID   string          `json:"venueId"`
	Status    venue.Status    `json:"status"`
	Available bool            `json:"available"`
	Holdings  []venue.Holding `json:"holdings,omitempty"`
	Grams     decimal.Decimal `json:"grams"`
	LastSeen  time.Time       `json:"lastSeen"`
	Reason    string          `json:"reason,omitempty"`
}

// DisplayGrams renders a gram amount for presentation, half-to-even at four
// decimal places. Internal arithmetic stays full precision.
func DisplayGrams(d decimal.Decimal) string {
	return d.RoundBank(4).String()
}

// Aggregator fans balance queries out to the registry and folds the results
// into snapshots. Readers always see a complete snapshot; refreshes swap the
// pointer atomically.
type Aggregator struct {
	cfg   Config
	reg   *venue.Registry
	cache cache.Cache
	log   zerolog.Logger

	current  atomic.Pointer[Snapshot]
	mu       sync.Mutex // guards lastSeen and the built-at ordering
	lastSeen map[string]time.Time
	now      func() time.Time
}

// New builds an aggregator over the registry.
func New(cfg Config, reg *venue.Registry, c cache.Cache, log zerolog.Logger) *Aggregator {
	if c == nil {
		c = cache.New()
	}
	return &Aggregator{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		cache:    c,
		log:      log.With().Str("component", "portfolio").Logger(),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Get returns a snapshot no older than the freshness window, refreshing when
// needed. forceRefresh always rebuilds.
func (a *Aggregator) Get(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	if !forceRefresh {
		if s := a.current.Load(); s != nil && a.now().Sub(s.BuiltAt) < a.cfg.CacheTTL {
			return s, nil
		}
		if raw, ok := a.cache.Get(snapshotKey); ok {
			var s Snapshot
			cur := a.current.Load()
			if err := json.Unmarshal(raw, &s); err == nil &&
				a.now().Sub(s.BuiltAt) < a.cfg.CacheTTL &&
				(cur == nil || s.BuiltAt.After(cur.BuiltAt)) {
				a.store(&s)
				return &s, nil
			}
		}
	}
	return a.Refresh(ctx)
}

// Current returns the latest snapshot without refreshing, or nil before the
// first refresh.
func (a *Aggregator) Current() *Snapshot {
	return a.current.Load()
}

// Refresh queries every registered venue concurrently and builds a new
// snapshot. Venue failures degrade the snapshot instead of failing it.
func (a *Aggregator) Refresh(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeNetwork, "refresh cancelled", err)
	}

	entries := a.reg.List()
	views := make([]VenueView, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func(i int, e *venue.Entry) {
			defer wg.Done()
			views[i] = a.queryVenue(ctx, e)
		}(i, e)
	}
	wg.Wait()

	snap := a.assemble(views)
	a.store(snap)
	if raw, err := json.Marshal(snap); err == nil {
		a.cache.Set(snapshotKey, raw, a.cfg.CacheTTL)
	}
	a.log.Debug().
		Str("status", string(snap.Status)).
		Str("total_grams", snap.TotalGrams.String()).
		Int("venues", len(snap.Venues)).
		Msg("snapshot built")
	return snap, nil
}

// queryVenue samples one venue under its own deadline.
func (a *Aggregator) queryVenue(ctx context.Context, e *venue.Entry) VenueView {
	info := e.Info()
	view := VenueView{VenueID: info.ID, Status: e.Status()}

	vctx, cancel := context.WithTimeout(ctx, a.cfg.VenueTimeout)
	defer cancel()

	var holdings []venue.Holding
	var err error
	switch {
	case info.Has(venue.CapBalances):
		if ex, ok := e.Exchange(); ok {
			holdings, err = a.exchangeHoldings(vctx, ex)
		} else if ch, ok := e.Chain(); ok {
			holdings, err = a.chainHoldings(vctx, ch, info.ID)
		}
	default:
		// Nothing to sample; the venue still counts toward overall status.
	}
	if err != nil {
		view.Reason = string(errs.CodeOf(err))
		view.LastSeen = a.seenAt(info.ID)
		view.Status = e.Status() // breaker may have moved during the query
		a.log.Warn().Err(err).Str("venue", info.ID).Msg("balance refresh failed")
		return view
	}

	sampled := a.now().UTC()
	a.markSeen(info.ID, sampled)
	view.Available = true
	view.Holdings = holdings
	view.LastSeen = sampled
	return view
}

func (a *Aggregator) exchangeHoldings(ctx context.Context, ex venue.Exchange) ([]venue.Holding, error) {
	holdings := make([]venue.Holding, 0, len(a.cfg.Symbols))
	for _, sym := range a.cfg.Symbols {
		h, err := ex.GetBalance(ctx, sym)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

func (a *Aggregator) chainHoldings(ctx context.Context, ch venue.Chain, venueID string) ([]venue.Holding, error) {
	var holdings []venue.Holding
	for _, w := range a.cfg.Watches {
		if w.VenueID != venueID {
			continue
		}
		h, err := ch.GetBalance(ctx, w.Address, w.Contract)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// assemble folds venue views into a snapshot, normalizing each holding to
// grams. Unknown symbols contribute zero and are flagged for review.
func (a *Aggregator) assemble(views []VenueView) *Snapshot {
	total := decimal.Zero
	unknown := make(map[string]bool)

	for i := range views {
		v := &views[i]
		subtotal := decimal.Zero
		for j := range v.Holdings {
			h := &v.Holdings[j]
			grams, known := gramsFor(h.Symbol, h.Native)
			h.Grams = grams
			if !known {
				unknown[h.Symbol] = true
				continue
			}
			subtotal = subtotal.Add(grams)
		}
		v.Grams = subtotal
		if v.Available {
			total = total.Add(subtotal)
		}
	}

	snap := &Snapshot{
		TotalGrams:     total,
		Venues:         views,
		UnknownSymbols: sortedKeys(unknown),
		Status:         overallStatus(views),
	}
	return snap
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// overallStatus applies the aggregation rule: healthy needs every venue
// available and healthy, offline means none answered, anything else is
// degraded. Zero venues is vacuously healthy.
func overallStatus(views []VenueView) venue.Status {
	if len(views) == 0 {
		return venue.StatusHealthy
	}
	available := 0
	allHealthy := true
	for _, v := range views {
		if v.Available {
			available++
		} else {
			allHealthy = false
		}
		if v.Status != venue.StatusHealthy {
			allHealthy = false
		}
	}
	switch {
	case available == 0:
		return venue.StatusOffline
	case allHealthy:
		return venue.StatusHealthy
	default:
		return venue.StatusDegraded
	}
}

// store publishes the snapshot with a strictly later built-at than its
// predecessor, even against a coarse or regressing clock.
func (a *Aggregator) store(snap *Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if snap.BuiltAt.IsZero() {
		snap.BuiltAt = a.now().UTC()
	}
	if prev := a.current.Load(); prev != nil && !snap.BuiltAt.After(prev.BuiltAt) {
		snap.BuiltAt = prev.BuiltAt.Add(time.Nanosecond)
	}
	a.current.Store(snap)
}

func (a *Aggregator) markSeen(venueID string, at time.Time) {
	a.mu.Lock()
	a.lastSeen[venueID] = at
	a.mu.Unlock()
}

func (a *Aggregator) seenAt(venueID string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen[venueID]
}

// gramsFor applies the one-rule-per-symbol normalization table.
func gramsFor(symbol string, native decimal.Decimal) (decimal.Decimal, bool) {
	switch strings.ToUpper(symbol) {
	case "XAUT":
		return native.Mul(gramsPerTroyOunce), true
	case "KAU":
		return native, true
	default:
		return decimal.Zero, false
	}
}
