package portfolio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/cache"
	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
	"github.com/goldroute/goldroute/internal/venue/envelope"
)

type fakeExchange struct {
	id string

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	fail     error
	block    bool
}

func (f *fakeExchange) Info() venue.Info {
	return venue.Info{
		ID:           f.id,
		Kind:         venue.KindExchange,
		DisplayName:  f.id,
		Capabilities: []venue.Capability{venue.CapBalances, venue.CapLimitOrders, venue.CapOrderBook},
		Pairs:        []string{"XAUT/USD"},
	}
}

func (f *fakeExchange) Authenticate(ctx context.Context, creds venue.Credentials) error { return nil }
func (f *fakeExchange) Disconnect(ctx context.Context) error                            { return nil }
func (f *fakeExchange) HealthCheck(ctx context.Context) (venue.Status, error) {
	return venue.StatusHealthy, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, symbol string) (venue.Holding, error) {
	f.mu.Lock()
	fail, block := f.fail, f.block
	native := f.balances[symbol]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return venue.Holding{}, ctx.Err()
	}
	if fail != nil {
		return venue.Holding{}, fail
	}
	return venue.Holding{VenueID: f.id, Symbol: symbol, Native: native, SampledAt: time.Now().UTC()}, nil
}

func (f *fakeExchange) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeExchange) setBalance(symbol string, native decimal.Decimal) {
	f.mu.Lock()
	f.balances[symbol] = native
	f.mu.Unlock()
}

func (f *fakeExchange) PlaceLimitOrder(ctx context.Context, p venue.OrderParams) (venue.OrderAck, error) {
	return venue.OrderAck{}, errs.New(errs.CodeInternal, "not used in these tests")
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id string) error { return nil }

func (f *fakeExchange) GetOrderStatus(ctx context.Context, id string) (venue.OrderState, error) {
	return venue.OrderState{}, nil
}

func (f *fakeExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (venue.OrderBook, error) {
	return venue.OrderBook{}, nil
}

type fakeChain struct {
	id     string
	symbol string
	native decimal.Decimal
}

func (f *fakeChain) Info() venue.Info {
	return venue.Info{
		ID:           f.id,
		Kind:         venue.KindOnChain,
		DisplayName:  f.id,
		Capabilities: []venue.Capability{venue.CapBalances, venue.CapTransfers},
	}
}

func (f *fakeChain) Authenticate(ctx context.Context, creds venue.Credentials) error { return nil }
func (f *fakeChain) Disconnect(ctx context.Context) error                            { return nil }
func (f *fakeChain) HealthCheck(ctx context.Context) (venue.Status, error) {
	return venue.StatusHealthy, nil
}

func (f *fakeChain) GetBalance(ctx context.Context, address, contract string) (venue.Holding, error) {
	return venue.Holding{VenueID: f.id, Symbol: f.symbol, Native: f.native, SampledAt: time.Now().UTC()}, nil
}

func (f *fakeChain) TrackTransfers(ctx context.Context, address, contract string) ([]venue.Transfer, error) {
	return nil, nil
}

func (f *fakeChain) GetConfirmationStatus(ctx context.Context, txHash string) (venue.ConfirmationStatus, error) {
	return venue.ConfirmationStatus{}, nil
}

func (f *fakeChain) SetConfirmationThreshold(n uint64) error { return nil }

func fastEnvelope() envelope.Config {
	return envelope.Config{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		LimiterWait:       100 * time.Millisecond,
		FailureThreshold:  3,
		RecoveryTimeout:   50 * time.Millisecond,
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		CallTimeout:       500 * time.Millisecond,
	}
}

func newTestAggregator(t *testing.T, cfg Config, adapters ...venue.Adapter) *Aggregator {
	t.Helper()
	reg := venue.NewRegistry(audit.New(zerolog.Nop()), zerolog.Nop())
	for _, a := range adapters {
		_, err := reg.Register(a, fastEnvelope())
		require.NoError(t, err)
	}
	return New(cfg, reg, cache.New(), zerolog.Nop())
}

func TestSnapshotNormalizesToGrams(t *testing.T) {
	ex := &fakeExchange{id: "bitfinex", balances: map[string]decimal.Decimal{
		"XAUT": decimal.RequireFromString("3.25"),
	}}
	ch := &fakeChain{id: "ethereum", symbol: "KAU", native: decimal.Zero}
	agg := newTestAggregator(t, Config{
		Symbols: []string{"XAUT", "KAU"},
		Watches: []Watch{{VenueID: "ethereum", Address: "0xabc", Contract: "0xdef"}},
	}, ex, ch)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.TotalGrams.Equal(decimal.RequireFromString("101.0862996")),
		"3.25 troy ounces, got %s", snap.TotalGrams)
	assert.Equal(t, "101.0863", DisplayGrams(snap.TotalGrams))
	assert.Equal(t, venue.StatusHealthy, snap.Status)
	require.Len(t, snap.Venues, 2)
	for _, v := range snap.Venues {
		assert.True(t, v.Available, "venue %s", v.VenueID)
	}
	assert.Empty(t, snap.UnknownSymbols)
}

func TestChainSymbolCasing(t *testing.T) {
	ch := &fakeChain{id: "ethereum", symbol: "XAUt", native: decimal.RequireFromString("0.5")}
	agg := newTestAggregator(t, Config{
		Symbols: []string{},
		Watches: []Watch{{VenueID: "ethereum", Address: "0xabc", Contract: "0xdef"}},
	}, ch)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.TotalGrams.Equal(decimal.RequireFromString("15.5517384")), "got %s", snap.TotalGrams)
}

func TestUnknownSymbolContributesZeroAndIsFlagged(t *testing.T) {
	ex := &fakeExchange{id: "bitfinex", balances: map[string]decimal.Decimal{
		"XAUT": decimal.NewFromInt(1),
		"PAXG": decimal.NewFromInt(5),
	}}
	agg := newTestAggregator(t, Config{Symbols: []string{"XAUT", "PAXG"}}, ex)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.TotalGrams.Equal(gramsPerTroyOunce), "unknown symbol must not move the total")
	assert.Equal(t, []string{"PAXG"}, snap.UnknownSymbols)

	var paxg venue.Holding
	for _, h := range snap.Venues[0].Holdings {
		if h.Symbol == "PAXG" {
			paxg = h
		}
	}
	assert.True(t, paxg.Grams.IsZero())
}

func TestUnavailableVenueExcludedFromTotal(t *testing.T) {
	a := &fakeExchange{id: "alpha", balances: map[string]decimal.Decimal{"XAUT": decimal.NewFromInt(1)}}
	b := &fakeExchange{id: "beta", balances: map[string]decimal.Decimal{"XAUT": decimal.NewFromInt(2)}}
	agg := newTestAggregator(t, Config{Symbols: []string{"XAUT"}}, a, b)

	first, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, first.TotalGrams.Equal(gramsPerTroyOunce.Mul(decimal.NewFromInt(3))))

	b.setFail(errs.New(errs.CodeVenue, "maintenance window"))
	second, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, second.TotalGrams.Equal(gramsPerTroyOunce), "failed venue must be excluded")
	assert.Equal(t, venue.StatusDegraded, second.Status)

	var beta VenueView
	for _, v := range second.Venues {
		if v.VenueID == "beta" {
			beta = v
		}
	}
	assert.False(t, beta.Available)
	assert.Equal(t, string(errs.CodeVenue), beta.Reason)
	assert.False(t, beta.LastSeen.IsZero(), "last-seen survives from the earlier success")
	assert.Empty(t, beta.Holdings)
}

func TestOverallStatusOfflineWhenNothingAnswers(t *testing.T) {
	a := &fakeExchange{id: "alpha", balances: map[string]decimal.Decimal{}}
	a.setFail(errs.New(errs.CodeNetwork, "unreachable"))
	agg := newTestAggregator(t, Config{Symbols: []string{"XAUT"}}, a)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, venue.StatusOffline, snap.Status)
	assert.True(t, snap.TotalGrams.IsZero())
}

func TestZeroVenuesIsVacuouslyHealthy(t *testing.T) {
	agg := newTestAggregator(t, Config{})

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, venue.StatusHealthy, snap.Status)
	assert.True(t, snap.TotalGrams.IsZero())
	assert.Empty(t, snap.Venues)
}

func TestBuiltAtStrictlyIncreases(t *testing.T) {
	ex := &fakeExchange{id: "alpha", balances: map[string]decimal.Decimal{"XAUT": decimal.NewFromInt(1)}}
	agg := newTestAggregator(t, Config{Symbols: []string{"XAUT"}}, ex)

	frozen := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return frozen }

	first, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	second, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, second.BuiltAt.After(first.BuiltAt),
		"frozen clock still yields strictly increasing built-at")
}

func TestGetServesFreshSnapshotWithoutRequery(t *testing.T) {
	ex := &fakeExchange{id: "alpha", balances: map[string]decimal.Decimal{"XAUT": decimal.NewFromInt(1)}}
	agg := newTestAggregator(t, Config{Symbols: []string{"XAUT"}, CacheTTL: time.Minute}, ex)

	first, err := agg.Get(context.Background(), false)
	require.NoError(t, err)

	ex.setBalance("XAUT", decimal.NewFromInt(9))
	cached, err := agg.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first.BuiltAt, cached.BuiltAt, "within the freshness window Get must not requery")
	assert.True(t, cached.TotalGrams.Equal(first.TotalGrams))

	forced, err := agg.Get(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, forced.TotalGrams.Equal(gramsPerTroyOunce.Mul(decimal.NewFromInt(9))))
	assert.True(t, forced.BuiltAt.After(first.BuiltAt))
}

func TestPerVenueDeadline(t *testing.T) {
	slow := &fakeExchange{id: "slow", balances: map[string]decimal.Decimal{}, block: true}
	fast := &fakeExchange{id: "fast", balances: map[string]decimal.Decimal{"XAUT": decimal.NewFromInt(2)}}
	agg := newTestAggregator(t, Config{
		Symbols:      []string{"XAUT"},
		VenueTimeout: 30 * time.Millisecond,
	}, slow, fast)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	var slowView, fastView VenueView
	for _, v := range snap.Venues {
		switch v.VenueID {
		case "slow":
			slowView = v
		case "fast":
			fastView = v
		}
	}
	assert.False(t, slowView.Available, "blocked venue must be cut off by its deadline")
	assert.Equal(t, string(errs.CodeNetwork), slowView.Reason)
	assert.True(t, fastView.Available)
	assert.True(t, snap.TotalGrams.Equal(gramsPerTroyOunce.Mul(decimal.NewFromInt(2))))
	assert.Equal(t, venue.StatusDegraded, snap.Status)
}

func TestVenueSubtotals(t *testing.T) {
	ex := &fakeExchange{id: "alpha", balances: map[string]decimal.Decimal{
		"XAUT": decimal.NewFromInt(1),
		"KAU":  decimal.RequireFromString("2.5"),
	}}
	agg := newTestAggregator(t, Config{Symbols: []string{"XAUT", "KAU"}}, ex)

	snap, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	want := gramsPerTroyOunce.Add(decimal.RequireFromString("2.5"))
	assert.True(t, snap.Venues[0].Grams.Equal(want), "got %s", snap.Venues[0].Grams)
	assert.True(t, snap.TotalGrams.Equal(want))
}
