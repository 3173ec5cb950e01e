package envelope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldroute/goldroute/internal/errs"
)

func fastConfig() Config {
	return Config{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		LimiterWait:       50 * time.Millisecond,
		FailureThreshold:  3,
		MonitoringPeriod:  time.Minute,
		RecoveryTimeout:   60 * time.Millisecond,
		MaxRetries:        0,
		BaseDelay:         time.Millisecond,
		Multiplier:        2,
		MaxDelay:          8 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	e := New("bitfinex", fastConfig(), zerolog.Nop())
	var calls atomic.Int32
	fail := func(ctx context.Context) error {
		calls.Add(1)
		return errs.New(errs.CodeNetwork, "connection refused")
	}

	for i := 0; i < 3; i++ {
		err := e.Do(context.Background(), "get_balance", fail)
		require.Error(t, err)
		assert.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	}
	require.Equal(t, int32(3), calls.Load())

	// Fourth call is rejected locally, no venue I/O.
	err := e.Do(context.Background(), "get_balance", fail)
	require.Error(t, err)
	assert.Equal(t, errs.CodeBreakerOpen, errs.CodeOf(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StatusOffline, e.Status())
}

func TestBreakerAllowsSingleProbeAfterRecovery(t *testing.T) {
	e := New("bitfinex", fastConfig(), zerolog.Nop())
	fail := func(ctx context.Context) error { return errs.New(errs.CodeNetwork, "down") }
	for i := 0; i < 3; i++ {
		_ = e.Do(context.Background(), "op", fail)
	}
	require.Equal(t, errs.CodeBreakerOpen, errs.CodeOf(e.Do(context.Background(), "op", fail)))

	time.Sleep(80 * time.Millisecond) // past RecoveryTimeout

	var probes atomic.Int32
	ok := func(ctx context.Context) error {
		probes.Add(1)
		return nil
	}
	require.NoError(t, e.Do(context.Background(), "op", ok))
	assert.Equal(t, int32(1), probes.Load())
	// Probe success closes the breaker again.
	require.NoError(t, e.Do(context.Background(), "op", ok))
	assert.Equal(t, StatusHealthy, e.Status())
}

func TestFailedProbeReopens(t *testing.T) {
	e := New("bitfinex", fastConfig(), zerolog.Nop())
	fail := func(ctx context.Context) error { return errs.New(errs.CodeVenue, "503") }
	for i := 0; i < 3; i++ {
		_ = e.Do(context.Background(), "op", fail)
	}
	time.Sleep(80 * time.Millisecond)

	err := e.Do(context.Background(), "op", fail)
	assert.Equal(t, errs.CodeVenue, errs.CodeOf(err))

	err = e.Do(context.Background(), "op", fail)
	assert.Equal(t, errs.CodeBreakerOpen, errs.CodeOf(err))
}

func TestRetriesTransientErrorsOnly(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	cfg.FailureThreshold = 100
	e := New("bitfinex", cfg, zerolog.Nop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var calls int
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errs.New(errs.CodeVenue, "upstream 502")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial + 3 retries
	var te *errs.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Retries)

	calls = 0
	err = e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errs.New(errs.CodeValidation, "bad address")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.Retries)
}

func TestRetrySucceedsMidway(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	e := New("bitfinex", cfg, zerolog.Nop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var calls int
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errs.New(errs.CodeNetwork, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestValidationErrorsDoNotTripBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 2
	e := New("eth-mainnet", cfg, zerolog.Nop())

	bad := func(ctx context.Context) error { return errs.New(errs.CodeValidation, "malformed address") }
	for i := 0; i < 5; i++ {
		err := e.Do(context.Background(), "get_balance", bad)
		assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	}
	assert.Equal(t, StatusHealthy, e.Status())
}

func TestBoundedLimiterWait(t *testing.T) {
	cfg := fastConfig()
	cfg.RequestsPerSecond = 0.5 // one token per two seconds
	cfg.BurstSize = 1
	cfg.LimiterWait = 20 * time.Millisecond
	e := New("bitfinex", cfg, zerolog.Nop())

	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, e.Do(context.Background(), "op", ok))

	err := e.Do(context.Background(), "op", ok)
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimit, errs.CodeOf(err))
}

func TestDisableFailsFastAndNotifies(t *testing.T) {
	e := New("bitfinex", fastConfig(), zerolog.Nop())
	var from, to Status
	e.OnStatusChange(func(venueID string, f, t Status) { from, to = f, t })

	e.Disable()
	assert.Equal(t, StatusHealthy, from)
	assert.Equal(t, StatusOffline, to)
	assert.Equal(t, StatusOffline, e.Status())

	var calls int
	err := e.Do(context.Background(), "op", func(ctx context.Context) error { calls++; return nil })
	assert.Equal(t, errs.CodeBreakerOpen, errs.CodeOf(err))
	assert.Zero(t, calls)

	e.Enable()
	assert.Equal(t, StatusHealthy, e.Status())
	require.NoError(t, e.Do(context.Background(), "op", func(ctx context.Context) error { return nil }))
}

func TestErrorRateDegradesStatus(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 50
	e := New("bitfinex", cfg, zerolog.Nop())

	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return errs.New(errs.CodeVenue, "502") }

	for i := 0; i < 8; i++ {
		require.NoError(t, e.Do(context.Background(), "op", ok))
	}
	assert.Equal(t, StatusHealthy, e.Status())

	for i := 0; i < 2; i++ {
		_ = e.Do(context.Background(), "op", fail)
	}
	// 2 failures in 10 samples = 20% > 10%.
	assert.Equal(t, StatusDegraded, e.Status())
}

func TestBackoffFormula(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 350 * time.Millisecond}
	e := New("x", cfg, zerolog.Nop())

	assert.Equal(t, 100*time.Millisecond, e.backoff(1))
	assert.Equal(t, 200*time.Millisecond, e.backoff(2))
	assert.Equal(t, 350*time.Millisecond, e.backoff(3)) // capped
	assert.Equal(t, 350*time.Millisecond, e.backoff(4))
}

func TestContextCancelSurfacesNetworkError(t *testing.T) {
	e := New("bitfinex", fastConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Do(ctx, "op", func(ctx context.Context) error { return errors.New("never classified") })
	require.Error(t, err)
	assert.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
}
