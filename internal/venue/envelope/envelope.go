// Package envelope concentrates the reliability concerns wrapped around
// every outbound venue call: token-bucket rate limiting, a circuit breaker,
// classified retries with exponential backoff, and the sliding-window health
// tracking the rest of the system reads venue status from.
package envelope

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/goldroute/goldroute/internal/errs"
)

// Config tunes one venue's envelope. Zero values fall back to the defaults
// applied in New.
type Config struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	LimiterWait       time.Duration `yaml:"limiter_wait"`       // bounded wait for a token
	FailureThreshold  uint32        `yaml:"failure_threshold"`  // consecutive failures to trip
	MonitoringPeriod  time.Duration `yaml:"monitoring_period"`  // closed-state counting window
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`   // open duration before probe
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	Multiplier        float64       `yaml:"multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	CallTimeout       time.Duration `yaml:"call_timeout"` // per-attempt deadline
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 20
	}
	if c.LimiterWait <= 0 {
		c.LimiterWait = 2 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = time.Minute
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// StatusChangeFunc observes venue status transitions. Called outside the
// envelope's locks; implementations may append audit records.
type StatusChangeFunc func(venueID string, from, to Status)

// Status mirrors the venue package's three-level health without importing
// it, keeping this package leaf-level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Envelope wraps one venue. All outbound calls for the venue funnel through
// Do, which is safe for concurrent use.
type Envelope struct {
	venueID string
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	health  *tracker
	log     zerolog.Logger

	mu         sync.Mutex
	disabled   bool
	lastStatus Status
	onChange   StatusChangeFunc
	onCall     CallFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// CallFunc observes one completed attempt against the venue: the operation
// name, wall-clock latency, and whether the attempt succeeded. Attempts
// rejected by the open breaker are not observed, no call happened.
type CallFunc func(op string, latency time.Duration, success bool)

// New builds an envelope for venueID. The breaker trips at
// FailureThreshold consecutive failures, stays open for RecoveryTimeout,
// then admits exactly one probe.
func New(venueID string, cfg Config, log zerolog.Logger) *Envelope {
	cfg = cfg.withDefaults()
	e := &Envelope{
		venueID:    venueID,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		health:     newTracker(5 * time.Minute),
		log:        log.With().Str("component", "envelope").Str("venue", venueID).Logger(),
		lastStatus: StatusHealthy,
		sleep:      sleepCtx,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venueID,
		MaxRequests: 1,
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !venueFault(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			e.log.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker state change")
		},
	})
	return e
}

// venueFault reports whether an error indicts the venue. Client-side
// classification errors (validation, permission, auth rejections) do not
// count against the breaker or the error window.
func venueFault(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeNetwork, errs.CodeVenue, errs.CodeRateLimit, errs.CodeInternal:
		return true
	}
	return false
}

// OnStatusChange registers the transition observer. Must be set before the
// envelope sees traffic.
func (e *Envelope) OnStatusChange(fn StatusChangeFunc) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// OnCall registers the per-attempt observer. Must be set before the
// envelope sees traffic.
func (e *Envelope) OnCall(fn CallFunc) {
	e.mu.Lock()
	e.onCall = fn
	e.mu.Unlock()
}

// Do runs fn under the full envelope: token bucket, breaker, classified
// retries with min(base × multiplier^attempt, max) backoff. Retries stop at
// the first non-retryable error; surfaced errors carry the consumed retry
// count.
func (e *Envelope) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.Disabled() {
		return errs.Newf(errs.CodeBreakerOpen, "venue %s disabled", e.venueID)
	}

	if err := e.waitToken(ctx); err != nil {
		return err
	}

	var lastErr error
	retries := 0
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				lastErr = errs.Wrap(errs.CodeNetwork, "retry wait cancelled", err)
				break
			}
			retries = attempt
		}

		err := e.attempt(ctx, op, fn)
		if err == nil {
			e.observeStatus()
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.observeStatus()
			return errs.Newf(errs.CodeBreakerOpen, "venue %s circuit open", e.venueID)
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			break
		}
		e.log.Debug().Err(err).Int("attempt", attempt).Str("op", op).Msg("retryable venue error")
	}

	e.observeStatus()
	var te *errs.Error
	if errors.As(lastErr, &te) {
		return te.WithRetries(retries)
	}
	return errs.Wrap(errs.CodeInternal, "venue call failed", lastErr).WithRetries(retries)
}

// attempt runs one try through the breaker with the per-attempt deadline.
func (e *Envelope) attempt(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	_, err := e.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		return nil, classify(fn(callCtx))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	latency := time.Since(start)
	e.observeCall(op, latency, err == nil)
	if err == nil {
		e.health.recordSuccess(latency)
		return nil
	}
	if venueFault(err) {
		e.health.recordFailure()
	}
	return err
}

func (e *Envelope) observeCall(op string, latency time.Duration, success bool) {
	e.mu.Lock()
	fn := e.onCall
	e.mu.Unlock()
	if fn != nil {
		fn(op, latency, success)
	}
}

// classify maps raw context errors onto the taxonomy; adapter errors pass
// through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *errs.Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.CodeNetwork, "call timed out", err)
	}
	return errs.Wrap(errs.CodeNetwork, "transport failure", err)
}

func (e *Envelope) waitToken(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.LimiterWait)
	defer cancel()
	if err := e.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.CodeNetwork, "call cancelled", ctx.Err())
		}
		return errs.Newf(errs.CodeRateLimit, "venue %s: no token within %s", e.venueID, e.cfg.LimiterWait)
	}
	return nil
}

func (e *Envelope) backoff(attempt int) time.Duration {
	d := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.Multiplier, float64(attempt-1))
	if d > float64(e.cfg.MaxDelay) {
		d = float64(e.cfg.MaxDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status derives the venue's three-level health: offline when the breaker
// is open or the venue is administratively disabled, degraded when the
// breaker is half-open or the 5-minute error rate exceeds 10%, healthy
// otherwise.
func (e *Envelope) Status() Status {
	e.mu.Lock()
	disabled := e.disabled
	e.mu.Unlock()
	if disabled {
		return StatusOffline
	}
	switch e.breaker.State() {
	case gobreaker.StateOpen:
		return StatusOffline
	case gobreaker.StateHalfOpen:
		return StatusDegraded
	}
	if e.health.errorRate() > 0.10 {
		return StatusDegraded
	}
	return StatusHealthy
}

// observeStatus fires the transition hook when derived status moved since
// the last observation. Passive transitions (breaker timeout elapsing,
// window aging out) are noticed on the next call.
func (e *Envelope) observeStatus() {
	now := e.Status()
	e.mu.Lock()
	prev := e.lastStatus
	fn := e.onChange
	if now != prev {
		e.lastStatus = now
	}
	e.mu.Unlock()
	if now != prev && fn != nil {
		fn(e.venueID, Status(prev), now)
	}
}

// Disable takes the venue administratively offline. In-flight calls finish;
// new calls fail fast with BREAKER_OPEN_ERROR.
func (e *Envelope) Disable() {
	e.mu.Lock()
	e.disabled = true
	e.mu.Unlock()
	e.observeStatus()
}

// Enable lifts an administrative disable.
func (e *Envelope) Enable() {
	e.mu.Lock()
	e.disabled = false
	e.mu.Unlock()
	e.observeStatus()
}

// Disabled reports the administrative flag only, not breaker state.
func (e *Envelope) Disabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled
}

// Snapshot is the reliability view exported to /connectors and /health.
type Snapshot struct {
	VenueID             string        `json:"venueId"`
	Status              Status        `json:"status"`
	BreakerState        string        `json:"breakerState"`
	ErrorRate           float64       `json:"errorRate"`
	AvgLatency          time.Duration `json:"avgLatency"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSuccess         time.Time     `json:"lastSuccess,omitempty"`
	LastFailure         time.Time     `json:"lastFailure,omitempty"`
	Disabled            bool          `json:"disabled"`
}

// Stats returns the current reliability snapshot.
func (e *Envelope) Stats() Snapshot {
	h := e.health.snapshot()
	return Snapshot{
		VenueID:             e.venueID,
		Status:              e.Status(),
		BreakerState:        e.breaker.State().String(),
		ErrorRate:           h.errorRate,
		AvgLatency:          h.avgLatency,
		ConsecutiveFailures: h.consecutiveFails,
		LastSuccess:         h.lastSuccess,
		LastFailure:         h.lastFailure,
		Disabled:            e.Disabled(),
	}
}
