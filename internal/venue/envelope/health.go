package envelope

import (
	"sync"
	"time"
)

// tracker keeps the sliding error window and latency estimate behind a
// venue's derived status. Samples older than the window age out on read.
type tracker struct {
	mu     sync.Mutex
	window time.Duration

	samples     []sample
	avgLatency  time.Duration
	consecFails int
	lastSuccess time.Time
	lastFailure time.Time

	now func() time.Time
}

type sample struct {
	at time.Time
	ok bool
}

func newTracker(window time.Duration) *tracker {
	return &tracker{window: window, now: time.Now}
}

// recordSuccess resets the consecutive-failure counter and folds the
// observed latency into the EWMA estimate.
func (t *tracker) recordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.push(sample{at: now, ok: true})
	t.consecFails = 0
	t.lastSuccess = now
	if t.avgLatency == 0 {
		t.avgLatency = latency
	} else {
		t.avgLatency = time.Duration(0.8*float64(t.avgLatency) + 0.2*float64(latency))
	}
}

func (t *tracker) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.push(sample{at: now, ok: false})
	t.consecFails++
	t.lastFailure = now
}

func (t *tracker) push(s sample) {
	t.samples = append(t.samples, s)
	t.prune(s.at)
}

func (t *tracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for ; i < len(t.samples); i++ {
		if !t.samples[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		t.samples = t.samples[i:]
	}
}

// errorRate is failures over total within the window, 0 with no samples.
func (t *tracker) errorRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())
	if len(t.samples) == 0 {
		return 0
	}
	fails := 0
	for _, s := range t.samples {
		if !s.ok {
			fails++
		}
	}
	return float64(fails) / float64(len(t.samples))
}

type healthSnapshot struct {
	errorRate        float64
	avgLatency       time.Duration
	consecutiveFails int
	lastSuccess      time.Time
	lastFailure      time.Time
}

func (t *tracker) snapshot() healthSnapshot {
	rate := t.errorRate()
	t.mu.Lock()
	defer t.mu.Unlock()
	return healthSnapshot{
		errorRate:        rate,
		avgLatency:       t.avgLatency,
		consecutiveFails: t.consecFails,
		lastSuccess:      t.lastSuccess,
		lastFailure:      t.lastFailure,
	}
}
