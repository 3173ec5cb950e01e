// Package metrics owns the process-wide Prometheus registry: request
// counters and latency, per-venue call latency, venue health and breaker
// gauges, and uptime. The JSON summary served on /metrics is reduced from
// the same registry, so both views always agree.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"

	"github.com/goldroute/goldroute/internal/venue/envelope"
)

// Registry holds every collector the service exports. One instance lives
// for the process; the HTTP layer and the venue registry feed it.
type Registry struct {
	reg     *prometheus.Registry
	started time.Time

	APIRequests    *prometheus.CounterVec
	APIErrors      *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	VenueCalls     *prometheus.HistogramVec
	VenueHealth    *prometheus.GaugeVec
	BreakerState   *prometheus.GaugeVec
	VenueErrorRate *prometheus.GaugeVec
	Uptime         prometheus.GaugeFunc
}

func New() *Registry {
	m := &Registry{
		reg:     prometheus.NewRegistry(),
		started: time.Now(),
	}

	m.APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldroute_api_requests_total",
			Help: "API requests by method, route, and status code",
		},
		[]string{"method", "route", "status"},
	)

	m.APIErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goldroute_api_errors_total",
			Help: "API error responses by taxonomy code",
		},
		[]string{"code"},
	)

	m.RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goldroute_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"method", "route"},
	)

	m.VenueCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goldroute_venue_call_duration_seconds",
			Help:    "Outbound venue call duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"venue", "op", "result"},
	)

	m.VenueHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goldroute_venue_health",
			Help: "Venue health (2=healthy, 1=degraded, 0=offline)",
		},
		[]string{"venue"},
	)

	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goldroute_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"venue"},
	)

	m.VenueErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goldroute_venue_error_rate",
			Help: "Sliding-window venue error rate (0.0 to 1.0)",
		},
		[]string{"venue"},
	)

	m.Uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "goldroute_uptime_seconds",
			Help: "Seconds since process start",
		},
		func() float64 { return time.Since(m.started).Seconds() },
	)

	m.reg.MustRegister(
		m.APIRequests,
		m.APIErrors,
		m.RequestLatency,
		m.VenueCalls,
		m.VenueHealth,
		m.BreakerState,
		m.VenueErrorRate,
		m.Uptime,
	)
	return m
}

// RecordRequest counts one finished API request.
func (m *Registry) RecordRequest(method, route string, status int, latency time.Duration) {
	m.APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

// RecordError counts one error response by taxonomy code.
func (m *Registry) RecordError(code string) {
	m.APIErrors.WithLabelValues(code).Inc()
}

// ObserveVenueCall records one completed venue attempt. Matches the venue
// registry's call-observer signature.
func (m *Registry) ObserveVenueCall(venueID, op string, latency time.Duration, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.VenueCalls.WithLabelValues(venueID, op, result).Observe(latency.Seconds())
}

// UpdateVenues refreshes the per-venue gauges from reliability snapshots.
// Callers pass current snapshots right before gathering so scrapes and the
// JSON summary never serve stale health.
func (m *Registry) UpdateVenues(snaps []envelope.Snapshot) {
	for _, s := range snaps {
		m.VenueHealth.WithLabelValues(s.VenueID).Set(healthValue(s.Status))
		m.BreakerState.WithLabelValues(s.VenueID).Set(breakerValue(s.BreakerState))
		m.VenueErrorRate.WithLabelValues(s.VenueID).Set(s.ErrorRate)
	}
}

func healthValue(s envelope.Status) float64 {
	switch s {
	case envelope.StatusHealthy:
		return 2
	case envelope.StatusDegraded:
		return 1
	default:
		return 0
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// Summary is the JSON body served on /metrics.
type Summary struct {
	RequestCount  uint64  `json:"requestCount"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	ErrorRate     float64 `json:"errorRate"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Summarize gathers the registry and reduces it to the API-facing summary.
func (m *Registry) Summarize() (Summary, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	var latencySum, errorCount float64
	for _, mf := range families {
		switch mf.GetName() {
		case "goldroute_request_duration_seconds":
			count, sum := histogramTotals(mf)
			s.RequestCount += count
			latencySum += sum
		case "goldroute_api_errors_total":
			for _, met := range mf.GetMetric() {
				errorCount += met.GetCounter().GetValue()
			}
		}
	}
	if s.RequestCount > 0 {
		s.AvgLatencyMs = latencySum / float64(s.RequestCount) * 1000
		s.ErrorRate = errorCount / float64(s.RequestCount)
	}
	s.UptimeSeconds = time.Since(m.started).Seconds()
	return s, nil
}

func histogramTotals(mf *io_prometheus_client.MetricFamily) (count uint64, sum float64) {
	for _, met := range mf.GetMetric() {
		h := met.GetHistogram()
		count += h.GetSampleCount()
		sum += h.GetSampleSum()
	}
	return count, sum
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
