package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/venue"
	"github.com/goldroute/goldroute/internal/venue/envelope"
)

// errorEnvelope is the uniform error body. Details is populated only when
// the server runs with the dev profile.
type errorEnvelope struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	RequestID string     `json:"requestId"`
	Details   string     `json:"details,omitempty"`
	ResetTime *time.Time `json:"resetTime,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	message := "internal error"
	var details string
	var e *errs.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if s.cfg.Dev {
		details = err.Error()
	}
	s.writeErrorCode(w, r, errs.HTTPStatus(code), code, message, details)
}

func (s *Server) writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code errs.Code, message, details string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError(string(code))
	}
	s.writeJSON(w, status, errorEnvelope{
		Code:      string(code),
		Message:   message,
		RequestID: requestIDFrom(r),
		Details:   details,
	})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request, resetAt time.Time) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError(string(errs.CodeRateLimit))
	}
	s.writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
		Code:      string(errs.CodeRateLimit),
		Message:   "rate limit exceeded",
		RequestID: requestIDFrom(r),
		ResetTime: &resetAt,
	})
}

// healthResponse reports the overall state, every venue snapshot, and the
// size of the audit journal.
type healthResponse struct {
	Status       venue.Status        `json:"status"`
	Timestamp    time.Time           `json:"timestamp"`
	Venues       []envelope.Snapshot `json:"venues"`
	JournalCount int                 `json:"journalCount"`
	JournalOK    bool                `json:"journalOk"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := s.deps.Registry.Overall()
	resp := healthResponse{
		Status:       overall,
		Timestamp:    time.Now().UTC(),
		Venues:       s.venueSnapshots(),
		JournalCount: s.deps.Journal.Len(),
		JournalOK:    s.deps.Journal.VerifyIntegrity(),
	}
	status := http.StatusOK
	if overall == venue.StatusOffline {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	snap, err := s.deps.Portfolio.Get(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// connectorView merges a venue's identity with its live envelope stats.
type connectorView struct {
	venue.Info
	Stats envelope.Snapshot `json:"stats"`
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Registry.List()
	views := make([]connectorView, 0, len(entries))
	for _, e := range entries {
		views = append(views, connectorView{Info: e.Info(), Stats: e.Stats()})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(views),
		"connectors": views,
	})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r, "startDate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseDateParam(r, "endDate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records := s.deps.Journal.Export(from, to)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

// parseDateParam reads an RFC 3339 query bound. Absent means open.
func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.Newf(errs.CodeValidation, "%s must be RFC 3339, got %q", name, raw)
	}
	return t, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.refreshVenueGauges()
	summary, err := s.deps.Metrics.Summarize()
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.CodeInternal, "metrics gather failed", err))
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// prometheusHandler refreshes venue gauges right before every scrape so
// the exposition reflects current envelope state.
func (s *Server) prometheusHandler() http.Handler {
	inner := s.deps.Metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.refreshVenueGauges()
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) refreshVenueGauges() {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.UpdateVenues(s.venueSnapshots())
}

func (s *Server) venueSnapshots() []envelope.Snapshot {
	entries := s.deps.Registry.List()
	snaps := make([]envelope.Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.Stats())
	}
	return snaps
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorCode(w, r, http.StatusNotFound, errs.CodeNotFound, "endpoint does not exist", "")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeErrorCode(w, r, http.StatusMethodNotAllowed, errs.CodeValidation, "method not allowed", "")
}
