package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/errs"
)

type venueActionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleVenueDisable(w http.ResponseWriter, r *http.Request) {
	s.flipVenue(w, r, false)
}

func (s *Server) handleVenueEnable(w http.ResponseWriter, r *http.Request) {
	s.flipVenue(w, r, true)
}

// flipVenue toggles a venue's enablement. The registry journals the
// resilience action itself, so the handler only decodes and reports.
func (s *Server) flipVenue(w http.ResponseWriter, r *http.Request, enable bool) {
	id := mux.Vars(r)["id"]
	var body venueActionRequest
	// Body is optional, an empty one just means no reason given.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, errs.Wrap(errs.CodeValidation, "invalid request body", err))
		return
	}
	if body.Reason == "" {
		body.Reason = "manual admin action"
	}

	var err error
	if enable {
		err = s.deps.Registry.Enable(id, body.Reason)
	} else {
		err = s.deps.Registry.Disable(id, body.Reason)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entry, _ := s.deps.Registry.Get(id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"venueId": id,
		"enabled": enable,
		"status":  entry.Status(),
	})
}

type thresholdRequest struct {
	Confirmations uint64 `json:"confirmations"`
}

// handleChainThreshold raises or lowers the confirmation threshold on every
// registered chain tracker at runtime.
func (s *Server) handleChainThreshold(w http.ResponseWriter, r *http.Request) {
	var body thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, errs.Wrap(errs.CodeValidation, "invalid request body", err))
		return
	}
	if body.Confirmations < 1 {
		s.writeError(w, r, errs.New(errs.CodeValidation, "confirmations must be at least 1"))
		return
	}

	applied := make([]string, 0, 1)
	for _, entry := range s.deps.Registry.List() {
		ch, ok := entry.Chain()
		if !ok {
			continue
		}
		if err := ch.SetConfirmationThreshold(body.Confirmations); err != nil {
			s.writeError(w, r, err)
			return
		}
		applied = append(applied, entry.Info().ID)
	}
	if len(applied) == 0 {
		s.writeError(w, r, errs.New(errs.CodeNotFound, "no chain venues registered"))
		return
	}

	for _, kind := range []audit.Kind{audit.KindResilienceAction, audit.KindConfigChange} {
		if _, err := s.deps.Journal.Append(audit.Event{
			Kind:    kind,
			Subject: "chain confirmation threshold",
			Details: map[string]any{
				"confirmations": body.Confirmations,
				"venues":        applied,
				"requestId":     requestIDFrom(r),
			},
		}); err != nil {
			s.writeError(w, r, errs.Wrap(errs.CodeInternal, "audit journal unavailable", err))
			return
		}
	}

	if s.deps.OnThresholdChange != nil {
		s.deps.OnThresholdChange(body.Confirmations)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"confirmations": body.Confirmations,
		"venues":        applied,
	})
}
