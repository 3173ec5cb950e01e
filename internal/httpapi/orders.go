package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/goldroute/goldroute/internal/errs"
	"github.com/goldroute/goldroute/internal/trading"
)

// handlePlaceOrder routes a limit order. A rejected order is still a
// created resource: the record is stored, queryable, and carries the
// rejection reason, so the response is 201 with the order body rather
// than a bare error.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req trading.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errs.Wrap(errs.CodeValidation, "invalid order body", err))
		return
	}
	order, err := s.deps.Engine.PlaceLimitOrder(r.Context(), req)
	if err != nil && order.ID == "" {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.deps.Engine.ListOrders()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(orders),
		"orders": orders,
	})
}

// handleGetOrder returns one order, refreshed from its venue first when it
// is still live. A venue failure during refresh surfaces as an error
// rather than silently serving stale state.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.deps.Engine.RefreshOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	order, err := s.deps.Engine.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}
