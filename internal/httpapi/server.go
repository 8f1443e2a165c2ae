// Package httpapi exposes the order pipeline over HTTP. Handlers translate
// between JSON and the engine; all business decisions live in the engine and
// risk packages.
package httpapi

import (
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"tradesvc/internal/domain"
	"tradesvc/internal/engine"
	"tradesvc/internal/store"
)

// Server serves the trading service API.
type Server struct {
	engine *engine.Engine
	ledger store.Ledger
	events store.EventStore
	venue  string
	log    *slog.Logger
}

// NewServer creates a Server over the given engine and stores. venue is the
// active broker adapter name, reported by the health endpoint.
func NewServer(eng *engine.Engine, ledger store.Ledger, events store.EventStore, venue string, log *slog.Logger) *Server {
	return &Server{engine: eng, ledger: ledger, events: events, venue: venue, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/v1/orders/{id}/fills", s.handleGetFills)
	mux.HandleFunc("GET /api/v1/positions", s.handleGetPositions)
	mux.HandleFunc("GET /api/v1/webhooks/deadletter", s.handleDeadLetters)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /debug/vars", expvar.Handler())
}

// Handler returns the fully routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		writeError(w, http.StatusBadRequest, "qty must be a decimal string")
		return
	}
	limitPrice := decimal.Zero
	if req.LimitPrice != "" {
		if limitPrice, err = decimal.NewFromString(req.LimitPrice); err != nil {
			writeError(w, http.StatusBadRequest, "limit_price must be a decimal string")
			return
		}
	}

	order, err := s.engine.SubmitOrder(r.Context(), engine.SubmitRequest{
		ClientID:       req.ClientID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           domain.OrderSide(req.Side),
		Type:           domain.OrderType(req.Type),
		Qty:            qty,
		LimitPrice:     limitPrice,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("submitting order", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Risk-blocked orders are persisted but refused.
	if order.Status == domain.OrderStatusRejected {
		writeJSON(w, http.StatusUnprocessableEntity, orderToResponse(order))
		return
	}
	writeJSON(w, http.StatusCreated, orderToResponse(order))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.ledger.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.log.Error("loading order", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.CancelOrder(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, engine.ErrTooLate):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "too late to cancel",
			"reason": string(domain.ReasonTooLate),
			"order":  orderToResponse(order),
		})
	case err != nil:
		s.log.Error("cancelling order", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, orderToResponse(order))
	}
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ledger.GetOrder(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.log.Error("loading order", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	fills, err := s.ledger.ListFillsByOrder(r.Context(), id)
	if err != nil {
		s.log.Error("loading fills", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]FillResponse, 0, len(fills))
	for i := range fills {
		out = append(out, fillToResponse(&fills[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.ListPositions(r.Context())
	if err != nil {
		s.log.Error("loading positions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, PositionResponse{
			Symbol:      p.Symbol,
			Qty:         p.Qty,
			AvgPrice:    p.AvgPrice,
			RealizedPnL: p.RealizedPnL,
			UpdatedAt:   p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.events.DeadLetters(r.Context())
	if err != nil {
		s.log.Error("loading dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]DeadLetterResponse, 0, len(dead))
	for _, e := range dead {
		out = append(out, DeadLetterResponse{
			ID:         e.ID,
			OrderID:    e.OrderID,
			Seq:        e.Seq,
			Event:      e.Event,
			Attempts:   e.Attempts,
			LastStatus: e.LastStatus,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Venue: s.venue})
}
