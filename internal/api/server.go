// Package api exposes the bracket engine over HTTP.
//
//	POST   /api/v1/brackets                      create (user from X-User-ID)
//	GET    /api/v1/brackets?user_id=U            list a user's brackets
//	GET    /api/v1/brackets/{id}                 fetch one bracket
//	POST   /api/v1/brackets/{id}/execution       parent execution report
//	POST   /api/v1/brackets/{id}/child-execution exit leg execution report
//	POST   /api/v1/brackets/{id}/modify          modify an exit leg
//	DELETE /api/v1/brackets/{id}                 cancel
//	GET    /api/v1/events?from=N&to=M            replay recent events
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"bracket-enginev1/internal/bracket"
	"bracket-enginev1/internal/events"
	"bracket-enginev1/internal/model"
)

// Engine is the slice of the bracket engine the API needs.
type Engine interface {
	Create(ctx context.Context, userID string, req *bracket.CreateRequest) (*model.BracketOrder, error)
	HandleParentExecution(ctx context.Context, id string, filledQty, avgFillPrice int64) error
	HandleChildExecution(ctx context.Context, id string, leg model.LegKind, filledQty, avgFillPrice int64) error
	Modify(ctx context.Context, mod bracket.Modification) error
	Cancel(ctx context.Context, id string) (bool, error)
	Get(id string) (*model.BracketOrder, error)
	ListByUser(userID string) []model.BracketOrder
}

// Server wires the engine and the event history into an http.Handler.
type Server struct {
	eng     Engine
	history *events.History
	log     *slog.Logger
}

// NewServer creates the API server. history may be nil; the events
// endpoint then returns 404.
func NewServer(eng Engine, history *events.History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{eng: eng, history: history, log: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/brackets", s.handleCollection)
	mux.HandleFunc("/api/v1/brackets/", s.handleItem)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	return mux
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createBracket(w, r)
	case http.MethodGet:
		s.listBrackets(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createBracket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	var req bracket.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	b, err := s.eng.Create(r.Context(), userID, &req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) listBrackets(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	writeJSON(w, http.StatusOK, s.eng.ListByUser(userID))
}

// handleItem routes /api/v1/brackets/{id}[/{action}].
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/brackets/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "bracket id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getBracket(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.cancelBracket(w, r, id)
	case action == "execution" && r.Method == http.MethodPost:
		s.parentExecution(w, r, id)
	case action == "child-execution" && r.Method == http.MethodPost:
		s.childExecution(w, r, id)
	case action == "modify" && r.Method == http.MethodPost:
		s.modifyBracket(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getBracket(w http.ResponseWriter, _ *http.Request, id string) {
	b, err := s.eng.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) cancelBracket(w http.ResponseWriter, r *http.Request, id string) {
	cancelled, err := s.eng.Cancel(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) parentExecution(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		FilledQty    int64 `json:"filled_qty"`
		AvgFillPrice int64 `json:"avg_fill_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.eng.HandleParentExecution(r.Context(), id, req.FilledQty, req.AvgFillPrice); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.getBracket(w, r, id)
}

func (s *Server) childExecution(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Leg          model.LegKind `json:"leg"`
		FilledQty    int64         `json:"filled_qty"`
		AvgFillPrice int64         `json:"avg_fill_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.eng.HandleChildExecution(r.Context(), id, req.Leg, req.FilledQty, req.AvgFillPrice); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.getBracket(w, r, id)
}

func (s *Server) modifyBracket(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		ModificationType string  `json:"modification_type"`
		NewPrice         int64   `json:"new_price"`
		NewStopPrice     int64   `json:"new_stop_price"`
		TrailAmount      int64   `json:"trail_amount"`
		TrailPercent     float64 `json:"trail_percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var mod bracket.Modification
	switch req.ModificationType {
	case "profit_target":
		mod = bracket.ProfitTargetMod{ID: id, NewPrice: req.NewPrice}
	case "stop_loss":
		mod = bracket.StopLossMod{ID: id, NewStopPrice: req.NewStopPrice}
	case "trailing_stop":
		mod = bracket.TrailingStopMod{ID: id, TrailAmount: req.TrailAmount, TrailPercent: req.TrailPercent}
	default:
		writeError(w, http.StatusBadRequest, "modification_type must be profit_target, stop_loss, or trailing_stop")
		return
	}

	if err := s.eng.Modify(r.Context(), mod); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.getBracket(w, r, id)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "event history disabled")
		return
	}

	q := r.URL.Query()
	if latest := q.Get("latest"); latest != "" {
		n, err := strconv.Atoi(latest)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "latest must be a positive integer")
			return
		}
		writeJSON(w, http.StatusOK, s.history.Latest(n))
		return
	}

	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil || from > to {
		writeError(w, http.StatusBadRequest, "from and to must be a valid seq range")
		return
	}
	writeJSON(w, http.StatusOK, s.history.Range(from, to))
}

// writeEngineError maps the engine's error taxonomy onto HTTP codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		ve  *bracket.ValidationError
		nfe *bracket.NotFoundError
		ce  *bracket.ConflictError
		bre *bracket.BrokerRejectionError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.As(err, &nfe):
		writeError(w, http.StatusNotFound, nfe.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusConflict, ce.Error())
	case errors.As(err, &bre):
		writeError(w, http.StatusBadGateway, bre.Error())
	default:
		s.log.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
