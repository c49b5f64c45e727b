// Package api serves the operator HTTP interface: health, per-asset status,
// price history, chat and external status updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/status"
)

// Options configure the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AgentName is reported by /health next to the loop status.
	AgentName string
	// AllowUpdates enables POST /api/update.
	AllowUpdates bool
}

// Server exposes tracker state over HTTP.
type Server struct {
	tracker   *status.Tracker
	responder Responder
	opts      Options
	router    *mux.Router
	server    *http.Server
	logger    zerolog.Logger
}

// NewServer builds the router. A nil responder falls back to RuleResponder.
func NewServer(opts Options, tracker *status.Tracker, responder Responder, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":5001"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.AgentName == "" {
		opts.AgentName = "sentinel"
	}
	if responder == nil {
		responder = RuleResponder{}
	}

	s := &Server{
		tracker:   tracker,
		responder: responder,
		opts:      opts,
		router:    mux.NewRouter(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.getStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/price-history", s.priceHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/api/chat", s.chat).Methods(http.MethodPost)
	if s.opts.AllowUpdates {
		s.router.HandleFunc("/api/update", s.update).Methods(http.MethodPost)
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("api server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	s.logger.Info().Msg("api server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"agent":     s.tracker.Status(),
		"name":      s.opts.AgentName,
	})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) priceHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resolve(r.URL.Query().Get("asset"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Unsupported asset")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset":  st.Asset,
		"prices": st.PriceHistory,
		"count":  len(st.PriceHistory),
	})
}

type chatRequest struct {
	Message string `json:"message"`
	Asset   string `json:"asset"`
}

type chatResponse struct {
	Response    string    `json:"response"`
	Timestamp   time.Time `json:"timestamp"`
	AgentStatus string    `json:"agent_status"`
	Asset       string    `json:"asset"`
	IsAnomalous bool      `json:"is_anomalous"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st, ok := s.resolve(req.Asset)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Unsupported asset")
		return
	}

	snap := s.tracker.Snapshot()
	reply, err := s.responder.Respond(r.Context(), req.Message, st, snap)
	if err != nil {
		s.logger.Error().Err(err).Str("asset", st.Asset).Msg("chat responder failed")
		s.writeError(w, http.StatusInternalServerError, "responder unavailable")
		return
	}
	s.logger.Debug().Str("asset", st.Asset).Str("message", req.Message).Msg("chat message answered")

	s.writeJSON(w, http.StatusOK, chatResponse{
		Response:    reply,
		Timestamp:   time.Now().UTC(),
		AgentStatus: snap.Status,
		Asset:       st.Asset,
		IsAnomalous: st.IsAnomalous,
	})
}

type updateRequest struct {
	Asset       string  `json:"asset"`
	Price       float64 `json:"price"`
	ZScore      float64 `json:"z_score"`
	IsAnomalous bool    `json:"is_anomalous"`
	Reason      string  `json:"reason"`
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sym, ok := s.defaultSymbol(req.Asset)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Unsupported asset")
		return
	}
	if err := s.tracker.Update(sym, req.Price, req.ZScore, req.IsAnomalous, req.Reason); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "asset": sym})
}

// resolve maps a request asset to its status; empty selects the first asset.
func (s *Server) resolve(name string) (status.AssetStatus, bool) {
	sym, ok := s.defaultSymbol(name)
	if !ok {
		return status.AssetStatus{}, false
	}
	return s.tracker.Asset(sym)
}

func (s *Server) defaultSymbol(name string) (string, bool) {
	if name == "" {
		symbols := s.tracker.Symbols()
		if len(symbols) == 0 {
			return "", false
		}
		return symbols[0], true
	}
	return s.tracker.Resolve(name)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
