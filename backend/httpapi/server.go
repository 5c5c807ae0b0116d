package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/yeanh16/marketfeed-gateway/backend/app"
	"github.com/yeanh16/marketfeed-gateway/backend/cache"
	"github.com/yeanh16/marketfeed-gateway/backend/logging"
	"github.com/yeanh16/marketfeed-gateway/backend/metrics"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
	"github.com/yeanh16/marketfeed-gateway/backend/session"
)

// Server wires the application state into an http.Handler, in the
// teacher's api.Server style: a struct holding shared collaborators,
// with each route a method registered against a plain net/http mux
// rather than a router framework (api/server.go does the same for its
// own, much larger, surface).
type Server struct {
	App     *app.App
	Candles *CandleStore

	upgrader websocket.Upgrader
}

// NewServer builds a Server and registers its routes on a fresh mux.
func NewServer(a *app.App, candles *CandleStore) *Server {
	s := &Server{
		App:     a,
		Candles: candles,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return s
}

// Handler returns the mux serving every route this surface exposes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.Middleware("/health", s.handleHealth))
	mux.HandleFunc("/ready", metrics.Middleware("/ready", s.handleReady))
	mux.HandleFunc("/api/exchanges", metrics.Middleware("/api/exchanges", s.handleExchanges))
	mux.HandleFunc("/api/symbols", metrics.Middleware("/api/symbols", s.handleSymbols))
	mux.HandleFunc("/api/candles", metrics.Middleware("/api/candles", s.handleCandles))
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleHealth reports process liveness unconditionally — per
// original_source's routes/health.rs, this never depends on upstream
// venue connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether at least one venue adapter is registered;
// it does not check upstream connectivity. A gateway with every adapter idle can still accept client
// connections — the idle-teardown policy means "idle" is the expected
// steady state with no subscribers — so readiness only fails when the
// adapter registry itself is empty, which signals a startup
// misconfiguration rather than normal backpressure.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if len(s.App.Registry.List()) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no venue adapters configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleExchanges serves GET /api/exchanges: the static per-venue
// metadata assembled at startup in app.New, recovered from
// original_source's model.rs::ExchangeInfo / routes/exchanges.rs.
func (s *Server) handleExchanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.App.Exchanges)
}

// handleSymbols serves GET /api/symbols?exchange=: the venue's last
// catalog refresh, read back from the blob cache app.refreshCatalog
// populated. A venue whose catalog has not been fetched yet (or whose
// TTL expired) returns an empty list rather than an error — the
// streaming path does not depend on this surface.
func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	venue := r.URL.Query().Get("exchange")
	if venue == "" {
		writeError(w, http.StatusBadRequest, "exchange is required")
		return
	}

	data, err := s.App.Cache.Blobs.Get(r.Context(), cache.NSSymbols+":"+venue)
	if err != nil {
		writeJSON(w, http.StatusOK, []model.SymbolMeta{})
		return
	}

	var metas []model.SymbolMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt symbol catalog entry")
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

// handleWS upgrades the connection and hands it to backend/session,
// blocking until the client disconnects. Grounded on the teacher's
// ws/hub.go ServeWs, minus the JWT gate spec.md places out of scope
// for this read-only surface.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("httpapi: websocket upgrade failed", logging.Component("httpapi"), logging.String("error", err.Error()))
		return
	}
	session.Accept(context.Background(), conn, s.App.Hub, s.App.Registry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
