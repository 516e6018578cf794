// Package gateway hosts the safety hub's transport surface: the WebSocket
// endpoint that turns socket activity into protocol events for the router,
// and the HTTP API for work orders, configuration discovery, and health.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/config"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/protocol"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/router"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
)

// wsStage is the stage segment advertised in request contexts. The hub has a
// single deployment stage.
const wsStage = "live"

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Server is the hub's HTTP and WebSocket server.
type Server struct {
	registry *Registry
	router   *router.Router
	store    store.Store
	verifier router.TokenVerifier
	logger   *slog.Logger
	mux      *chi.Mux
	upgrader websocket.Upgrader

	region          string
	userPoolID      string
	clientID        string
	websocketURL    string
	maxMessageBytes int64
	startTime       time.Time
}

// NewServer creates the gateway server and wires its routes.
func NewServer(registry *Registry, rt *router.Router, st store.Store, verifier router.TokenVerifier, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:        registry,
		router:          rt,
		store:           st,
		verifier:        verifier,
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(cfg.Server.AllowedOrigins),
		region:          cfg.Auth.Region,
		userPoolID:      cfg.Auth.UserPoolID,
		clientID:        cfg.Auth.ClientID,
		websocketURL:    cfg.Server.WebSocketURL,
		maxMessageBytes: cfg.Server.MaxMessageBytes,
		startTime:       time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Client bootstrap config (unauthenticated)
	mux.Get("/api/config", srv.handleConfig)

	// Work order API (bearer token)
	mux.Route("/api/workorders", func(r chi.Router) {
		r.Use(srv.bearerAuthMiddleware)
		r.Get("/", srv.handleListWorkOrders)
		r.Get("/{id}", srv.handleGetWorkOrder)
		r.Get("/{id}/safetychecks", srv.handleListSafetyChecks)
	})

	// WebSocket route (auth handled per message inside the router)
	mux.Get("/ws", srv.handleWS)

	srv.mux = mux
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleWS upgrades the connection and runs its event loop: a $connect event
// on open, a $default event per message, a $disconnect event on close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	connID := uuid.New().String()
	wc := s.registry.register(connID, conn)
	defer s.registry.unregister(connID)

	resp := s.router.Dispatch(r.Context(), protocol.Event{
		RequestContext: protocol.RequestContext{
			RouteKey:     protocol.RouteConnect,
			ConnectionID: connID,
		},
	})
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("connect rejected", "conn_id", connID, "status", resp.StatusCode)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, resp.Body))
		return
	}

	defer func() {
		// The request context is torn down with the socket; disconnect
		// cleanup must still reach the store.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.router.Dispatch(ctx, protocol.Event{
			RequestContext: protocol.RequestContext{
				RouteKey:     protocol.RouteDisconnect,
				ConnectionID: connID,
			},
		})
	}()

	conn.SetReadLimit(s.maxMessageBytes)
	cancelKeepalive := startWSKeepalive(conn, &wc.mu)
	defer cancelKeepalive()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket read ended", "conn_id", connID, "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		resp := s.router.Dispatch(r.Context(), protocol.Event{
			RequestContext: protocol.RequestContext{
				RouteKey:     protocol.RouteDefault,
				ConnectionID: connID,
				DomainName:   r.Host,
				Stage:        wsStage,
			},
			Body: string(msg),
		})
		if resp.StatusCode != http.StatusOK {
			s.logger.Warn("message dispatch failed", "conn_id", connID, "status", resp.StatusCode, "body", resp.Body)
		}
	}
}

// bearerAuthMiddleware verifies the Authorization header's bearer token.
func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if _, err := s.verifier.Verify(r.Context(), token); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleConfig tells clients how to authenticate and where to connect.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	wsURL := s.websocketURL
	if wsURL == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		wsURL = scheme + "://" + r.Host + "/ws"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"region":        s.region,
		"user_pool_id":  s.userPoolID,
		"client_id":     s.clientID,
		"websocket_url": wsURL,
	})
}

func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	orders, err := s.store.ListWorkOrders(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list work orders failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if orders == nil {
		orders = []store.WorkOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wo, err := s.store.GetWorkOrder(r.Context(), id)
	if err != nil {
		s.logger.Error("get work order failed", "work_order_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if wo == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "work order not found"})
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleListSafetyChecks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	checks, err := s.store.ListSafetyChecks(r.Context(), id)
	if err != nil {
		s.logger.Error("list safety checks failed", "work_order_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if checks == nil {
		checks = []store.SafetyCheckRecord{}
	}
	writeJSON(w, http.StatusOK, checks)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
