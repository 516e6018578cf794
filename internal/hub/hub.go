// Package hub is the main orchestrator that ties all safety hub components
// together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/agent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/auth"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/config"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/gateway"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/localagent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/router"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/sender"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/tools"
)

// Hub is the main safety hub process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	gateway *gateway.Server
	logger  *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	verifier, err := auth.NewVerifier(context.Background(), cfg.Auth.IssuerURL(), cfg.Auth.ClientID)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init token verifier: %w", err)
	}

	invoker, err := newInvoker(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := gateway.NewRegistry()
	snd := sender.New(registry, db, logger)

	rt := router.New(db, verifier, invoker, snd, logger, router.Options{
		ConnectionTTL:  cfg.Session.ConnectionTTL.Duration,
		RelayChunks:    *cfg.Session.RelayChunks,
		PersistResults: *cfg.Session.PersistResults,
	})

	gw := gateway.NewServer(registry, rt, db, verifier, cfg, logger)

	h := &Hub{
		cfg:     cfg,
		store:   db,
		gateway: gw,
		logger:  logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// newInvoker selects the agent backend: the hosted streaming endpoint, or
// the built-in local agent for development.
func newInvoker(cfg *config.Config, logger *slog.Logger) (router.AgentInvoker, error) {
	if cfg.Agent.Endpoint != "" {
		return agent.NewClient(agent.Options{
			Endpoint:       cfg.Agent.Endpoint,
			AgentID:        cfg.Agent.AgentID,
			AgentAliasID:   cfg.Agent.AgentAliasID,
			EnableTrace:    *cfg.Agent.EnableTrace,
			MaxAttempts:    cfg.Agent.MaxAttempts,
			ConnectTimeout: cfg.Agent.ConnectTimeout.Duration,
			ReadTimeout:    cfg.Agent.ReadTimeout.Duration,
		}, logger), nil
	}
	if !cfg.Agent.Local {
		return nil, fmt.Errorf("no agent backend configured")
	}

	opts := localagent.Options{
		Emergency: tools.NewEmergencyClient(cfg.Tools.EmergencyFeedURL, cfg.Tools.AlertRadiusKM, logger),
	}
	if cfg.Tools.WeatherAPIKey != "" {
		opts.Weather = tools.NewWeatherClient(cfg.Tools.WeatherAPIKey, cfg.Tools.WeatherBaseURL, logger)
	} else {
		logger.Warn("weather API key not configured, local agent skips weather checks")
	}
	return localagent.New(opts, logger), nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.gateway,
	}

	go h.runConnectionPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("safety hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

// runConnectionPurger removes expired connection records. TTL expiry matters
// for records orphaned by a crash between connect and disconnect; live
// sockets are cleaned up on close.
func (h *Hub) runConnectionPurger(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := h.store.PurgeExpiredConnections(ctx, time.Now().UTC()); err != nil {
				h.logger.Warn("connection purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("purged expired connections", "count", n)
			}
		}
	}
}
