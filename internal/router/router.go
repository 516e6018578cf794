// Package router dispatches inbound WebSocket protocol events. It is the
// core of the safety hub: connection lifecycle on $connect/$disconnect, and
// the authenticated safety-check turn on $default.
//
// Dispatch is a pure event-in, response-out function over injected
// collaborators, so the full routing surface is testable without a socket.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/agent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/auth"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/protocol"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// AgentInvoker starts one agent invocation and returns its event stream.
type AgentInvoker interface {
	Invoke(ctx context.Context, in agent.InvokeInput) (agent.EventStream, error)
}

// EventSender delivers one outbound event to a connected client.
// Delivery is best-effort; implementations must not fail the caller.
type EventSender interface {
	Send(ctx context.Context, connectionID string, message any)
}

// Options tunes per-dispatch behavior.
type Options struct {
	// ConnectionTTL bounds how long a connection record stays valid without
	// a disconnect. Defaults to 10 minutes.
	ConnectionTTL time.Duration

	// RelayChunks streams content fragments to the client as they arrive.
	RelayChunks bool

	// PersistResults saves completed safety checks against their work order.
	PersistResults bool
}

// Router dispatches protocol events.
type Router struct {
	store    store.Store
	verifier TokenVerifier
	invoker  AgentInvoker
	sender   EventSender
	logger   *slog.Logger
	opts     Options
}

// New creates a Router.
func New(st store.Store, verifier TokenVerifier, invoker AgentInvoker, sender EventSender, logger *slog.Logger, opts Options) *Router {
	if opts.ConnectionTTL <= 0 {
		opts.ConnectionTTL = 10 * time.Minute
	}
	return &Router{
		store:    st,
		verifier: verifier,
		invoker:  invoker,
		sender:   sender,
		logger:   logger.With("component", "router"),
		opts:     opts,
	}
}

// Dispatch routes one inbound event and returns the synchronous response.
// It never panics: unexpected failures collapse to a 500 response.
func (r *Router) Dispatch(ctx context.Context, event protocol.Event) (resp protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("dispatch panic", "panic", rec, "route", event.RequestContext.RouteKey)
			resp = protocol.Response{StatusCode: 500, Body: "Internal server error"}
		}
	}()

	rc := event.RequestContext
	if rc.RouteKey == "" || rc.ConnectionID == "" {
		r.logger.Error("missing required request context fields", "route", rc.RouteKey, "connection_id", rc.ConnectionID)
		return protocol.Response{StatusCode: 400, Body: "Missing required WebSocket fields"}
	}

	switch rc.RouteKey {
	case protocol.RouteConnect:
		return r.handleConnect(ctx, rc.ConnectionID)
	case protocol.RouteDisconnect:
		return r.handleDisconnect(ctx, rc.ConnectionID)
	case protocol.RouteDefault:
		return r.handleDefault(ctx, event)
	default:
		r.logger.Warn("unsupported route", "route", rc.RouteKey)
		return protocol.Response{StatusCode: 400, Body: fmt.Sprintf("Unsupported route: %s", rc.RouteKey)}
	}
}

// handleConnect records the connection with a TTL. A store failure is logged
// but still acknowledged: rejecting the socket would only force a reconnect
// loop, and the record is recreated by the next successful connect.
func (r *Router) handleConnect(ctx context.Context, connectionID string) protocol.Response {
	now := time.Now().UTC()
	conn := &store.Connection{
		ID:        connectionID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.opts.ConnectionTTL),
	}
	if err := r.store.PutConnection(ctx, conn); err != nil {
		r.logger.Error("record connection failed", "connection_id", connectionID, "error", err)
	} else {
		r.logger.Info("connection established", "connection_id", connectionID)
	}
	return protocol.Response{StatusCode: 200, Body: "Connected"}
}

// handleDisconnect removes the connection record. Idempotent; always
// acknowledges, since the socket is already gone.
func (r *Router) handleDisconnect(ctx context.Context, connectionID string) protocol.Response {
	if err := r.store.DeleteConnection(ctx, connectionID); err != nil {
		r.logger.Error("remove connection failed", "connection_id", connectionID, "error", err)
	} else {
		r.logger.Info("connection closed", "connection_id", connectionID)
	}
	return protocol.Response{StatusCode: 200, Body: "Disconnected"}
}

// handleDefault validates the message envelope, short-circuits heartbeats,
// authenticates the caller, and runs the safety-check turn.
func (r *Router) handleDefault(ctx context.Context, event protocol.Event) protocol.Response {
	connectionID := event.RequestContext.ConnectionID

	if event.Body == "" {
		r.logger.Error("missing message body", "connection_id", connectionID)
		return protocol.Response{StatusCode: 400, Body: "Missing request body"}
	}

	var req protocol.SessionRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		r.logger.Error("invalid message body", "connection_id", connectionID, "error", err)
		return protocol.Response{StatusCode: 400, Body: "Invalid JSON in request body"}
	}

	// Heartbeats are liveness probes; acknowledge before any auth work.
	if req.MessageType == protocol.MessageTypeHeartbeat {
		r.logger.Debug("heartbeat", "connection_id", connectionID)
		return protocol.Response{StatusCode: 200, Body: `{"message": "Heartbeat received, no action taken"}`}
	}

	// The send path needs the transport endpoint; without it no result could
	// reach the client, so fail before invoking anything.
	if event.RequestContext.DomainName == "" || event.RequestContext.Stage == "" {
		r.logger.Error("missing transport endpoint in request context", "connection_id", connectionID)
		return protocol.Response{StatusCode: 500, Body: "Missing API Gateway configuration"}
	}

	if req.Token == "" {
		r.logger.Error("token missing in request", "connection_id", connectionID)
		return protocol.Response{StatusCode: 403, Body: "Token is required"}
	}

	claims, err := r.verifier.Verify(ctx, req.Token)
	if err != nil {
		r.logger.Error("token verification failed", "connection_id", connectionID, "error", err)
		return protocol.Response{StatusCode: 403, Body: "Invalid Token"}
	}
	r.logger.Info("token verified", "connection_id", connectionID, "user", claims.Email)

	return r.handleSafetyCheck(ctx, connectionID, &req)
}
