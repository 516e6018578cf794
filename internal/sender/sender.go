// Package sender delivers events to a single connected WebSocket client
// through a connection-management send primitive.
//
// Delivery is best-effort by design: a long agent invocation must not be
// aborted by a transient send hiccup, so every failure is contained here. The
// one failure acted upon is the "gone" signal, which triggers removal of the
// stale connection record.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/protocol"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
)

// ErrGone signals that a previously open connection no longer accepts sends.
var ErrGone = errors.New("connection gone")

// ConnectionAPI is the transport's send primitive.
type ConnectionAPI interface {
	// PostToConnection delivers data to one connection, returning ErrGone
	// (possibly wrapped) when the connection has closed.
	PostToConnection(ctx context.Context, connectionID string, data []byte) error
}

// Sender wraps and delivers client events.
type Sender struct {
	api    ConnectionAPI
	store  store.Store
	logger *slog.Logger
}

// New creates a Sender.
func New(api ConnectionAPI, st store.Store, logger *slog.Logger) *Sender {
	return &Sender{
		api:    api,
		store:  st,
		logger: logger.With("component", "sender"),
	}
}

// Send wraps message in the client envelope and delivers it. It never
// returns an error: a gone connection is cleaned up, anything else is logged
// and swallowed so subsequent events still attempt delivery independently.
func (s *Sender) Send(ctx context.Context, connectionID string, message any) {
	env := protocol.ClientEnvelope{
		Message:   message,
		Sender:    connectionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("marshal client event failed", "connection_id", connectionID, "error", err)
		return
	}

	err = s.api.PostToConnection(ctx, connectionID, data)
	switch {
	case err == nil:
	case errors.Is(err, ErrGone):
		// Expected: the client navigated away or the network dropped.
		s.logger.Warn("connection gone, removing record", "connection_id", connectionID)
		if derr := s.store.DeleteConnection(ctx, connectionID); derr != nil {
			s.logger.Warn("delete stale connection failed", "connection_id", connectionID, "error", derr)
		}
	default:
		s.logger.Warn("send to client failed", "connection_id", connectionID, "error", err)
	}
}
