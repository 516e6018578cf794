package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/sender"
)

const writeWait = 10 * time.Second

// wsConn pairs a WebSocket connection with its write mutex. All writes to the
// connection, control frames included, must hold the mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Registry tracks live WebSocket connections by id and implements the send
// primitive used to deliver events to clients.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*wsConn)}
}

func (r *Registry) register(id string, conn *websocket.Conn) *wsConn {
	wc := &wsConn{conn: conn}
	r.mu.Lock()
	r.conns[id] = wc
	r.mu.Unlock()
	return wc
}

func (r *Registry) unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// PostToConnection delivers data to one connection. An unknown id or a closed
// socket yields sender.ErrGone so the caller can drop the stale record.
func (r *Registry) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	r.mu.RLock()
	wc, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("post to %s: %w", connectionID, sender.ErrGone)
	}

	wc.mu.Lock()
	defer wc.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = wc.conn.SetWriteDeadline(deadline)

	if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if err == websocket.ErrCloseSent || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			return fmt.Errorf("post to %s: %w", connectionID, sender.ErrGone)
		}
		return fmt.Errorf("post to %s: %w", connectionID, err)
	}
	return nil
}
