package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/protocol"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
)

type fakeAPI struct {
	sent [][]byte
	err  error
}

func (f *fakeAPI) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}

func setupSender(t *testing.T, api *fakeAPI) (*Sender, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:", store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(api, st, slog.Default()), st
}

func TestSendWrapsEnvelope(t *testing.T) {
	api := &fakeAPI{}
	s, _ := setupSender(t, api)

	s.Send(context.Background(), "conn-1", protocol.ChunkEvent{Type: "chunk", Content: "hello"})

	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}

	var env struct {
		Message   protocol.ChunkEvent `json:"message"`
		Sender    string              `json:"sender"`
		Timestamp string              `json:"timestamp"`
	}
	if err := json.Unmarshal(api.sent[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Sender != "conn-1" {
		t.Errorf("sender = %q", env.Sender)
	}
	if env.Message.Content != "hello" {
		t.Errorf("message = %+v", env.Message)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", env.Timestamp, err)
	}
}

func TestSendGoneDeletesConnection(t *testing.T) {
	api := &fakeAPI{err: fmt.Errorf("post: %w", ErrGone)}
	s, st := setupSender(t, api)
	ctx := context.Background()

	now := time.Now().UTC()
	err := st.PutConnection(ctx, &store.Connection{
		ID:        "conn-1",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Send(ctx, "conn-1", protocol.ChunkEvent{Type: "chunk", Content: "x"})

	got, err := st.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("gone connection record should have been deleted")
	}
}

func TestSendSwallowsOtherErrors(t *testing.T) {
	api := &fakeAPI{err: errors.New("network flake")}
	s, st := setupSender(t, api)
	ctx := context.Background()

	now := time.Now().UTC()
	err := st.PutConnection(ctx, &store.Connection{
		ID:        "conn-1",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Must not panic and must keep the record.
	s.Send(ctx, "conn-1", protocol.ChunkEvent{Type: "chunk", Content: "x"})

	got, err := st.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("record should survive a non-gone send failure")
	}
}
