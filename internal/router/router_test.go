package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/agent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/auth"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/protocol"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
)

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Claims{Subject: "user-1", Email: "worker@example.com"}, nil
}

type fakeStream struct {
	events []agent.Event
	err    error // returned after events are drained; nil means io.EOF
	pos    int
}

func (f *fakeStream) Recv() (*agent.Event, error) {
	if f.pos >= len(f.events) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return &ev, nil
}

func (f *fakeStream) Close() error { return nil }

type fakeInvoker struct {
	events    []agent.Event
	streamErr error
	invokeErr error
	calls     int
	lastInput agent.InvokeInput
}

func (f *fakeInvoker) Invoke(ctx context.Context, in agent.InvokeInput) (agent.EventStream, error) {
	f.calls++
	f.lastInput = in
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &fakeStream{events: f.events, err: f.streamErr}, nil
}

type sentMessage struct {
	connectionID string
	message      any
}

type captureSender struct {
	sent []sentMessage
}

func (c *captureSender) Send(ctx context.Context, connectionID string, message any) {
	c.sent = append(c.sent, sentMessage{connectionID: connectionID, message: message})
}

type routerFixture struct {
	router   *Router
	store    store.Store
	verifier *fakeVerifier
	invoker  *fakeInvoker
	sender   *captureSender
}

func setupTestRouter(t *testing.T, opts Options) *routerFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:", store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &routerFixture{
		store:    s,
		verifier: &fakeVerifier{},
		invoker:  &fakeInvoker{},
		sender:   &captureSender{},
	}
	f.router = New(s, f.verifier, f.invoker, f.sender, slog.Default(), opts)
	return f
}

func defaultEvent(body string) protocol.Event {
	return protocol.Event{
		RequestContext: protocol.RequestContext{
			RouteKey:     protocol.RouteDefault,
			ConnectionID: "conn-1",
			DomainName:   "hub.example.com",
			Stage:        "live",
		},
		Body: body,
	}
}

func TestDispatchMissingFields(t *testing.T) {
	f := setupTestRouter(t, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		rc   protocol.RequestContext
	}{
		{"no route", protocol.RequestContext{ConnectionID: "conn-1"}},
		{"no connection id", protocol.RequestContext{RouteKey: protocol.RouteConnect}},
		{"empty", protocol.RequestContext{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.router.Dispatch(ctx, protocol.Event{RequestContext: tc.rc})
			if resp.StatusCode != 400 {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if resp.Body != "Missing required WebSocket fields" {
				t.Errorf("body = %q", resp.Body)
			}
		})
	}
}

func TestDispatchUnsupportedRoute(t *testing.T) {
	f := setupTestRouter(t, Options{})
	resp := f.router.Dispatch(context.Background(), protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: "$subscribe", ConnectionID: "conn-1"},
	})
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if resp.Body != "Unsupported route: $subscribe" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestDispatchConnect(t *testing.T) {
	f := setupTestRouter(t, Options{})
	ctx := context.Background()

	resp := f.router.Dispatch(ctx, protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: protocol.RouteConnect, ConnectionID: "conn-1"},
	})
	if resp.StatusCode != 200 || resp.Body != "Connected" {
		t.Fatalf("resp = %+v", resp)
	}

	conn, err := f.store.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil {
		t.Fatal("connection record not created")
	}
	if ttl := conn.ExpiresAt.Sub(conn.CreatedAt); ttl != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", ttl)
	}
}

func TestDispatchDisconnect(t *testing.T) {
	f := setupTestRouter(t, Options{})
	ctx := context.Background()

	f.router.Dispatch(ctx, protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: protocol.RouteConnect, ConnectionID: "conn-1"},
	})

	resp := f.router.Dispatch(ctx, protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: protocol.RouteDisconnect, ConnectionID: "conn-1"},
	})
	if resp.StatusCode != 200 || resp.Body != "Disconnected" {
		t.Fatalf("resp = %+v", resp)
	}

	conn, err := f.store.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if conn != nil {
		t.Error("connection record should be removed")
	}

	// Disconnecting an unknown connection still acknowledges.
	resp = f.router.Dispatch(ctx, protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: protocol.RouteDisconnect, ConnectionID: "ghost"},
	})
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDispatchDefaultBodyValidation(t *testing.T) {
	f := setupTestRouter(t, Options{})
	ctx := context.Background()

	resp := f.router.Dispatch(ctx, defaultEvent(""))
	if resp.StatusCode != 400 || resp.Body != "Missing request body" {
		t.Errorf("empty body: %+v", resp)
	}

	resp = f.router.Dispatch(ctx, defaultEvent("{not json"))
	if resp.StatusCode != 400 || resp.Body != "Invalid JSON in request body" {
		t.Errorf("bad json: %+v", resp)
	}

	if f.verifier.calls != 0 {
		t.Errorf("verifier called %d times during body validation", f.verifier.calls)
	}
}

func TestDispatchHeartbeat(t *testing.T) {
	f := setupTestRouter(t, Options{})

	// Heartbeats must succeed even without transport endpoint or token.
	resp := f.router.Dispatch(context.Background(), protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: protocol.RouteDefault, ConnectionID: "conn-1"},
		Body:           `{"messageType": "heartbeat"}`,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if f.verifier.calls != 0 {
		t.Error("heartbeat must not hit the verifier")
	}
	if f.invoker.calls != 0 {
		t.Error("heartbeat must not invoke the agent")
	}
	if len(f.sender.sent) != 0 {
		t.Error("heartbeat must not push client events")
	}
}

func TestDispatchMissingEndpoint(t *testing.T) {
	f := setupTestRouter(t, Options{})
	resp := f.router.Dispatch(context.Background(), protocol.Event{
		RequestContext: protocol.RequestContext{RouteKey: protocol.RouteDefault, ConnectionID: "conn-1"},
		Body:           `{"token": "tok", "query": "q"}`,
	})
	if resp.StatusCode != 500 || resp.Body != "Missing API Gateway configuration" {
		t.Errorf("resp = %+v", resp)
	}
	if f.invoker.calls != 0 {
		t.Error("agent must not be invoked without a send endpoint")
	}
}

func TestDispatchTokenRequired(t *testing.T) {
	f := setupTestRouter(t, Options{})
	resp := f.router.Dispatch(context.Background(), defaultEvent(`{"query": "q"}`))
	if resp.StatusCode != 403 || resp.Body != "Token is required" {
		t.Errorf("resp = %+v", resp)
	}
	if f.verifier.calls != 0 {
		t.Error("verifier must not be called without a token")
	}
}

func TestDispatchInvalidToken(t *testing.T) {
	f := setupTestRouter(t, Options{})
	f.verifier.err = auth.ErrUnauthorized

	resp := f.router.Dispatch(context.Background(), defaultEvent(`{"token": "bad", "query": "q"}`))
	if resp.StatusCode != 403 || resp.Body != "Invalid Token" {
		t.Errorf("resp = %+v", resp)
	}
	if f.invoker.calls != 0 {
		t.Error("agent must not be invoked with an invalid token")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	f := setupTestRouter(t, Options{})
	// A nil store method receiver is hard to fake here; instead, panic inside
	// the invoker, which runs within the dispatch call stack.
	f.router.invoker = panicInvoker{}

	resp := f.router.Dispatch(context.Background(), defaultEvent(`{"token": "tok", "query": "q"}`))
	if resp.StatusCode != 500 || resp.Body != "Internal server error" {
		t.Errorf("resp = %+v", resp)
	}
}

type panicInvoker struct{}

func (panicInvoker) Invoke(ctx context.Context, in agent.InvokeInput) (agent.EventStream, error) {
	panic("invoker exploded")
}
