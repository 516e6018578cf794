// Package agent provides the client for the hosted safety agent's streaming
// invocation API.
//
// An invocation POSTs a prompt plus session id and yields a finite,
// non-restartable sequence of newline-delimited JSON events: content chunks
// and diagnostic traces, in generation order. Transient upstream failures
// before the stream opens are retried with bounded exponential backoff;
// failures after events have been consumed surface from Recv and are never
// retried or rolled back.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// Event types in the agent's response stream.
const (
	EventChunk = "chunk"
	EventTrace = "trace"
)

// Event is one unit of the agent's incremental response.
type Event struct {
	Type      string          // EventChunk or EventTrace
	Content   string          // chunk text; empty for traces
	TraceType string          // trace classification; empty for chunks
	Trace     json.RawMessage // raw trace payload; nil for chunks
}

// EventStream yields events in arrival order. Recv returns io.EOF when the
// stream is exhausted; any other error means the stream ended abnormally and
// already-consumed events stand.
type EventStream interface {
	Recv() (*Event, error)
	Close() error
}

// InvokeInput is one invocation request.
type InvokeInput struct {
	InputText string
	SessionID string
}

// Options configures the Client. Retry and timeout settings are adapter-level
// configuration, not request-level.
type Options struct {
	Endpoint       string
	AgentID        string
	AgentAliasID   string
	EnableTrace    bool
	MaxAttempts    int           // default 3
	ConnectTimeout time.Duration // default 5s; dialing must fail fast
	ReadTimeout    time.Duration // default 120s; covers the whole stream read
	BackoffBase    time.Duration // default 500ms
	HTTPClient     *http.Client  // optional override
}

// Client invokes the hosted agent.
type Client struct {
	opts   Options
	httpc  *http.Client
	logger *slog.Logger
}

// NewClient creates an agent invocation client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 120 * time.Second
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{
			// Timeout bounds the whole exchange including the body read, so a
			// stalled upstream cannot block the handler indefinitely.
			Timeout: opts.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: opts.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
			},
		}
	}

	return &Client{
		opts:   opts,
		httpc:  httpc,
		logger: logger.With("component", "agent-client"),
	}
}

type invokeRequest struct {
	InputText    string `json:"input_text"`
	AgentID      string `json:"agent_id,omitempty"`
	AgentAliasID string `json:"agent_alias_id,omitempty"`
	SessionID    string `json:"session_id"`
	EnableTrace  bool   `json:"enable_trace"`
}

// Invoke submits a prompt and returns the response event stream. Connection
// errors and 5xx responses are retried with exponential backoff up to
// MaxAttempts; 4xx responses are permanent.
func (c *Client) Invoke(ctx context.Context, in InvokeInput) (EventStream, error) {
	body, err := json.Marshal(invokeRequest{
		InputText:    in.InputText,
		AgentID:      c.opts.AgentID,
		AgentAliasID: c.opts.AgentAliasID,
		SessionID:    in.SessionID,
		EnableTrace:  c.opts.EnableTrace,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt - 1)
			c.logger.Debug("retrying agent invocation", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build invoke request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("invoke agent: %w", err)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("invoke agent: upstream status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("invoke agent: upstream status %d", resp.StatusCode)
		}

		return newStream(resp.Body), nil
	}

	return nil, lastErr
}

func (c *Client) backoff(n int) time.Duration {
	d := c.opts.BackoffBase << (n - 1)
	// Jitter up to half the delay to avoid retry alignment.
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

// wireEvent is the NDJSON line shape. Content is raw because it is a string
// for chunks and an object for traces.
type wireEvent struct {
	Type      string          `json:"type"`
	TraceType string          `json:"trace_type,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newStream(body io.ReadCloser) *stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &stream{body: body, scanner: sc}
}

func (s *stream) Recv() (*Event, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read agent stream: %w", err)
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var we wireEvent
		if err := json.Unmarshal([]byte(line), &we); err != nil {
			return nil, fmt.Errorf("decode agent event: %w", err)
		}

		switch we.Type {
		case EventChunk:
			var content string
			if err := json.Unmarshal(we.Content, &content); err != nil {
				return nil, fmt.Errorf("decode chunk content: %w", err)
			}
			return &Event{Type: EventChunk, Content: content}, nil
		case EventTrace:
			return &Event{Type: EventTrace, TraceType: we.TraceType, Trace: we.Content}, nil
		default:
			return nil, fmt.Errorf("unknown agent event type: %q", we.Type)
		}
	}
}

func (s *stream) Close() error {
	return s.body.Close()
}
