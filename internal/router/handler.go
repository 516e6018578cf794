package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/agent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/protocol"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/store"
)

// handleSafetyCheck runs one safety-check turn: invoke the agent, relay its
// stream to the client, and terminate with exactly one final event. The
// request id is fixed before any fallible step so partial turns are still
// attributable.
func (r *Router) handleSafetyCheck(ctx context.Context, connectionID string, req *protocol.SessionRequest) protocol.Response {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	requestID := fmt.Sprintf("ws-%s-%s", connectionID, uuid.NewString())

	logger := r.logger.With("connection_id", connectionID, "request_id", requestID)

	prompt, workOrderID := buildPrompt(req, logger)
	logger.Info("performing safety check", "session_id", sessionID, "work_order_id", workOrderID)

	stream, err := r.invoker.Invoke(ctx, agent.InvokeInput{InputText: prompt, SessionID: sessionID})
	if err != nil {
		logger.Error("agent invocation failed", "error", err)
		r.sendFinal(ctx, connectionID, requestID, protocol.StatusError, "", time.Time{})
		return protocol.Response{StatusCode: 500, Body: fmt.Sprintf("Failed to process message: %v", err)}
	}
	defer stream.Close()

	var completion string
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The client keeps every event delivered so far; the final event
			// marks the turn as failed.
			logger.Error("agent stream failed", "error", err)
			r.sendFinal(ctx, connectionID, requestID, protocol.StatusError, completion, time.Time{})
			return protocol.Response{StatusCode: 500, Body: fmt.Sprintf("Failed to process message: %v", err)}
		}

		switch ev.Type {
		case agent.EventChunk:
			completion += ev.Content
			if r.opts.RelayChunks {
				r.sender.Send(ctx, connectionID, protocol.ChunkEvent{Type: "chunk", Content: ev.Content})
			}
		case agent.EventTrace:
			traceType := ev.TraceType
			if traceType == "" {
				traceType = "Unknown"
			}
			r.sender.Send(ctx, connectionID, protocol.TraceEvent{Type: "trace", TraceType: traceType, Content: ev.Trace})
		}
	}

	performedAt := time.Now().UTC()
	r.sendFinal(ctx, connectionID, requestID, protocol.StatusCompleted, completion, performedAt)

	if r.opts.PersistResults && workOrderID != "" {
		rec := &store.SafetyCheckRecord{
			RequestID:   requestID,
			WorkOrderID: workOrderID,
			Status:      protocol.StatusCompleted,
			Response:    completion,
			PerformedAt: performedAt,
		}
		if err := r.store.SaveSafetyCheck(ctx, rec); err != nil {
			// The client already has the result; persistence is secondary.
			logger.Warn("persist safety check failed", "work_order_id", workOrderID, "error", err)
		}
	}

	return protocol.Response{StatusCode: 200, Body: "Message sent"}
}

// sendFinal emits the turn's single terminal event.
func (r *Router) sendFinal(ctx context.Context, connectionID, requestID, status, completion string, performedAt time.Time) {
	final := protocol.FinalEvent{
		Type:                "final",
		RequestID:           requestID,
		Status:              status,
		SafetyCheckResponse: completion,
	}
	if !performedAt.IsZero() {
		final.SafetyCheckPerformedAt = performedAt.Format(time.RFC3339)
	}
	r.sender.Send(ctx, connectionID, final)
}

// buildPrompt assembles the agent prompt from the request's query and work
// order details, stripping any previous safety-check result so the agent
// evaluates fresh. When the expected fields are absent the whole request,
// minus its credential, is serialized as a fallback prompt.
func buildPrompt(req *protocol.SessionRequest, logger *slog.Logger) (prompt, workOrderID string) {
	fallback := func() string {
		redacted := *req
		redacted.Token = ""
		raw, err := json.Marshal(redacted)
		if err != nil {
			return req.Query
		}
		return string(raw)
	}

	if req.Query == "" || len(req.WorkOrderDetails) == 0 {
		logger.Error("request missing query or work order details")
		return fallback(), ""
	}

	var details map[string]any
	if err := json.Unmarshal(req.WorkOrderDetails, &details); err != nil {
		logger.Error("invalid work order details", "error", err)
		return fallback(), ""
	}

	workOrderID, _ = details["work_order_id"].(string)

	if nested, ok := details["workOrderLocationAssetDetails"].(map[string]any); ok {
		delete(nested, "safetycheckresponse")
		delete(nested, "safetyCheckPerformedAt")
	}

	raw, err := json.Marshal(details)
	if err != nil {
		logger.Error("serialize work order details failed", "error", err)
		return fallback(), workOrderID
	}
	return req.Query + " " + string(raw), workOrderID
}
