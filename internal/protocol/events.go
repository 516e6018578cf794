// Package protocol defines the wire shapes of the safety assistant's
// WebSocket API: the inbound protocol events dispatched by the router, the
// synchronous responses returned to the transport layer, and the outbound
// client events relayed during a safety-check turn.
//
// All messages are JSON-encoded. Outbound client events share a common
// envelope carrying the sender connection id and a timestamp.
package protocol

import "encoding/json"

// Route keys multiplexed over one WebSocket transport.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// Terminal statuses of a safety-check turn.
const (
	StatusCompleted = "COMPLETED"
	StatusError     = "ERROR"
)

// MessageTypeHeartbeat short-circuits a default-route message before
// authentication; the client is only probing connection liveness.
const MessageTypeHeartbeat = "heartbeat"

// RequestContext carries transport-level addressing for one inbound event.
type RequestContext struct {
	RouteKey     string `json:"routeKey"`
	ConnectionID string `json:"connectionId"`
	DomainName   string `json:"domainName,omitempty"`
	Stage        string `json:"stage,omitempty"`
}

// Event is one inbound protocol event. It exists only for the duration of a
// single dispatch and is never persisted.
type Event struct {
	RequestContext RequestContext `json:"requestContext"`
	Body           string         `json:"body,omitempty"`
}

// Response is the synchronous result returned to the transport layer.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// SessionRequest is the parsed body of a default-route message.
type SessionRequest struct {
	Token            string          `json:"token"`
	SessionID        string          `json:"session_id,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	Query            string          `json:"query,omitempty"`
	WorkOrderDetails json.RawMessage `json:"workorderdetails,omitempty"`
}

// ClientEnvelope wraps every outbound client event.
type ClientEnvelope struct {
	Message   any    `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// TraceEvent relays one diagnostic step from the agent's response stream.
type TraceEvent struct {
	Type      string          `json:"type"` // always "trace"
	TraceType string          `json:"traceType"`
	Content   json.RawMessage `json:"content"`
}

// ChunkEvent relays one content fragment as it arrives.
type ChunkEvent struct {
	Type    string `json:"type"` // always "chunk"
	Content string `json:"content"`
}

// FinalEvent terminates a turn with the accumulated result. Exactly one final
// event is sent per turn, whether the turn completed or errored.
type FinalEvent struct {
	Type                   string `json:"type"` // always "final"
	RequestID              string `json:"requestId"`
	Status                 string `json:"status"` // COMPLETED or ERROR
	SafetyCheckResponse    string `json:"safetyCheckResponse"`
	SafetyCheckPerformedAt string `json:"safetyCheckPerformedAt,omitempty"`
}
