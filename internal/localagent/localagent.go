// Package localagent is a stand-in for the hosted safety agent. It speaks
// the same invocation stream protocol, consults the real collaborator data
// sources (weather, emergency incidents), and composes a deterministic
// safety briefing instead of an LLM-planned one. Intended for development
// and integration testing.
package localagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/agent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/tools"
)

// Options configures the local agent's collaborators. Either may be nil, in
// which case the corresponding check is skipped with a trace noting so.
type Options struct {
	Weather   *tools.WeatherClient
	Emergency *tools.EmergencyClient
}

// Agent is the local safety agent.
type Agent struct {
	weather   *tools.WeatherClient
	emergency *tools.EmergencyClient
	logger    *slog.Logger
}

// New creates a local agent.
func New(opts Options, logger *slog.Logger) *Agent {
	return &Agent{
		weather:   opts.Weather,
		emergency: opts.Emergency,
		logger:    logger.With("component", "local-agent"),
	}
}

// Invoke implements the same contract as the hosted agent client, producing
// the full event sequence in memory.
func (a *Agent) Invoke(ctx context.Context, in agent.InvokeInput) (agent.EventStream, error) {
	return &sliceStream{events: a.run(ctx, in.InputText)}, nil
}

type sliceStream struct {
	events []agent.Event
	pos    int
}

func (s *sliceStream) Recv() (*agent.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return &ev, nil
}

func (s *sliceStream) Close() error { return nil }

// run executes one safety check and returns the ordered event sequence.
func (a *Agent) run(ctx context.Context, inputText string) []agent.Event {
	var events []agent.Event
	trace := func(traceType string, payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		events = append(events, agent.Event{Type: agent.EventTrace, TraceType: traceType, Trace: raw})
	}
	chunk := func(text string) {
		events = append(events, agent.Event{Type: agent.EventChunk, Content: text})
	}

	site := extractSite(inputText)
	trace("orchestration", map[string]any{
		"step":          "plan",
		"location_name": site.locationName,
		"has_coords":    site.hasCoords,
	})

	chunk("Safety check for " + site.displayName() + ":\n")

	if site.hasCoords && a.weather != nil {
		target := site.scheduledAt
		if target.IsZero() {
			target = time.Now()
		}
		rep, err := a.weather.Forecast(ctx, site.lat, site.lon, target)
		if err != nil {
			a.logger.Warn("weather check failed", "error", err)
			trace("weather", map[string]any{"step": "forecast", "error": "unavailable"})
			chunk("Weather conditions could not be retrieved; verify conditions on site before starting work.\n")
		} else {
			trace("weather", map[string]any{"step": "forecast", "report": rep})
			chunk(fmt.Sprintf("Weather: %s (%s), %.1f°C feeling like %.1f°C, wind %.1f m/s, humidity %.0f%%.\n",
				rep.Condition, rep.Description, rep.Temperature, rep.FeelsLike, rep.WindSpeed, rep.Humidity))
		}
	}

	if site.hasCoords && a.emergency != nil {
		incidents, err := a.emergency.ActiveIncidents(ctx, site.lat, site.lon)
		if err != nil {
			a.logger.Warn("emergency check failed", "error", err)
			trace("emergency", map[string]any{"step": "incidents", "error": "unavailable"})
			chunk("Emergency incident data could not be retrieved; check local warnings before travel.\n")
		} else {
			trace("emergency", map[string]any{"step": "incidents", "count": len(incidents)})
			if len(incidents) == 0 {
				chunk("No active emergency incidents reported near the work site.\n")
			} else {
				chunk(fmt.Sprintf("%d active emergency incident(s) within range; nearest is %.1f km away (%s). Review before dispatch.\n",
					len(incidents), incidents[0].DistanceKM, incidents[0].Category))
			}
		}
	}

	if !site.hasCoords {
		chunk("Work site coordinates were not provided, so weather and emergency checks were skipped. Confirm site conditions manually.\n")
	}

	chunk("Always follow the site's standard safety controls and report new hazards before starting work.")
	return events
}

// site is the location context recovered from a prompt.
type site struct {
	locationName string
	lat, lon     float64
	hasCoords    bool
	scheduledAt  time.Time
}

func (s site) displayName() string {
	if s.locationName != "" {
		return s.locationName
	}
	return "the requested work order"
}

// extractSite pulls location details out of a prompt built as
// "<query> <work order JSON>". Prompts without a recoverable JSON object
// yield an empty site; the briefing then degrades gracefully.
func extractSite(inputText string) site {
	var s site
	idx := strings.Index(inputText, "{")
	if idx < 0 {
		return s
	}

	var details map[string]any
	if err := json.Unmarshal([]byte(inputText[idx:]), &details); err != nil {
		return s
	}

	scope := details
	if nested, ok := details["workOrderLocationAssetDetails"].(map[string]any); ok {
		scope = nested
	}

	s.locationName = stringField(scope, "location_name", "name")
	if s.locationName == "" {
		s.locationName = stringField(details, "location_name")
	}
	if lat, ok := floatField(scope, "latitude", "lat"); ok {
		if lon, ok := floatField(scope, "longitude", "lon", "long"); ok {
			s.lat, s.lon = lat, lon
			s.hasCoords = true
		}
	}
	if raw := stringField(details, "scheduled_start_datetime", "scheduled_start"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.scheduledAt = t
		}
	}
	return s
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

type invokeRequest struct {
	InputText string `json:"input_text"`
	SessionID string `json:"session_id"`
}

type wireEvent struct {
	Type      string          `json:"type"`
	TraceType string          `json:"trace_type,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Handler serves the invocation stream protocol over HTTP: one POST, a
// newline-delimited JSON event per line, flushed as produced.
func (a *Agent) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		for _, ev := range a.run(r.Context(), req.InputText) {
			we := wireEvent{Type: ev.Type, TraceType: ev.TraceType}
			if ev.Type == agent.EventChunk {
				content, err := json.Marshal(ev.Content)
				if err != nil {
					continue
				}
				we.Content = content
			} else {
				we.Content = ev.Trace
			}
			if err := enc.Encode(we); err != nil {
				a.logger.Debug("stream write failed", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
}
