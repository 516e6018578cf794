package localagent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/agent"
	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/tools"
)

func collect(t *testing.T, stream agent.EventStream) []agent.Event {
	t.Helper()
	defer stream.Close()

	var events []agent.Event
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, *ev)
	}
}

func testEmergencyClient(t *testing.T) *tools.EmergencyClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type": "FeatureCollection",
			"features": []map[string]any{{
				"geometry":   map[string]any{"type": "Point", "coordinates": []float64{144.96, -37.80}},
				"properties": map[string]any{"category1": "Fire"},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return tools.NewEmergencyClient(srv.URL, 50, slog.Default())
}

func testWeatherClient(t *testing.T) *tools.WeatherClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dt":      time.Now().Unix(),
			"main":    map[string]any{"temp": 18.0, "feels_like": 16.0, "humidity": 70.0},
			"wind":    map[string]any{"speed": 3.2},
			"weather": []map[string]any{{"main": "Clouds", "description": "overcast"}},
		})
	}))
	t.Cleanup(srv.Close)
	return tools.NewWeatherClient("key", srv.URL, slog.Default())
}

const promptWithSite = `perform safety check {"work_order_id":"wo-1","workOrderLocationAssetDetails":{"location_name":"Substation A","latitude":-37.81,"longitude":144.96}}`

func TestInvokeProducesBriefing(t *testing.T) {
	a := New(Options{
		Weather:   testWeatherClient(t),
		Emergency: testEmergencyClient(t),
	}, slog.Default())

	stream, err := a.Invoke(context.Background(), agent.InvokeInput{
		InputText: promptWithSite,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	var chunks, traces []agent.Event
	var text strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case agent.EventChunk:
			chunks = append(chunks, ev)
			text.WriteString(ev.Content)
		case agent.EventTrace:
			traces = append(traces, ev)
		}
	}

	if len(traces) < 3 {
		t.Errorf("got %d traces, want orchestration + weather + emergency", len(traces))
	}
	if traces[0].TraceType != "orchestration" {
		t.Errorf("first trace = %q", traces[0].TraceType)
	}
	if len(chunks) == 0 {
		t.Fatal("no content chunks")
	}

	briefing := text.String()
	if !strings.Contains(briefing, "Substation A") {
		t.Errorf("briefing missing location: %q", briefing)
	}
	if !strings.Contains(briefing, "Clouds") {
		t.Errorf("briefing missing weather: %q", briefing)
	}
	if !strings.Contains(briefing, "emergency incident") {
		t.Errorf("briefing missing incidents: %q", briefing)
	}
}

func TestInvokeWithoutCoordinates(t *testing.T) {
	a := New(Options{
		Weather:   testWeatherClient(t),
		Emergency: testEmergencyClient(t),
	}, slog.Default())

	stream, err := a.Invoke(context.Background(), agent.InvokeInput{
		InputText: "just a question, no details",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == agent.EventChunk {
			text.WriteString(ev.Content)
		}
	}
	if !strings.Contains(text.String(), "coordinates were not provided") {
		t.Errorf("briefing = %q", text.String())
	}
}

func TestInvokeDegradesWhenToolsFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	a := New(Options{
		Weather:   tools.NewWeatherClient("key", broken.URL, slog.Default()),
		Emergency: tools.NewEmergencyClient(broken.URL, 50, slog.Default()),
	}, slog.Default())

	stream, err := a.Invoke(context.Background(), agent.InvokeInput{InputText: promptWithSite})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == agent.EventChunk {
			text.WriteString(ev.Content)
		}
	}
	if !strings.Contains(text.String(), "could not be retrieved") {
		t.Errorf("briefing should note degraded checks: %q", text.String())
	}
}

// TestHandlerSpeaksClientProtocol drives the HTTP handler through the real
// agent client, proving the two ends of the stream protocol agree.
func TestHandlerSpeaksClientProtocol(t *testing.T) {
	a := New(Options{Emergency: testEmergencyClient(t)}, slog.Default())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	c := agent.NewClient(agent.Options{Endpoint: srv.URL}, slog.Default())
	stream, err := c.Invoke(context.Background(), agent.InvokeInput{
		InputText: promptWithSite,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, stream)

	if len(events) == 0 {
		t.Fatal("no events over HTTP")
	}
	sawChunk, sawTrace := false, false
	for _, ev := range events {
		switch ev.Type {
		case agent.EventChunk:
			sawChunk = true
		case agent.EventTrace:
			sawTrace = true
		}
	}
	if !sawChunk || !sawTrace {
		t.Errorf("chunk=%v trace=%v, want both", sawChunk, sawTrace)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	a := New(Options{}, slog.Default())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL, "application/json", strings.NewReader("{bad"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
}
