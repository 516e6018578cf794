package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func weatherServer(t *testing.T, entries []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(entries[0])
	})
	mux.HandleFunc("/data/2.5/forecast", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"list": entries})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func entry(dt time.Time, temp float64, condition string) map[string]any {
	return map[string]any{
		"dt":      dt.Unix(),
		"main":    map[string]any{"temp": temp, "feels_like": temp - 2, "humidity": 60.0},
		"wind":    map[string]any{"speed": 5.5},
		"weather": []map[string]any{{"main": condition, "description": condition + " sky"}},
	}
}

func TestForecastCurrentConditions(t *testing.T) {
	srv := weatherServer(t, []map[string]any{entry(time.Now(), 21.5, "Clear")})
	c := NewWeatherClient("key", srv.URL, slog.Default())

	rep, err := c.Forecast(context.Background(), -37.8, 144.9, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Temperature != 21.5 {
		t.Errorf("Temperature = %v", rep.Temperature)
	}
	if rep.Condition != "Clear" {
		t.Errorf("Condition = %q", rep.Condition)
	}
	if rep.FeelsLike != 19.5 {
		t.Errorf("FeelsLike = %v", rep.FeelsLike)
	}
}

func TestForecastPicksClosestInterval(t *testing.T) {
	target := time.Now().Add(48 * time.Hour)
	srv := weatherServer(t, []map[string]any{
		entry(target.Add(-6*time.Hour), 10, "Rain"),
		entry(target.Add(-1*time.Hour), 15, "Clouds"),
		entry(target.Add(5*time.Hour), 20, "Clear"),
	})
	c := NewWeatherClient("key", srv.URL, slog.Default())

	rep, err := c.Forecast(context.Background(), -37.8, 144.9, target)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Condition != "Clouds" {
		t.Errorf("Condition = %q, want the closest interval", rep.Condition)
	}
}

func TestForecastBeyondWindow(t *testing.T) {
	srv := weatherServer(t, []map[string]any{entry(time.Now(), 20, "Clear")})
	c := NewWeatherClient("key", srv.URL, slog.Default())

	_, err := c.Forecast(context.Background(), -37.8, 144.9, time.Now().Add(10*24*time.Hour))
	if err == nil {
		t.Fatal("expected error for target beyond the forecast window")
	}
}

func TestForecastUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewWeatherClient("key", srv.URL, slog.Default())
	if _, err := c.Forecast(context.Background(), 0, 0, time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
