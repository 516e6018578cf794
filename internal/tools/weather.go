// Package tools implements the collaborator data sources consulted during a
// safety check: weather forecasts and emergency incident feeds.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// WeatherReport is the forecast for a location at (approximately) a target time.
type WeatherReport struct {
	Datetime    time.Time `json:"datetime"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feels_like"`
	Humidity    float64   `json:"humidity"`
	WindSpeed   float64   `json:"wind_speed"`
	Condition   string    `json:"weather_condition"`
	Description string    `json:"weather_description"`
}

// WeatherClient fetches forecasts from an OpenWeatherMap-compatible API.
type WeatherClient struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewWeatherClient creates a WeatherClient. baseURL defaults to the public
// OpenWeatherMap endpoint when empty.
func NewWeatherClient(apiKey, baseURL string, logger *slog.Logger) *WeatherClient {
	if baseURL == "" {
		baseURL = "https://api.openweathermap.org"
	}
	return &WeatherClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "weather"),
	}
}

type owmEntry struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
}

// Forecast returns the weather closest to target: current conditions when the
// target is now or past, the closest 3-hour interval within the 5-day
// forecast window otherwise. Targets beyond 5 days are out of range.
func (c *WeatherClient) Forecast(ctx context.Context, lat, lon float64, target time.Time) (*WeatherReport, error) {
	daysAhead := int(time.Until(target).Hours() / 24)
	switch {
	case daysAhead <= 0:
		return c.current(ctx, lat, lon)
	case daysAhead <= 5:
		return c.closestForecast(ctx, lat, lon, target)
	default:
		return nil, fmt.Errorf("forecast target %s is beyond the 5-day window", target.Format(time.RFC3339))
	}
}

func (c *WeatherClient) current(ctx context.Context, lat, lon float64) (*WeatherReport, error) {
	var entry owmEntry
	if err := c.get(ctx, "/data/2.5/weather", lat, lon, &entry); err != nil {
		return nil, err
	}
	rep := reportFrom(entry)
	rep.Datetime = time.Now().UTC()
	return rep, nil
}

func (c *WeatherClient) closestForecast(ctx context.Context, lat, lon float64, target time.Time) (*WeatherReport, error) {
	var payload struct {
		List []owmEntry `json:"list"`
	}
	if err := c.get(ctx, "/data/2.5/forecast", lat, lon, &payload); err != nil {
		return nil, err
	}
	if len(payload.List) == 0 {
		return nil, fmt.Errorf("empty forecast response")
	}

	var closest *owmEntry
	var minDiff time.Duration
	for i := range payload.List {
		entry := &payload.List[i]
		diff := time.Unix(entry.Dt, 0).Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if closest == nil || diff < minDiff {
			closest = entry
			minDiff = diff
		}
	}

	rep := reportFrom(*closest)
	rep.Datetime = time.Unix(closest.Dt, 0).UTC()
	return rep, nil
}

func (c *WeatherClient) get(ctx context.Context, path string, lat, lon float64, out any) error {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lon))
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch weather: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode weather response: %w", err)
	}
	return nil
}

func reportFrom(e owmEntry) *WeatherReport {
	rep := &WeatherReport{
		Temperature: e.Main.Temp,
		FeelsLike:   e.Main.FeelsLike,
		Humidity:    e.Main.Humidity,
		WindSpeed:   e.Wind.Speed,
	}
	if len(e.Weather) > 0 {
		rep.Condition = e.Weather[0].Main
		rep.Description = e.Weather[0].Description
	}
	return rep
}
