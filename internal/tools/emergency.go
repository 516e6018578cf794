package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// Incident is one emergency-feed event within range of a location.
type Incident struct {
	Category   string          `json:"category,omitempty"`
	DistanceKM float64         `json:"distance_km"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// EmergencyClient fetches active incidents from a public GeoJSON feed and
// filters them by proximity.
type EmergencyClient struct {
	feedURL  string
	radiusKM float64
	httpc    *http.Client
	logger   *slog.Logger
}

// NewEmergencyClient creates an EmergencyClient. radiusKM defaults to 50.
func NewEmergencyClient(feedURL string, radiusKM float64, logger *slog.Logger) *EmergencyClient {
	if radiusKM <= 0 {
		radiusKM = 50
	}
	return &EmergencyClient{
		feedURL:  feedURL,
		radiusKM: radiusKM,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "emergency"),
	}
}

type geoGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []geoGeometry   `json:"geometries,omitempty"`
}

type geoFeature struct {
	Geometry   geoGeometry     `json:"geometry"`
	Properties json.RawMessage `json:"properties"`
}

// ActiveIncidents returns feed incidents within the client's radius of the
// given point, closest first.
func (c *EmergencyClient) ActiveIncidents(ctx context.Context, lat, lon float64) ([]Incident, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch emergency feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch emergency feed: status %d", resp.StatusCode)
	}

	var collection struct {
		Features []geoFeature `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
		return nil, fmt.Errorf("decode emergency feed: %w", err)
	}

	var incidents []Incident
	for _, f := range collection.Features {
		dist, ok := nearestDistanceKM(f.Geometry, lat, lon)
		if !ok || dist > c.radiusKM {
			continue
		}
		inc := Incident{
			DistanceKM: math.Round(dist*10) / 10,
			Properties: f.Properties,
		}
		var props struct {
			Category string `json:"category1"`
		}
		if err := json.Unmarshal(f.Properties, &props); err == nil {
			inc.Category = props.Category
		}
		incidents = append(incidents, inc)
	}

	// Insertion sort by distance; feeds are small.
	for i := 1; i < len(incidents); i++ {
		for j := i; j > 0 && incidents[j].DistanceKM < incidents[j-1].DistanceKM; j-- {
			incidents[j], incidents[j-1] = incidents[j-1], incidents[j]
		}
	}
	return incidents, nil
}

// nearestDistanceKM computes the distance from (lat, lon) to the closest
// point-like coordinate of a geometry. Non-point members of collections are
// skipped; only representative points matter for a proximity alert.
func nearestDistanceKM(g geoGeometry, lat, lon float64) (float64, bool) {
	switch g.Type {
	case "Point":
		var coords []float64 // [lon, lat]
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil || len(coords) < 2 {
			return 0, false
		}
		return haversineKM(lat, lon, coords[1], coords[0]), true
	case "GeometryCollection":
		best := math.MaxFloat64
		found := false
		for _, member := range g.Geometries {
			if d, ok := nearestDistanceKM(member, lat, lon); ok && d < best {
				best = d
				found = true
			}
		}
		return best, found
	default:
		return 0, false
	}
}

// haversineKM is the great-circle distance between two coordinates.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
