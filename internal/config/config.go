// Package config handles safety hub configuration loading and validation.
//
// Configuration is read from a JSON file, then overridden by environment
// variables (a .env file is honored when present) so the hub can be deployed
// with the same knobs the managed original exposed: region, user pool id,
// client id, agent id, agent alias id, and the store table names.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level safety hub configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Agent   AgentConfig   `json:"agent"`
	Session SessionConfig `json:"session"`
	Tools   ToolsConfig   `json:"tools,omitempty"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket origin check; default allow all
	WebSocketURL    string   `json:"websocket_url,omitempty"`     // advertised to clients via /api/config
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message from clients; default 64KB
}

// AuthConfig defines token verification settings.
type AuthConfig struct {
	Issuer     string `json:"issuer,omitempty"` // JWKS issuer URL; derived from region+pool when empty
	Region     string `json:"region,omitempty"`
	UserPoolID string `json:"user_pool_id,omitempty"`
	ClientID   string `json:"client_id"` // expected token audience
}

// IssuerURL returns the configured issuer, deriving the Cognito-style URL
// from region and user pool id when no explicit issuer is set.
func (a AuthConfig) IssuerURL() string {
	if a.Issuer != "" {
		return a.Issuer
	}
	if a.Region != "" && a.UserPoolID != "" {
		return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", a.Region, a.UserPoolID)
	}
	return ""
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver          string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN             string `json:"dsn"`    // e.g. "safety-hub.db" or ":memory:"
	ConnectionTable string `json:"connection_table,omitempty"`
	WorkOrderTable  string `json:"work_order_table,omitempty"`
}

// AgentConfig defines the hosted agent invocation settings.
type AgentConfig struct {
	Endpoint       string   `json:"endpoint,omitempty"` // streaming invocation URL
	Local          bool     `json:"local,omitempty"`    // serve a local agent instead of a hosted one
	AgentID        string   `json:"agent_id,omitempty"`
	AgentAliasID   string   `json:"agent_alias_id,omitempty"`
	EnableTrace    *bool    `json:"enable_trace,omitempty"` // default true
	MaxAttempts    int      `json:"max_attempts,omitempty"` // default 3
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
	ReadTimeout    Duration `json:"read_timeout,omitempty"`
}

// SessionConfig defines per-turn behavior.
type SessionConfig struct {
	ConnectionTTL  Duration `json:"connection_ttl,omitempty"`  // default 10m
	RelayChunks    *bool    `json:"relay_chunks,omitempty"`    // relay content chunks live; default true
	PersistResults *bool    `json:"persist_results,omitempty"` // write final results to the work-order store; default true
}

// ToolsConfig configures the collaborator data sources used by the local agent.
type ToolsConfig struct {
	WeatherAPIKey    string  `json:"weather_api_key,omitempty"`
	WeatherBaseURL   string  `json:"weather_base_url,omitempty"`
	EmergencyFeedURL string  `json:"emergency_feed_url,omitempty"`
	AlertRadiusKM    float64 `json:"alert_radius_km,omitempty"` // default 50
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides, validates, and
// fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides config fields from the environment. A .env file in the
// working directory is loaded first when present.
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	overrideStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}

	overrideStr(&c.Auth.Region, "REGION")
	overrideStr(&c.Auth.UserPoolID, "USER_POOL_ID")
	overrideStr(&c.Auth.ClientID, "CLIENT_ID")
	overrideStr(&c.Auth.Issuer, "TOKEN_ISSUER")
	overrideStr(&c.Agent.AgentID, "AGENT_ID")
	overrideStr(&c.Agent.AgentAliasID, "AGENT_ALIAS_ID")
	overrideStr(&c.Agent.Endpoint, "AGENT_ENDPOINT")
	overrideStr(&c.Storage.DSN, "STORAGE_DSN")
	overrideStr(&c.Storage.ConnectionTable, "WS_CONNECTION_TABLE_NAME")
	overrideStr(&c.Storage.WorkOrderTable, "WORK_ORDERS_TABLE_NAME")
	overrideStr(&c.Tools.WeatherAPIKey, "OPENWEATHERMAP_API_KEY")
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.IssuerURL() == "" {
		return fmt.Errorf("auth.issuer (or auth.region plus auth.user_pool_id) is required")
	}
	if c.Auth.ClientID == "" {
		return fmt.Errorf("auth.client_id is required")
	}
	if c.Agent.Endpoint == "" && !c.Agent.Local {
		return fmt.Errorf("agent.endpoint is required unless agent.local is set")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "safety-hub.db"
	}
	if c.Storage.ConnectionTable == "" {
		c.Storage.ConnectionTable = "connections"
	}
	if c.Storage.WorkOrderTable == "" {
		c.Storage.WorkOrderTable = "work_orders"
	}
	if c.Agent.MaxAttempts == 0 {
		c.Agent.MaxAttempts = 3
	}
	if c.Agent.ConnectTimeout.Duration == 0 {
		c.Agent.ConnectTimeout.Duration = 5 * time.Second
	}
	if c.Agent.ReadTimeout.Duration == 0 {
		c.Agent.ReadTimeout.Duration = 120 * time.Second
	}
	if c.Agent.EnableTrace == nil {
		t := true
		c.Agent.EnableTrace = &t
	}
	if c.Session.ConnectionTTL.Duration == 0 {
		c.Session.ConnectionTTL.Duration = 10 * time.Minute
	}
	if c.Session.RelayChunks == nil {
		t := true
		c.Session.RelayChunks = &t
	}
	if c.Session.PersistResults == nil {
		t := true
		c.Session.PersistResults = &t
	}
	if c.Tools.WeatherBaseURL == "" {
		c.Tools.WeatherBaseURL = "https://api.openweathermap.org"
	}
	if c.Tools.EmergencyFeedURL == "" {
		c.Tools.EmergencyFeedURL = "https://emergency.vic.gov.au/public/events-geojson.json"
	}
	if c.Tools.AlertRadiusKM == 0 {
		c.Tools.AlertRadiusKM = 50
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
