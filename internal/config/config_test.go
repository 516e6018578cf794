package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safety-hub.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"region": "ap-southeast-2", "user_pool_id": "ap-southeast-2_abc123", "client_id": "client-1"},
		"agent": {"local": true}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.ConnectionTable != "connections" {
		t.Errorf("ConnectionTable = %q", cfg.Storage.ConnectionTable)
	}
	if cfg.Agent.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Agent.MaxAttempts)
	}
	if cfg.Agent.ConnectTimeout.Duration != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.Agent.ConnectTimeout.Duration)
	}
	if cfg.Agent.ReadTimeout.Duration != 120*time.Second {
		t.Errorf("ReadTimeout = %v, want 120s", cfg.Agent.ReadTimeout.Duration)
	}
	if cfg.Agent.EnableTrace == nil || !*cfg.Agent.EnableTrace {
		t.Error("EnableTrace should default to true")
	}
	if cfg.Session.ConnectionTTL.Duration != 10*time.Minute {
		t.Errorf("ConnectionTTL = %v, want 10m", cfg.Session.ConnectionTTL.Duration)
	}
	if cfg.Session.RelayChunks == nil || !*cfg.Session.RelayChunks {
		t.Error("RelayChunks should default to true")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestIssuerURLDerived(t *testing.T) {
	a := AuthConfig{Region: "us-east-1", UserPoolID: "us-east-1_XYZ"}
	want := "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_XYZ"
	if got := a.IssuerURL(); got != want {
		t.Errorf("IssuerURL() = %q, want %q", got, want)
	}

	a.Issuer = "https://issuer.example.com"
	if got := a.IssuerURL(); got != "https://issuer.example.com" {
		t.Errorf("explicit issuer not honored: %q", got)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing addr", `{"auth": {"issuer": "https://i", "client_id": "c"}, "agent": {"local": true}}`},
		{"missing issuer", `{"server": {"addr": ":8080"}, "auth": {"client_id": "c"}, "agent": {"local": true}}`},
		{"missing client id", `{"server": {"addr": ":8080"}, "auth": {"issuer": "https://i"}, "agent": {"local": true}}`},
		{"missing agent backend", `{"server": {"addr": ":8080"}, "auth": {"issuer": "https://i", "client_id": "c"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REGION", "eu-west-1")
	t.Setenv("USER_POOL_ID", "eu-west-1_POOL")
	t.Setenv("CLIENT_ID", "env-client")
	t.Setenv("WS_CONNECTION_TABLE_NAME", "ws_connections")
	t.Setenv("WORK_ORDERS_TABLE_NAME", "field_work_orders")

	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"client_id": "file-client"},
		"agent": {"local": true}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Auth.Region != "eu-west-1" {
		t.Errorf("Region = %q", cfg.Auth.Region)
	}
	if cfg.Auth.ClientID != "env-client" {
		t.Errorf("ClientID = %q, want env override", cfg.Auth.ClientID)
	}
	if cfg.Storage.ConnectionTable != "ws_connections" {
		t.Errorf("ConnectionTable = %q", cfg.Storage.ConnectionTable)
	}
	if cfg.Storage.WorkOrderTable != "field_work_orders" {
		t.Errorf("WorkOrderTable = %q", cfg.Storage.WorkOrderTable)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"issuer": "https://i", "client_id": "c"},
		"agent": {"local": true, "read_timeout": "90s"},
		"session": {"connection_ttl": 300}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.ReadTimeout.Duration != 90*time.Second {
		t.Errorf("ReadTimeout = %v, want 90s", cfg.Agent.ReadTimeout.Duration)
	}
	// Bare numbers are seconds.
	if cfg.Session.ConnectionTTL.Duration != 5*time.Minute {
		t.Errorf("ConnectionTTL = %v, want 5m", cfg.Session.ConnectionTTL.Duration)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
