package store

import (
	"fmt"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig) (Store, error) {
	opts := Options{
		ConnectionTable: cfg.ConnectionTable,
		WorkOrderTable:  cfg.WorkOrderTable,
	}
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN, opts)
	case "sqlite", "":
		return NewSQLite(cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
