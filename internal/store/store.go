// Package store defines the persistence interface for connection records and
// work orders, with SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Store is the persistence interface for the safety hub.
//
// Connection records are owned exclusively by this store: created on
// connect, removed on disconnect or when a send target turns out to be
// stale, expired by TTL otherwise. Work orders carry the latest safety-check
// result; safety checks are additionally kept as a per-request history.
type Store interface {
	// Connections
	PutConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	DeleteConnection(ctx context.Context, id string) error
	PurgeExpiredConnections(ctx context.Context, now time.Time) (int64, error)

	// Work orders
	PutWorkOrder(ctx context.Context, wo *WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error)
	ListWorkOrders(ctx context.Context, limit, offset int) ([]WorkOrder, error)

	// Safety checks
	SaveSafetyCheck(ctx context.Context, rec *SafetyCheckRecord) error
	ListSafetyChecks(ctx context.Context, workOrderID string) ([]SafetyCheckRecord, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Connection is one live WebSocket connection's durable record.
type Connection struct {
	ID        string    `json:"connection_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WorkOrder is a field work order with its latest safety-check result.
type WorkOrder struct {
	ID                     string     `json:"work_order_id"`
	Status                 string     `json:"status,omitempty"`
	Description            string     `json:"description,omitempty"`
	LocationName           string     `json:"location_name,omitempty"`
	AssetID                string     `json:"asset_id,omitempty"`
	SafetyCheckResponse    string     `json:"safetycheckresponse,omitempty"`
	SafetyCheckPerformedAt *time.Time `json:"safetyCheckPerformedAt,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// SafetyCheckRecord is one completed safety-check turn keyed by request id.
type SafetyCheckRecord struct {
	RequestID   string    `json:"request_id"`
	WorkOrderID string    `json:"work_order_id"`
	Status      string    `json:"status"`
	Response    string    `json:"response"`
	PerformedAt time.Time `json:"performed_at"`
}

// Options carries store tuning shared by both drivers. Table names are
// configurable to match the deployment's provisioned names.
type Options struct {
	ConnectionTable string // default "connections"
	WorkOrderTable  string // default "work_orders"
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// resolve fills defaults and rejects table names that are not plain SQL
// identifiers, since they are interpolated into statements.
func (o Options) resolve() (Options, error) {
	if o.ConnectionTable == "" {
		o.ConnectionTable = "connections"
	}
	if o.WorkOrderTable == "" {
		o.WorkOrderTable = "work_orders"
	}
	for _, name := range []string{o.ConnectionTable, o.WorkOrderTable} {
		if !identRe.MatchString(name) {
			return o, fmt.Errorf("invalid table name: %q", name)
		}
	}
	return o, nil
}
