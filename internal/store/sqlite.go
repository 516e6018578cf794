package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string, opts Options) (*SQLiteStore, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			connection_id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		)`, s.opts.ConnectionTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s(expires_at)`,
			s.opts.ConnectionTable, s.opts.ConnectionTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			work_order_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location_name TEXT NOT NULL DEFAULT '',
			asset_id TEXT NOT NULL DEFAULT '',
			safety_check_response TEXT NOT NULL DEFAULT '',
			safety_check_performed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, s.opts.WorkOrderTable),
		`CREATE TABLE IF NOT EXISTS safety_checks (
			request_id TEXT PRIMARY KEY,
			work_order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			performed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_safety_checks_work_order_id ON safety_checks(work_order_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// PutConnection upserts a connection record. Re-recording an existing
// connection refreshes its TTL.
func (s *SQLiteStore) PutConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (connection_id, created_at, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET expires_at = excluded.expires_at`,
		s.opts.ConnectionTable),
		conn.ID, conn.CreatedAt.UTC(), conn.ExpiresAt.UTC())
	return err
}

// GetConnection returns nil for an unknown or expired connection.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var conn Connection
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT connection_id, created_at, expires_at FROM %s
		WHERE connection_id = ? AND expires_at > ?`, s.opts.ConnectionTable),
		id, time.Now().UTC()).Scan(&conn.ID, &conn.CreatedAt, &conn.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// DeleteConnection is idempotent; deleting an absent key is a no-op.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE connection_id = ?`, s.opts.ConnectionTable), id)
	return err
}

// PurgeExpiredConnections removes records whose TTL has passed.
func (s *SQLiteStore) PurgeExpiredConnections(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.opts.ConnectionTable), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PutWorkOrder upserts a work order, preserving any stored safety-check result.
func (s *SQLiteStore) PutWorkOrder(ctx context.Context, wo *WorkOrder) error {
	now := time.Now().UTC()
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (work_order_id, status, description, location_name, asset_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_order_id) DO UPDATE SET
			status = excluded.status,
			description = excluded.description,
			location_name = excluded.location_name,
			asset_id = excluded.asset_id,
			updated_at = excluded.updated_at`, s.opts.WorkOrderTable),
		wo.ID, wo.Status, wo.Description, wo.LocationName, wo.AssetID, wo.CreatedAt.UTC(), now)
	return err
}

// GetWorkOrder returns nil for an unknown work order.
func (s *SQLiteStore) GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error) {
	var wo WorkOrder
	var performedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT work_order_id, status, description, location_name, asset_id,
		       safety_check_response, safety_check_performed_at, created_at, updated_at
		FROM %s WHERE work_order_id = ?`, s.opts.WorkOrderTable), id).
		Scan(&wo.ID, &wo.Status, &wo.Description, &wo.LocationName, &wo.AssetID,
			&wo.SafetyCheckResponse, &performedAt, &wo.CreatedAt, &wo.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if performedAt.Valid {
		t := performedAt.Time
		wo.SafetyCheckPerformedAt = &t
	}
	return &wo, nil
}

// ListWorkOrders returns work orders ordered by creation time, newest first.
func (s *SQLiteStore) ListWorkOrders(ctx context.Context, limit, offset int) ([]WorkOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT work_order_id, status, description, location_name, asset_id,
		       safety_check_response, safety_check_performed_at, created_at, updated_at
		FROM %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, s.opts.WorkOrderTable),
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []WorkOrder
	for rows.Next() {
		var wo WorkOrder
		var performedAt sql.NullTime
		if err := rows.Scan(&wo.ID, &wo.Status, &wo.Description, &wo.LocationName, &wo.AssetID,
			&wo.SafetyCheckResponse, &performedAt, &wo.CreatedAt, &wo.UpdatedAt); err != nil {
			return nil, err
		}
		if performedAt.Valid {
			t := performedAt.Time
			wo.SafetyCheckPerformedAt = &t
		}
		orders = append(orders, wo)
	}
	return orders, rows.Err()
}

// SaveSafetyCheck records one completed turn and updates the work order's
// latest result. The work-order row is created if it does not exist yet, so
// persistence does not depend on pre-seeded orders.
func (s *SQLiteStore) SaveSafetyCheck(ctx context.Context, rec *SafetyCheckRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO safety_checks (request_id, work_order_id, status, response, performed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			status = excluded.status,
			response = excluded.response,
			performed_at = excluded.performed_at`,
		rec.RequestID, rec.WorkOrderID, rec.Status, rec.Response, rec.PerformedAt.UTC()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (work_order_id, safety_check_response, safety_check_performed_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(work_order_id) DO UPDATE SET
			safety_check_response = excluded.safety_check_response,
			safety_check_performed_at = excluded.safety_check_performed_at,
			updated_at = excluded.updated_at`, s.opts.WorkOrderTable),
		rec.WorkOrderID, rec.Response, rec.PerformedAt.UTC(), time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

// ListSafetyChecks returns the check history for a work order, newest first.
func (s *SQLiteStore) ListSafetyChecks(ctx context.Context, workOrderID string) ([]SafetyCheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, work_order_id, status, response, performed_at
		FROM safety_checks WHERE work_order_id = ? ORDER BY performed_at DESC`, workOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SafetyCheckRecord
	for rows.Next() {
		var rec SafetyCheckRecord
		if err := rows.Scan(&rec.RequestID, &rec.WorkOrderID, &rec.Status, &rec.Response, &rec.PerformedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
