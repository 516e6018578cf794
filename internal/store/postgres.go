package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string, opts Options) (*PostgresStore, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			connection_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
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
			safety_check_performed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.opts.WorkOrderTable),
		`CREATE TABLE IF NOT EXISTS safety_checks (
			request_id TEXT PRIMARY KEY,
			work_order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			performed_at TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) PutConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (connection_id, created_at, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT(connection_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		s.opts.ConnectionTable),
		conn.ID, conn.CreatedAt.UTC(), conn.ExpiresAt.UTC())
	return err
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var conn Connection
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT connection_id, created_at, expires_at FROM %s
		WHERE connection_id = $1 AND expires_at > NOW()`, s.opts.ConnectionTable),
		id).Scan(&conn.ID, &conn.CreatedAt, &conn.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE connection_id = $1`, s.opts.ConnectionTable), id)
	return err
}

func (s *PostgresStore) PurgeExpiredConnections(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.opts.ConnectionTable), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PutWorkOrder(ctx context.Context, wo *WorkOrder) error {
	now := time.Now().UTC()
	if wo.CreatedAt.IsZero() {
		wo.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (work_order_id, status, description, location_name, asset_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(work_order_id) DO UPDATE SET
			status = EXCLUDED.status,
			description = EXCLUDED.description,
			location_name = EXCLUDED.location_name,
			asset_id = EXCLUDED.asset_id,
			updated_at = EXCLUDED.updated_at`, s.opts.WorkOrderTable),
		wo.ID, wo.Status, wo.Description, wo.LocationName, wo.AssetID, wo.CreatedAt.UTC(), now)
	return err
}

func (s *PostgresStore) GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error) {
	var wo WorkOrder
	var performedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT work_order_id, status, description, location_name, asset_id,
		       safety_check_response, safety_check_performed_at, created_at, updated_at
		FROM %s WHERE work_order_id = $1`, s.opts.WorkOrderTable), id).
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

func (s *PostgresStore) ListWorkOrders(ctx context.Context, limit, offset int) ([]WorkOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT work_order_id, status, description, location_name, asset_id,
		       safety_check_response, safety_check_performed_at, created_at, updated_at
		FROM %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`, s.opts.WorkOrderTable),
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

func (s *PostgresStore) SaveSafetyCheck(ctx context.Context, rec *SafetyCheckRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO safety_checks (request_id, work_order_id, status, response, performed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(request_id) DO UPDATE SET
			status = EXCLUDED.status,
			response = EXCLUDED.response,
			performed_at = EXCLUDED.performed_at`,
		rec.RequestID, rec.WorkOrderID, rec.Status, rec.Response, rec.PerformedAt.UTC()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (work_order_id, safety_check_response, safety_check_performed_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT(work_order_id) DO UPDATE SET
			safety_check_response = EXCLUDED.safety_check_response,
			safety_check_performed_at = EXCLUDED.safety_check_performed_at,
			updated_at = NOW()`, s.opts.WorkOrderTable),
		rec.WorkOrderID, rec.Response, rec.PerformedAt.UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) ListSafetyChecks(ctx context.Context, workOrderID string) ([]SafetyCheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, work_order_id, status, response, performed_at
		FROM safety_checks WHERE work_order_id = $1 ORDER BY performed_at DESC`, workOrderID)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
