package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/fieldgrid/otlink/config"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the connection record database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ot_connections (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL,
		config JSON NOT NULL,
		status TEXT NOT NULL DEFAULT 'inactive',
		last_tested_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ot_connections_protocol ON ot_connections(protocol);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConnection inserts a new record. A missing id is generated.
func (s *SQLiteStore) CreateConnection(ctx context.Context, record ConnectionRecord) (ConnectionRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = StatusInactive
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ot_connections (id, org_id, name, protocol, config, status, last_error, latency_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.OrgID, record.Name, string(record.Protocol), []byte(record.Config),
		string(record.Status), record.LastError, record.LatencyMs, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("insert connection: %w", err)
	}
	return record, nil
}

// GetConnection loads one record by id.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (ConnectionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, protocol, config, status, last_tested_at, last_error, latency_ms, created_at, updated_at
		FROM ot_connections WHERE id = ?
	`, id)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return ConnectionRecord{}, ErrNotFound
	}
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("query connection %s: %w", id, err)
	}
	return record, nil
}

// DeleteConnection removes a record by id.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ot_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOTConnections returns every record whose protocol belongs to the OT
// class, in creation order.
func (s *SQLiteStore) ListOTConnections(ctx context.Context) ([]ConnectionRecord, error) {
	placeholders := make([]string, len(config.OTProtocols))
	args := make([]any, len(config.OTProtocols))
	for i, protocol := range config.OTProtocols {
		placeholders[i] = "?"
		args[i] = string(protocol)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, org_id, name, protocol, config, status, last_tested_at, last_error, latency_ms, created_at, updated_at
		FROM ot_connections WHERE protocol IN (%s)
		ORDER BY created_at, id
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var records []ConnectionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateConnectionStatus persists a probe outcome. The write happens every
// sweep even when the status is unchanged so last_tested_at stays fresh.
func (s *SQLiteStore) UpdateConnectionStatus(ctx context.Context, id string, update StatusUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ot_connections
		SET status = ?, last_tested_at = ?, last_error = ?, latency_ms = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(update.Status), update.LastTestedAt.UTC(), update.LastError, update.LatencyMs, id)
	if err != nil {
		return fmt.Errorf("update connection %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (ConnectionRecord, error) {
	var (
		record       ConnectionRecord
		protocol     string
		status       string
		cfg          []byte
		lastTestedAt sql.NullTime
	)
	err := row.Scan(&record.ID, &record.OrgID, &record.Name, &protocol, &cfg, &status,
		&lastTestedAt, &record.LastError, &record.LatencyMs, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return ConnectionRecord{}, err
	}
	record.Protocol = config.Protocol(protocol)
	record.Status = Status(status)
	record.Config = cfg
	if lastTestedAt.Valid {
		record.LastTestedAt = lastTestedAt.Time
	}
	return record, nil
}
