// Package repository persists wafer, tray, and process-log records in
// SQLite and archives aged process logs into month-stamped JSON files.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"icc.tech/labcell/internal/core"
)

// WaferRecord tracks one wafer's location and processing state.
type WaferRecord struct {
	ID        int64     `json:"id"`
	WaferID   string    `json:"wafer_id"`
	TrayID    string    `json:"tray_id"`
	SlotIndex int       `json:"slot_index"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrayRecord tracks a physical tray.
type TrayRecord struct {
	ID        int64     `json:"id"`
	TrayID    string    `json:"tray_id"`
	TrayType  string    `json:"tray_type"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessLogRecord is one processing event.
type ProcessLogRecord struct {
	ID          int64     `json:"id"`
	WaferID     string    `json:"wafer_id"`
	RobotID     string    `json:"robot_id"`
	ProcessType string    `json:"process_type"`
	CycleNumber int       `json:"cycle_number"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("open database %q", path), err)
	}
	// SQLite handles one writer; serialise access through a single conn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS wafers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wafer_id TEXT NOT NULL UNIQUE,
	tray_id TEXT NOT NULL,
	slot_index INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'staged',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS trays (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tray_id TEXT NOT NULL UNIQUE,
	tray_type TEXT NOT NULL,
	capacity INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS process_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	wafer_id TEXT NOT NULL,
	robot_id TEXT NOT NULL,
	process_type TEXT NOT NULL,
	cycle_number INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_logs_created ON process_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_wafers_tray ON wafers(tray_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return core.NewConfigurationError("schema migration failed", err)
	}
	return nil
}

// CreateWafer inserts a wafer record.
func (s *Store) CreateWafer(ctx context.Context, w *WaferRecord) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wafers (wafer_id, tray_id, slot_index, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.WaferID, w.TrayID, w.SlotIndex, w.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert wafer: %w", err)
	}
	w.ID, _ = res.LastInsertId()
	w.CreatedAt, w.UpdatedAt = now, now
	return nil
}

// GetWafer fetches a wafer by its external id.
func (s *Store) GetWafer(ctx context.Context, waferID string) (*WaferRecord, error) {
	var w WaferRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, wafer_id, tray_id, slot_index, status, created_at, updated_at
		 FROM wafers WHERE wafer_id = ?`, waferID).
		Scan(&w.ID, &w.WaferID, &w.TrayID, &w.SlotIndex, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wafer: %w", err)
	}
	return &w, nil
}

// UpdateWaferStatus moves a wafer to a new status and/or tray slot.
func (s *Store) UpdateWaferStatus(ctx context.Context, waferID, status, trayID string, slot int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wafers SET status = ?, tray_id = ?, slot_index = ?, updated_at = ? WHERE wafer_id = ?`,
		status, trayID, slot, time.Now().UTC(), waferID)
	if err != nil {
		return fmt.Errorf("update wafer: %w", err)
	}
	return nil
}

// ListWafersByTray returns wafers on a tray ordered by slot.
func (s *Store) ListWafersByTray(ctx context.Context, trayID string) ([]WaferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, wafer_id, tray_id, slot_index, status, created_at, updated_at
		 FROM wafers WHERE tray_id = ? ORDER BY slot_index`, trayID)
	if err != nil {
		return nil, fmt.Errorf("list wafers: %w", err)
	}
	defer rows.Close()
	var out []WaferRecord
	for rows.Next() {
		var w WaferRecord
		if err := rows.Scan(&w.ID, &w.WaferID, &w.TrayID, &w.SlotIndex, &w.Status,
			&w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateTray inserts a tray record.
func (s *Store) CreateTray(ctx context.Context, t *TrayRecord) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trays (tray_id, tray_type, capacity, created_at) VALUES (?, ?, ?, ?)`,
		t.TrayID, t.TrayType, t.Capacity, now)
	if err != nil {
		return fmt.Errorf("insert tray: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	t.CreatedAt = now
	return nil
}

// AddProcessLog inserts one processing event.
func (s *Store) AddProcessLog(ctx context.Context, l *ProcessLogRecord) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO process_logs (wafer_id, robot_id, process_type, cycle_number, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		l.WaferID, l.RobotID, l.ProcessType, l.CycleNumber, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert process log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ProcessLogCount returns the number of stored process logs.
func (s *Store) ProcessLogCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_logs`).Scan(&n)
	return n, err
}

// processLogsBefore returns logs older than cutoff, oldest first, capped
// at limit.
func (s *Store) processLogsBefore(ctx context.Context, cutoff time.Time, limit int) ([]ProcessLogRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, wafer_id, robot_id, process_type, cycle_number, created_at
		 FROM process_logs WHERE created_at < ? ORDER BY created_at LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select old logs: %w", err)
	}
	defer rows.Close()
	var out []ProcessLogRecord
	for rows.Next() {
		var l ProcessLogRecord
		if err := rows.Scan(&l.ID, &l.WaferID, &l.RobotID, &l.ProcessType,
			&l.CycleNumber, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// deleteProcessLogs removes logs by id in one statement.
func (s *Store) deleteProcessLogs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM process_logs WHERE id IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete archived logs: %w", err)
	}
	return nil
}
