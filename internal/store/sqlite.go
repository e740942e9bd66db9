// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/tapgrid/tapgrid/internal/report"
)

const reportSchemaVersion = 1

// SqliteReports keeps report history in SQLite. Summary columns are
// broken out for queries; the full report tree is stored as JSON.
type SqliteReports struct {
	DB *sql.DB
}

func OpenSqliteReports(dbPath string) (*SqliteReports, error) {
	// The _pragma DSN parameters apply to every connection in the pool.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		dbPath, (5 * time.Second).Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SqliteReports{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("report store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteReports) Close() error { return s.DB.Close() }

func (s *SqliteReports) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= reportSchemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		queue_id TEXT NOT NULL,
		requester TEXT NOT NULL,
		test_name TEXT,
		status TEXT NOT NULL,
		passed INTEGER NOT NULL,
		total INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		completed_at_ms INTEGER NOT NULL,
		report_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_requester ON reports(requester, completed_at_ms);
	CREATE INDEX IF NOT EXISTS idx_reports_completed ON reports(completed_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", reportSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteReports) SaveReport(ctx context.Context, r *report.TestReport) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO reports (
		id, execution_id, queue_id, requester, test_name, status,
		passed, total, duration_ms, completed_at_ms, report_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		passed = excluded.passed,
		total = excluded.total,
		duration_ms = excluded.duration_ms,
		completed_at_ms = excluded.completed_at_ms,
		report_json = excluded.report_json
	`
	_, err = s.DB.ExecContext(ctx, query,
		r.ID, r.ExecutionID, r.QueueID, r.Requester, r.TestName, string(r.Status),
		r.Stats.Passed, r.Stats.Total, r.DurationMS, r.CompletedAt.UnixMilli(), buf,
	)
	return err
}

func (s *SqliteReports) GetReport(ctx context.Context, id string) (*report.TestReport, error) {
	var buf []byte
	err := s.DB.QueryRowContext(ctx, "SELECT report_json FROM reports WHERE id = ?", id).Scan(&buf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var r report.TestReport
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("report %s: corrupt json: %w", id, err)
	}
	return &r, nil
}

func (s *SqliteReports) ListReports(ctx context.Context, q ReportQuery) ([]report.Summary, error) {
	query := `SELECT id, execution_id, queue_id, requester, test_name, status, passed, total, duration_ms, completed_at_ms
		FROM reports WHERE 1=1`
	args := []any{}

	if q.Requester != "" {
		query += " AND requester = ?"
		args = append(args, q.Requester)
	}
	if !q.Since.IsZero() {
		query += " AND completed_at_ms >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	query += " ORDER BY completed_at_ms DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []report.Summary
	for rows.Next() {
		var sum report.Summary
		var status string
		var completedAt int64
		var testName sql.NullString
		if err := rows.Scan(
			&sum.ReportID, &sum.ExecutionID, &sum.QueueID, &sum.Requester, &testName,
			&status, &sum.SuccessCount, &sum.TotalCount, &sum.DurationMS, &completedAt,
		); err != nil {
			return nil, err
		}
		sum.TestName = testName.String
		sum.Success = report.Status(status) == report.StatusCompleted
		sum.CompletedAt = time.UnixMilli(completedAt).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

var _ ReportRepo = (*SqliteReports)(nil)
