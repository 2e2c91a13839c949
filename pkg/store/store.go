// Package store persists export schedules and their run history in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Register SQLite driver

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

// ErrNotFound is returned when a schedule or run does not exist
var ErrNotFound = errors.New("not found")

const sqliteTimeLayout = "2006-01-02 15:04:05"

// parseTimestamp accepts the layouts SQLite hands back for DATETIME
// columns written either by us or by CURRENT_TIMESTAMP.
func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	formats := []string{
		sqliteTimeLayout,
		"2006-01-02 15:04:05 -0700 MST",
		"2006-01-02 15:04:05 -0700",
		time.RFC3339Nano,
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return &t
		}
	}
	logger.Warn("Failed to parse timestamp", zap.String("value", s))
	return nil
}

func formatTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// Store handles database operations
type Store struct {
	db     *sql.DB
	writes *writer
	log    *zap.Logger
}

// NewStore opens (or creates) the database at dbPath and runs migrations
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return openStore(db, dbPath)
}

// openStore prepares db and takes ownership of it. db is closed if any
// setup step fails.
func openStore(db *sql.DB, dbPath string) (*Store, error) {
	s := &Store{db: db, log: logger.Named("store")}
	if err := s.setup(); err != nil {
		if cerr := db.Close(); cerr != nil {
			s.log.Warn("failed to close database after setup error", zap.Error(cerr))
		}
		return nil, err
	}
	s.writes = startWriter(s.log, 100)
	s.log.Info("SQLite store ready", zap.String("path", dbPath))
	return s, nil
}

func (s *Store) setup() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets readers proceed while the single writer holds the lock
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			target TEXT NOT NULL,
			interval_type TEXT NOT NULL DEFAULT '',
			cron_expr TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			recipients TEXT NOT NULL,
			email_subject TEXT NOT NULL DEFAULT '',
			email_body TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run_at ON schedules(next_run_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			status TEXT NOT NULL,
			error_text TEXT,
			bytes INTEGER NOT NULL DEFAULT 0,
			checksum TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_schedule_id ON runs(schedule_id)`,
		`ALTER TABLE runs ADD COLUMN email_sent INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN email_error TEXT`,
		`ALTER TABLE runs ADD COLUMN mode TEXT NOT NULL DEFAULT 'full'`,
		`ALTER TABLE runs ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE runs ADD COLUMN documents INTEGER NOT NULL DEFAULT 0`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			// re-running ALTER TABLE on an existing database
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
	}
	return nil
}

// CreateSchedule inserts a schedule on the writer goroutine
func (s *Store) CreateSchedule(schedule *model.Schedule) error {
	return s.writes.do("create_schedule", func() error { return s.createScheduleDirect(schedule) })
}

func (s *Store) createScheduleDirect(schedule *model.Schedule) error {
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	result, err := s.db.Exec(`
		INSERT INTO schedules (
			name, target, interval_type, cron_expr, timezone, recipients,
			email_subject, email_body, enabled, next_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.Name, schedule.Target, schedule.IntervalType, schedule.CronExpr,
		schedule.Timezone, schedule.Recipients, schedule.EmailSubject, schedule.EmailBody,
		schedule.Enabled, formatTimestamp(schedule.NextRunAt),
		now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout),
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	schedule.ID = id
	return nil
}

const scheduleColumns = `id, name, target, interval_type, cron_expr, timezone, recipients,
	email_subject, email_body, enabled, last_run_at, next_run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	schedule := &model.Schedule{}
	var lastRunAt, nextRunAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&schedule.ID, &schedule.Name, &schedule.Target, &schedule.IntervalType,
		&schedule.CronExpr, &schedule.Timezone, &schedule.Recipients,
		&schedule.EmailSubject, &schedule.EmailBody, &schedule.Enabled,
		&lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		schedule.LastRunAt = parseTimestamp(lastRunAt.String)
	}
	if nextRunAt.Valid {
		schedule.NextRunAt = parseTimestamp(nextRunAt.String)
	}
	if t := parseTimestamp(createdAt); t != nil {
		schedule.CreatedAt = *t
	}
	if t := parseTimestamp(updatedAt); t != nil {
		schedule.UpdatedAt = *t
	}
	return schedule, nil
}

// GetSchedule retrieves a schedule by ID
func (s *Store) GetSchedule(id int64) (*model.Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return schedule, err
}

// ListSchedules returns all schedules, newest first
func (s *Store) ListSchedules() ([]*model.Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at DESC, id DESC`)
}

// GetDueSchedules returns enabled schedules whose next run is due (or unset)
func (s *Store) GetDueSchedules(now time.Time) ([]*model.Schedule, error) {
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR datetime(next_run_at) <= datetime(?))
		ORDER BY id`, now.UTC().Format(sqliteTimeLayout))
}

func (s *Store) querySchedules(query string, args ...interface{}) ([]*model.Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make([]*model.Schedule, 0)
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// UpdateSchedule updates a schedule on the writer goroutine
func (s *Store) UpdateSchedule(schedule *model.Schedule) error {
	return s.writes.do("update_schedule", func() error { return s.updateScheduleDirect(schedule) })
}

func (s *Store) updateScheduleDirect(schedule *model.Schedule) error {
	schedule.UpdatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE schedules SET
			name = ?, target = ?, interval_type = ?, cron_expr = ?, timezone = ?,
			recipients = ?, email_subject = ?, email_body = ?, enabled = ?,
			last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		schedule.Name, schedule.Target, schedule.IntervalType, schedule.CronExpr,
		schedule.Timezone, schedule.Recipients, schedule.EmailSubject, schedule.EmailBody,
		schedule.Enabled, formatTimestamp(schedule.LastRunAt), formatTimestamp(schedule.NextRunAt),
		schedule.UpdatedAt.Format(sqliteTimeLayout), schedule.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, "schedule", schedule.ID)
}

// DeleteSchedule removes a schedule and, by cascade, its runs
func (s *Store) DeleteSchedule(id int64) error {
	return s.writes.do("delete_schedule", func() error { return s.deleteScheduleDirect(id) })
}

func (s *Store) deleteScheduleDirect(id int64) error {
	result, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectAffected(result, "schedule", id)
}

func expectAffected(result sql.Result, kind string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// CreateRun inserts a run record on the writer goroutine
func (s *Store) CreateRun(run *model.Run) error {
	return s.writes.do("create_run", func() error { return s.createRunDirect(run) })
}

func (s *Store) createRunDirect(run *model.Run) error {
	run.CreatedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO runs (schedule_id, started_at, status, mode, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ScheduleID, run.StartedAt.UTC().Format(sqliteTimeLayout), run.Status, string(run.Mode),
		run.CreatedAt.Format(sqliteTimeLayout),
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// UpdateRun updates a run record on the writer goroutine
func (s *Store) UpdateRun(run *model.Run) error {
	return s.writes.do("update_run", func() error { return s.updateRunDirect(run) })
}

func (s *Store) updateRunDirect(run *model.Run) error {
	result, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?, status = ?, error_text = ?, bytes = ?, checksum = ?,
			email_sent = ?, email_error = ?, mode = ?, attempts = ?, documents = ?
		WHERE id = ?`,
		formatTimestamp(run.FinishedAt), run.Status, run.ErrorText, run.Bytes, run.Checksum,
		run.EmailSent, run.EmailError, string(run.Mode), run.Attempts, run.Documents, run.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result, "run", run.ID)
}

// ListRuns returns the 50 most recent runs of a schedule
func (s *Store) ListRuns(scheduleID int64) ([]*model.Run, error) {
	rows, err := s.db.Query(`
		SELECT id, schedule_id, started_at, finished_at, status, error_text, bytes,
		       checksum, email_sent, email_error, mode, attempts, documents, created_at
		FROM runs WHERE schedule_id = ? ORDER BY started_at DESC, id DESC LIMIT 50`,
		scheduleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*model.Run, 0)
	for rows.Next() {
		run := &model.Run{}
		var startedAt, createdAt, mode string
		var finishedAt, errorText, checksum, emailError sql.NullString
		if err := rows.Scan(
			&run.ID, &run.ScheduleID, &startedAt, &finishedAt, &run.Status, &errorText,
			&run.Bytes, &checksum, &run.EmailSent, &emailError, &mode, &run.Attempts,
			&run.Documents, &createdAt,
		); err != nil {
			return nil, err
		}
		if t := parseTimestamp(startedAt); t != nil {
			run.StartedAt = *t
		}
		if t := parseTimestamp(createdAt); t != nil {
			run.CreatedAt = *t
		}
		if finishedAt.Valid {
			run.FinishedAt = parseTimestamp(finishedAt.String)
		}
		run.ErrorText = errorText.String
		run.Checksum = checksum.String
		run.EmailError = emailError.String
		run.Mode = model.ExportMode(mode)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close finishes pending writes, then closes the database
func (s *Store) Close() error {
	if s.writes != nil {
		s.writes.stop()
	}
	return s.db.Close()
}
