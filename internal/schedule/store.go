package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/HyphaGroup/diagd/internal/session"
	"github.com/HyphaGroup/diagd/internal/validation"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrDuplicateName    = errors.New("schedule name already in use")
)

// Store handles schedule persistence. The database lives on shared storage so
// every instance sees the same schedules.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "schedules.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		cron_expr TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		tool TEXT NOT NULL,
		diagnosers TEXT NOT NULL DEFAULT '[]',
		tool_params TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		instances TEXT NOT NULL DEFAULT '[]',
		mode TEXT NOT NULL DEFAULT '',
		window_ns INTEGER NOT NULL DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_run_at INTEGER,
		next_run_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		instance TEXT NOT NULL,
		scheduled_for INTEGER NOT NULL,
		executed_at INTEGER NOT NULL,
		manual INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// validate checks the fields a schedule needs before it can be stored
func validate(sched *Schedule) error {
	if err := validation.ValidateName("schedule", sched.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := ValidateCron(sched.CronExpr); err != nil {
		return err
	}
	if strings.TrimSpace(sched.Tool) == "" {
		return fmt.Errorf("%w: tool is required", ErrInvalidSchedule)
	}
	switch sched.Mode {
	case "", session.ModeCollectAndAnalyze, session.ModeCollectOnly:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSchedule, sched.Mode)
	}
	if sched.Window < 0 {
		return fmt.Errorf("%w: window must not be negative", ErrInvalidSchedule)
	}
	if err := validation.ValidateNames("instance", sched.Instances); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

// Create stores a new schedule and computes its first run
func (s *Store) Create(ctx context.Context, sched *Schedule) error {
	if err := validate(sched); err != nil {
		return err
	}

	if sched.ID == "" {
		sched.ID = "sched_" + uuid.New().String()[:8]
	}
	now := s.now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.NextRunAt = nil
	if sched.Enabled {
		next, err := NextRun(sched.CronExpr, now)
		if err != nil {
			return err
		}
		sched.NextRunAt = &next
	}

	diagnosers, instances, labels, err := encodeLists(sched.Diagnosers, sched.Instances, sched.Labels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, enabled, tool, diagnosers, tool_params, description,
		                       instances, mode, window_ns, labels, created_by, created_at, updated_at,
		                       last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.CronExpr, boolInt(sched.Enabled), sched.Tool, diagnosers,
		sched.ToolParams, sched.Description, instances, string(sched.Mode), int64(sched.Window), labels,
		sched.CreatedBy, now.UnixNano(), now.UnixNano(), nullUnix(sched.LastRunAt), nullUnix(sched.NextRunAt),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, sched.Name)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, name, cron_expr, enabled, tool, diagnosers, tool_params, description,
	instances, mode, window_ns, labels, created_by, created_at, updated_at, last_run_at, next_run_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched                        Schedule
		enabled                      int
		mode                         string
		window, created, updated     int64
		diagnosers, instances, label string
		lastRun, nextRun             sql.NullInt64
	)
	if err := row.Scan(
		&sched.ID, &sched.Name, &sched.CronExpr, &enabled, &sched.Tool, &diagnosers,
		&sched.ToolParams, &sched.Description, &instances, &mode, &window, &label,
		&sched.CreatedBy, &created, &updated, &lastRun, &nextRun,
	); err != nil {
		return nil, err
	}

	sched.Enabled = enabled != 0
	sched.Mode = session.Mode(mode)
	sched.Window = time.Duration(window)
	sched.CreatedAt = time.Unix(0, created).UTC()
	sched.UpdatedAt = time.Unix(0, updated).UTC()
	sched.LastRunAt = fromNullUnix(lastRun)
	sched.NextRunAt = fromNullUnix(nextRun)

	if err := json.Unmarshal([]byte(diagnosers), &sched.Diagnosers); err != nil {
		return nil, fmt.Errorf("schedule %s: bad diagnosers: %w", sched.ID, err)
	}
	if err := json.Unmarshal([]byte(instances), &sched.Instances); err != nil {
		return nil, fmt.Errorf("schedule %s: bad instances: %w", sched.ID, err)
	}
	if err := json.Unmarshal([]byte(label), &sched.Labels); err != nil {
		return nil, fmt.Errorf("schedule %s: bad labels: %w", sched.ID, err)
	}
	return &sched, nil
}

// Get retrieves a schedule by ID or name
func (s *Store) Get(ctx context.Context, idOrName string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ? OR name = ?`, idOrName, idOrName)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return sched, nil
}

// List returns schedules matching the filter, by name
func (s *Store) List(ctx context.Context, filter *ListFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var conditions []string
	var args []any

	if filter != nil {
		if filter.Enabled != nil {
			conditions = append(conditions, "enabled = ?")
			args = append(args, boolInt(*filter.Enabled))
		}
		if filter.Tool != "" {
			conditions = append(conditions, "tool = ? COLLATE NOCASE")
			args = append(args, filter.Tool)
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name"

	return s.query(ctx, query, args...)
}

// ListDue returns enabled schedules whose next run is at or before now
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now.UnixNano())
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// Update applies partial updates to a schedule. Changing the cron expression
// or re-enabling a schedule recomputes its next run.
func (s *Store) Update(ctx context.Context, idOrName string, update *ScheduleUpdate) (*Schedule, error) {
	sched, err := s.Get(ctx, idOrName)
	if err != nil {
		return nil, err
	}

	reschedule := false
	if update.CronExpr != nil && *update.CronExpr != sched.CronExpr {
		sched.CronExpr = *update.CronExpr
		reschedule = true
	}
	if update.Enabled != nil && *update.Enabled != sched.Enabled {
		sched.Enabled = *update.Enabled
		reschedule = true
	}
	if update.Description != nil {
		sched.Description = *update.Description
	}
	if update.ToolParams != nil {
		sched.ToolParams = *update.ToolParams
	}
	if update.Window != nil {
		sched.Window = *update.Window
	}
	if update.Instances != nil {
		sched.Instances = update.Instances
	}
	if update.Labels != nil {
		sched.Labels = update.Labels
	}
	if err := validate(sched); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sched.UpdatedAt = now
	if reschedule {
		sched.NextRunAt = nil
		if sched.Enabled {
			next, err := NextRun(sched.CronExpr, now)
			if err != nil {
				return nil, err
			}
			sched.NextRunAt = &next
		}
	}

	_, instances, labels, err := encodeLists(nil, sched.Instances, sched.Labels)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET cron_expr = ?, enabled = ?, description = ?, tool_params = ?, window_ns = ?,
		                     instances = ?, labels = ?, updated_at = ?, next_run_at = ?
		WHERE id = ?`,
		sched.CronExpr, boolInt(sched.Enabled), sched.Description, sched.ToolParams, int64(sched.Window),
		instances, labels, now.UnixNano(), nullUnix(sched.NextRunAt), sched.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrScheduleNotFound
	}
	return sched, nil
}

// Delete removes a schedule and its execution history
func (s *Store) Delete(ctx context.Context, idOrName string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ? OR name = ?", idOrName, idOrName)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// Claim moves a due schedule's next run from due to next. It reports false
// when another instance already claimed this run.
func (s *Store) Claim(ctx context.Context, id string, due, ranAt, next time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_run_at = ?`,
		ranAt.UnixNano(), next.UnixNano(), s.now().UnixNano(), id, due.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule run: %w", err)
	}
	return rows == 1, nil
}

// RecordExecution appends to a schedule's execution history
func (s *Store) RecordExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.New().String()[:8]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, schedule_id, session_id, instance, scheduled_for, executed_at,
		                        manual, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduleID, exec.SessionID, exec.Instance, exec.ScheduledFor.UnixNano(),
		exec.ExecutedAt.UnixNano(), boolInt(exec.Manual), string(exec.Status), exec.Error, exec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns a schedule's most recent executions, newest first
func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, session_id, instance, scheduled_for, executed_at, manual, status, error, duration_ms
		FROM executions WHERE schedule_id = ?
		ORDER BY executed_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*Execution
	for rows.Next() {
		var (
			e                  Execution
			scheduled, started int64
			manual             int
			status             string
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.SessionID, &e.Instance, &scheduled, &started,
			&manual, &status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.ScheduledFor = time.Unix(0, scheduled).UTC()
		e.ExecutedAt = time.Unix(0, started).UTC()
		e.Manual = manual != 0
		e.Status = ExecutionStatus(status)
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func encodeLists(diagnosers, instances []string, labels map[string]string) (string, string, string, error) {
	if diagnosers == nil {
		diagnosers = []string{}
	}
	if instances == nil {
		instances = []string{}
	}
	if labels == nil {
		labels = map[string]string{}
	}
	d, err := json.Marshal(diagnosers)
	if err != nil {
		return "", "", "", err
	}
	i, err := json.Marshal(instances)
	if err != nil {
		return "", "", "", err
	}
	l, err := json.Marshal(labels)
	if err != nil {
		return "", "", "", err
	}
	return string(d), string(i), string(l), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}
