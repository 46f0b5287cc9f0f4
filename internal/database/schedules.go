package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScheduleRecord is one submitted schedule
type ScheduleRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // pipeline, data_settings
	Pipeline  string    `json:"pipeline,omitempty"`
	Input     string    `json:"input,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeRecord is the last known state of one node of a schedule
type NodeRecord struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id"`
	ParentID     string     `json:"parent_id,omitempty"`
	ChildKey     string     `json:"child_key,omitempty"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Results      string     `json:"results,omitempty"` // JSON object of result name to summary
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// InitSchedulesTables creates the schedule history tables
func (sqlm *SQLiteManager) InitSchedulesTables() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		kind TEXT CHECK(kind IN ('pipeline', 'data_settings')) NOT NULL,
		pipeline TEXT,
		input TEXT,
		status TEXT NOT NULL DEFAULT 'unstarted',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_created_at ON schedules(created_at);

	CREATE TABLE IF NOT EXISTS schedule_nodes (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		parent_id TEXT,
		child_key TEXT,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		results TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_nodes_schedule_id ON schedule_nodes(schedule_id);
	CREATE INDEX IF NOT EXISTS idx_schedule_nodes_status ON schedule_nodes(status);
	`

	if _, err := sqlm.db.Exec(createTableSQL); err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to create schedules tables: %v", err), "database")
		return err
	}
	return nil
}

// CreateSchedule records a new schedule
func (sqlm *SQLiteManager) CreateSchedule(ctx context.Context, s *ScheduleRecord) error {
	now := time.Now().UTC()
	if s.Status == "" {
		s.Status = "unstarted"
	}
	_, err := ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO schedules (id, kind, pipeline, input, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sqlm.logger, "database",
		s.ID, s.Kind, NullableString(s.Pipeline), NullableString(s.Input), s.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule %s: %w", s.ID, err)
	}
	s.CreatedAt, s.UpdatedAt = now, now
	return nil
}

// UpdateScheduleStatus sets a schedule's aggregate status
func (sqlm *SQLiteManager) UpdateScheduleStatus(ctx context.Context, id, status string) error {
	_, err := ExecWithAffectedRowsCheck(ctx, sqlm.db,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
		sqlm.logger, "database",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", id, err)
	}
	return nil
}

// UpsertNode stores the current state of a node
func (sqlm *SQLiteManager) UpsertNode(ctx context.Context, n *NodeRecord) error {
	now := time.Now().UTC()
	_, err := ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO schedule_nodes
			(id, schedule_id, parent_id, child_key, kind, status, error_message, results, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			results = excluded.results,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		sqlm.logger, "database",
		n.ID, n.ScheduleID, NullableString(n.ParentID), NullableString(n.ChildKey), n.Kind, n.Status,
		NullableString(n.ErrorMessage), NullableString(n.Results),
		NullableTime(n.StartedAt), NullableTime(n.FinishedAt), now,
	)
	if err != nil {
		return fmt.Errorf("failed to store node %s: %w", n.ID, err)
	}
	n.UpdatedAt = now
	return nil
}

func scanSchedule(scan func(dest ...any) error) (*ScheduleRecord, error) {
	var s ScheduleRecord
	var pipeline, input sql.NullString
	if err := scan(&s.ID, &s.Kind, &pipeline, &input, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Pipeline = ScanNullableString(pipeline)
	s.Input = ScanNullableString(input)
	return &s, nil
}

const scheduleColumns = `id, kind, pipeline, input, status, created_at, updated_at`

// GetSchedule returns a schedule, or nil when there is none with that id
func (sqlm *SQLiteManager) GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error) {
	return QueryRowSingle(ctx, sqlm.db,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`,
		func(row *sql.Row) (*ScheduleRecord, error) { return scanSchedule(row.Scan) },
		sqlm.logger, "database", id,
	)
}

// ListSchedules returns the most recent schedules first
func (sqlm *SQLiteManager) ListSchedules(ctx context.Context, limit int) ([]*ScheduleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return QueryRows(ctx, sqlm.db,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at DESC, id LIMIT ?`,
		func(rows *sql.Rows) (*ScheduleRecord, error) { return scanSchedule(rows.Scan) },
		sqlm.logger, "database", limit,
	)
}

// ListNodes returns the nodes of a schedule in the order they were first stored
func (sqlm *SQLiteManager) ListNodes(ctx context.Context, scheduleID string) ([]*NodeRecord, error) {
	return QueryRows(ctx, sqlm.db, `
		SELECT id, schedule_id, parent_id, child_key, kind, status, error_message, results, started_at, finished_at, updated_at
		FROM schedule_nodes WHERE schedule_id = ? ORDER BY rowid`,
		func(rows *sql.Rows) (*NodeRecord, error) {
			var n NodeRecord
			var parentID, childKey, errMsg, results sql.NullString
			var started, finished sql.NullTime
			if err := rows.Scan(&n.ID, &n.ScheduleID, &parentID, &childKey, &n.Kind, &n.Status,
				&errMsg, &results, &started, &finished, &n.UpdatedAt); err != nil {
				return nil, err
			}
			n.ParentID = ScanNullableString(parentID)
			n.ChildKey = ScanNullableString(childKey)
			n.ErrorMessage = ScanNullableString(errMsg)
			n.Results = ScanNullableString(results)
			n.StartedAt = ScanNullableTime(started)
			n.FinishedAt = ScanNullableTime(finished)
			return &n, nil
		},
		sqlm.logger, "database", scheduleID,
	)
}

// DeleteSchedule removes a schedule and its nodes
func (sqlm *SQLiteManager) DeleteSchedule(ctx context.Context, id string) error {
	_, err := ExecWithAffectedRowsCheck(ctx, sqlm.db, `DELETE FROM schedules WHERE id = ?`, sqlm.logger, "database", id)
	return err
}

// MarkInterrupted sets every schedule and node left non-terminal by an earlier
// process to stopped
func (sqlm *SQLiteManager) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if _, err := ExecWithLogging(ctx, sqlm.db,
		`UPDATE schedule_nodes SET status = 'stopped', updated_at = ? WHERE status NOT IN ('success', 'failed', 'stopped')`,
		sqlm.logger, "database", now); err != nil {
		return 0, err
	}
	result, err := ExecWithLogging(ctx, sqlm.db,
		`UPDATE schedules SET status = 'stopped', updated_at = ? WHERE status NOT IN ('success', 'failed', 'stopped')`,
		sqlm.logger, "database", now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
