package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"webrunner/internal/logging"
	"webrunner/internal/types"

	"github.com/google/uuid"
)

// taskColumns is the column list shared by every task query.
const taskColumns = `id, user_id, name, description, url, status, config,
	scheduled_for, last_error, created_at, updated_at, completed_at`

// updatableTaskFields is the allow-list for UpdateTask. Anything else in
// the incoming field map is silently dropped.
var updatableTaskFields = map[string]bool{
	"name":          true,
	"description":   true,
	"url":           true,
	"status":        true,
	"config":        true,
	"scheduled_for": true,
}

// CreateTask validates required fields and inserts a pending task.
func (s *Store) CreateTask(t *types.Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.TrimSpace(t.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = types.StatusPending
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, user_id, name, description, url, status, config, scheduled_for, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		t.ID, t.UserID, t.Name, t.Description, t.URL, string(t.Status), string(cfg),
		nullableTime(t.ScheduledFor), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	logging.Tasks("task created: %s (%s)", t.ID, t.Name)
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns tasks newest-first, filtered by owner and optionally by
// status. Empty userID returns every task.
func (s *Store) ListTasks(userID string, status types.TaskStatus) ([]*types.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var conds []string
	var args []interface{}
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTask applies the allow-listed fields and bumps updated_at. Unknown
// keys are dropped without error. Returns the updated row.
func (s *Store) UpdateTask(id string, fields map[string]interface{}) (*types.Task, error) {
	var sets []string
	var args []interface{}

	for key, value := range fields {
		if !updatableTaskFields[key] {
			continue
		}
		normalized, err := normalizeTaskField(key, value)
		if err != nil {
			return nil, err
		}
		sets = append(sets, key+" = ?")
		args = append(args, normalized)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	s.mu.Lock()
	res, err := s.db.Exec("UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return s.GetTask(id)
}

// normalizeTaskField converts an update value into its column form.
func normalizeTaskField(key string, value interface{}) (interface{}, error) {
	switch key {
	case "config":
		switch v := value.(type) {
		case types.TaskConfig:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal config: %w", err)
			}
			return string(data), nil
		case string:
			return v, nil
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal config: %w", err)
			}
			return string(data), nil
		}
	case "status":
		switch v := value.(type) {
		case types.TaskStatus:
			return string(v), nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	case "scheduled_for":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case time.Time:
			return v.UTC(), nil
		case *time.Time:
			return nullableTime(v), nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid scheduled_for %q", ErrValidation, v)
			}
			return t.UTC(), nil
		default:
			return nil, fmt.Errorf("%w: invalid scheduled_for", ErrValidation)
		}
	default:
		return value, nil
	}
}

// DeleteTask removes the task and cascades to its results and logs.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM task_logs WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM task_results WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete task results: %w", err)
	}
	res, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	logging.Tasks("task deleted: %s", id)
	return nil
}

// DuePendingTasks returns pending tasks whose scheduled time, if any, has
// passed. Unscheduled tasks sort before scheduled ones. limit <= 0 means
// unlimited.
func (s *Store) DuePendingTasks(now time.Time, limit int) ([]*types.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY (scheduled_for IS NOT NULL), scheduled_for ASC`
	args := []interface{}{now.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ClaimTask flips a task from pending to running in a single statement.
// Returns false when the task is missing or no longer pending, which closes
// the read-then-execute double-pickup window.
func (s *Store) ClaimTask(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'",
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// MarkRunning unconditionally moves a task to running. Used by the direct
// execute path, where a claim may already have happened.
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishTask atomically records a task result and the matching terminal
// task status. Either both land or neither does.
func (s *Store) FinishTask(result *types.TaskResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	result.CreatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO task_results (id, task_id, status, raw_data, normalized_data, processing_time_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.TaskID, string(result.Status),
		nullableJSON(result.RawData), nullableJSON(result.NormalizedData),
		result.ProcessingTime.Milliseconds(), result.Error, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	_, err = tx.Exec(
		"UPDATE tasks SET status = ?, last_error = ?, completed_at = ?, updated_at = ? WHERE id = ?",
		string(result.Status), result.Error, now, now, result.TaskID)
	if err != nil {
		return fmt.Errorf("update task terminal status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	logging.Tasks("task %s finished: %s (%dms)", result.TaskID, result.Status, result.ProcessingTime.Milliseconds())
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var status, config string
	var scheduledFor, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Description, &t.URL, &status, &config,
		&scheduledFor, &t.LastError, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = types.TaskStatus(status)
	if err := json.Unmarshal([]byte(config), &t.Config); err != nil {
		return nil, fmt.Errorf("decode task config: %w", err)
	}
	if scheduledFor.Valid {
		ts := scheduledFor.Time
		t.ScheduledFor = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
