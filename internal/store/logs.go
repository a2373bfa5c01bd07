package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"webrunner/internal/types"

	"github.com/google/uuid"
)

// AppendLog writes one append-only log entry for a task.
func (s *Store) AppendLog(taskID, level, message string, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO task_logs (id, task_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, level, message, nullableJSON(metadata), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns a task's log entries, oldest first.
func (s *Store) ListLogs(taskID string) ([]*types.TaskLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, task_id, level, message, metadata, created_at
		FROM task_logs WHERE task_id = ?
		ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []*types.TaskLog
	for rows.Next() {
		var l types.TaskLog
		var metadata sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Level, &l.Message, &metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if metadata.Valid {
			l.Metadata = json.RawMessage(metadata.String)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
