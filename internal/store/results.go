package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"webrunner/internal/types"
)

// LatestResult returns the most recent result row for a task, or nil when
// the task has never produced one.
func (s *Store) LatestResult(taskID string) (*types.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, task_id, status, raw_data, normalized_data, processing_time_ms, error, created_at
		FROM task_results WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID)

	var r types.TaskResult
	var status string
	var raw, normalized sql.NullString
	var processingMs int64
	err := row.Scan(&r.ID, &r.TaskID, &status, &raw, &normalized, &processingMs, &r.Error, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	r.Status = types.TaskStatus(status)
	r.ProcessingTime = time.Duration(processingMs) * time.Millisecond
	if raw.Valid {
		r.RawData = json.RawMessage(raw.String)
	}
	if normalized.Valid {
		r.NormalizedData = json.RawMessage(normalized.String)
	}
	return &r, nil
}
