package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"webrunner/internal/types"
)

// SaveSession upserts the browser session snapshot for a domain. The
// previous snapshot, if any, is replaced wholesale.
func (s *Store) SaveSession(data *types.SessionData) error {
	cookies := data.Cookies
	if len(cookies) == 0 {
		cookies = json.RawMessage("[]")
	}
	storage, err := json.Marshal(data.LocalStorage)
	if err != nil {
		return fmt.Errorf("marshal local storage: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO browser_sessions (domain, cookies, local_storage, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			cookies = excluded.cookies,
			local_storage = excluded.local_storage,
			updated_at = excluded.updated_at`,
		data.Domain, string(cookies), string(storage), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the snapshot for a domain, or nil when none exists.
func (s *Store) LoadSession(domain string) (*types.SessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT domain, cookies, local_storage, updated_at FROM browser_sessions WHERE domain = ?", domain)

	var data types.SessionData
	var cookies, storage string
	err := row.Scan(&data.Domain, &cookies, &storage, &data.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	data.Cookies = json.RawMessage(cookies)
	if err := json.Unmarshal([]byte(storage), &data.LocalStorage); err != nil {
		return nil, fmt.Errorf("decode local storage: %w", err)
	}
	return &data, nil
}
