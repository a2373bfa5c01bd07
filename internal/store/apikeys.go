package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"webrunner/internal/types"
)

// Auth errors returned by AuthenticateKey. An unknown key is unauthorized;
// a known key that is inactive or expired is forbidden.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrKeyExpired   = fmt.Errorf("api key expired: %w", ErrForbidden)
	ErrKeyInactive  = fmt.Errorf("api key inactive: %w", ErrForbidden)
)

// CreateAPIKey inserts a new API key for a user.
func (s *Store) CreateAPIKey(key *types.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO api_keys (key, user_id, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.Key, key.UserID, key.Active, nullableTime(key.ExpiresAt), key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// AuthenticateKey resolves an API key to its owner. The key must exist, be
// active, and be unexpired; a successful lookup updates last_used_at.
func (s *Store) AuthenticateKey(key string) (*types.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		"SELECT key, user_id, active, expires_at, last_used_at, created_at FROM api_keys WHERE key = ?", key)

	var k types.APIKey
	var expiresAt, lastUsedAt sql.NullTime
	err := row.Scan(&k.Key, &k.UserID, &k.Active, &expiresAt, &lastUsedAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	if expiresAt.Valid {
		ts := expiresAt.Time
		k.ExpiresAt = &ts
	}
	if lastUsedAt.Valid {
		ts := lastUsedAt.Time
		k.LastUsedAt = &ts
	}

	if !k.Active {
		return nil, ErrKeyInactive
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec("UPDATE api_keys SET last_used_at = ? WHERE key = ?", now, key); err != nil {
		// Touch failures never block authentication.
		return &k, nil
	}
	k.LastUsedAt = &now
	return &k, nil
}
