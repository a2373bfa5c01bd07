package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"webrunner/internal/types"

	"github.com/google/uuid"
)

// credentialKey derives the at-rest encryption key from the environment.
// Key rotation and external key management are out of scope here.
func credentialKey() []byte {
	secret := os.Getenv("WEBRUNNER_CRED_KEY")
	if secret == "" {
		secret = "webrunner-default-credential-key"
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func sealPassword(plain string) (string, error) {
	block, err := aes.NewCipher(credentialKey())
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func openPassword(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(credentialKey())
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed credential too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// UpsertCredential stores a credential for a domain, replacing any existing
// row. The password is encrypted at rest.
func (s *Store) UpsertCredential(c *types.Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	sealed, err := sealPassword(c.Password)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}
	extra, err := json.Marshal(c.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO credentials (id, domain, username, password, extra, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			username = excluded.username,
			password = excluded.password,
			extra = excluded.extra`,
		c.ID, c.Domain, c.Username, sealed, string(extra), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential loads and decrypts the credential for a domain.
func (s *Store) GetCredential(domain string) (*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT id, domain, username, password, extra, created_at FROM credentials WHERE domain = ?", domain)

	var c types.Credential
	var sealed, extra string
	err := row.Scan(&c.ID, &c.Domain, &c.Username, &sealed, &extra, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credential for %s: %w", domain, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.Password, err = openPassword(sealed)
	if err != nil {
		return nil, fmt.Errorf("open password: %w", err)
	}
	if err := json.Unmarshal([]byte(extra), &c.Extra); err != nil {
		return nil, fmt.Errorf("decode extra: %w", err)
	}
	return &c, nil
}
