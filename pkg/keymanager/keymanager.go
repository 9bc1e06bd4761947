// Package keymanager stores caller API keys in Redis. Keys are addressed by
// the SHA-256 of their plaintext; the plaintext is only returned on creation.
package keymanager

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ngoyal88/meterproxy/pkg/cache"
	"github.com/ngoyal88/meterproxy/pkg/hash"
)

const keyPrefix = "mp_"

// ErrKeyNotFound is returned for unknown, revoked or expired keys.
var ErrKeyNotFound = errors.New("api key not found")

// Key is the stored identity record of an API key.
type Key struct {
	KeyHash     string     `json:"key_hash"`
	KeyPrefix   string     `json:"key_prefix"`
	Name        string     `json:"name"`
	UserID      string     `json:"user_id"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Valid reports whether the key may authenticate at now.
func (k *Key) Valid(now time.Time) bool {
	if !k.Active {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Manager handles API key operations
type Manager struct {
	rdb *cache.Client
	now func() time.Time
}

// New creates a new key manager
func New(rdb *cache.Client) *Manager {
	return &Manager{rdb: rdb, now: time.Now}
}

func recordKey(keyHash string) string {
	return fmt.Sprintf("apikey:%s", keyHash)
}

func userIndex(userID string) string {
	return fmt.Sprintf("user:%s:keys", userID)
}

// CreateKey generates a new API key and returns its plaintext together with
// the stored record.
func (m *Manager) CreateKey(ctx context.Context, name, userID, description string, expiresIn *time.Duration) (string, *Key, error) {
	if userID == "" {
		return "", nil, errors.New("user id is required")
	}

	plaintext, err := generateSecureKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}

	now := m.now().UTC()
	var expiresAt *time.Time
	if expiresIn != nil {
		exp := now.Add(*expiresIn)
		expiresAt = &exp
	}

	key := &Key{
		KeyHash:     hash.DigestString(plaintext),
		KeyPrefix:   plaintext[:len(keyPrefix)+6],
		Name:        name,
		UserID:      userID,
		Active:      true,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Description: description,
	}
	if err := m.save(ctx, key); err != nil {
		return "", nil, err
	}

	// Also store in user index for listing
	if err := m.rdb.Redis().SAdd(ctx, userIndex(userID), key.KeyHash).Err(); err != nil {
		return "", nil, fmt.Errorf("index key: %w", err)
	}
	return plaintext, key, nil
}

func (m *Manager) save(ctx context.Context, key *Key) error {
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, recordKey(key.KeyHash), data, 0); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

// GetKey retrieves a key record regardless of its state.
func (m *Manager) GetKey(ctx context.Context, keyHash string) (*Key, error) {
	data, err := m.rdb.Get(ctx, recordKey(keyHash))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	var key Key
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("corrupted key data: %w", err)
	}
	return &key, nil
}

// LookupUser resolves the user owning an active key.
func (m *Manager) LookupUser(ctx context.Context, keyHash string) (string, error) {
	key, err := m.GetKey(ctx, keyHash)
	if err != nil {
		return "", err
	}
	if !key.Valid(m.now()) {
		return "", ErrKeyNotFound
	}
	return key.UserID, nil
}

// RevokeKey deactivates an API key
func (m *Manager) RevokeKey(ctx context.Context, keyHash string) error {
	key, err := m.GetKey(ctx, keyHash)
	if err != nil {
		return err
	}
	key.Active = false
	return m.save(ctx, key)
}

// DeleteKey permanently removes an API key
func (m *Manager) DeleteKey(ctx context.Context, keyHash string) error {
	// Get key first to find user
	key, err := m.GetKey(ctx, keyHash)
	if err != nil {
		return err
	}

	pipe := m.rdb.Redis().TxPipeline()
	pipe.SRem(ctx, userIndex(key.UserID), keyHash)
	pipe.Del(ctx, recordKey(keyHash))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// ListUserKeys returns all keys for a user
func (m *Manager) ListUserKeys(ctx context.Context, userID string) ([]*Key, error) {
	hashes, err := m.rdb.Redis().SMembers(ctx, userIndex(userID)).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Key, 0, len(hashes))
	for _, h := range hashes {
		key, err := m.GetKey(ctx, h)
		if err == nil {
			result = append(result, key)
		}
	}
	return result, nil
}

// RotateKey issues a replacement for keyHash with the same owner and
// remaining lifetime, then deactivates the old key.
func (m *Manager) RotateKey(ctx context.Context, keyHash string) (string, *Key, error) {
	old, err := m.GetKey(ctx, keyHash)
	if err != nil {
		return "", nil, err
	}

	var expiresIn *time.Duration
	if old.ExpiresAt != nil {
		remaining := old.ExpiresAt.Sub(m.now())
		expiresIn = &remaining
	}

	plaintext, key, err := m.CreateKey(ctx, old.Name, old.UserID,
		fmt.Sprintf("Rotated from %s...", old.KeyPrefix), expiresIn)
	if err != nil {
		return "", nil, err
	}

	if err := m.RevokeKey(ctx, keyHash); err != nil {
		return "", nil, fmt.Errorf("revoke rotated key: %w", err)
	}
	return plaintext, key, nil
}

// generateSecureKey creates a cryptographically secure random key
func generateSecureKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
