package auth

import (
	"database/sql"
	"errors"
	"time"
)

var (
	ErrUnknownSigningKey = errors.New("unknown signing key")
	ErrExpiredSigningKey = errors.New("signing key expired")
)

// SigningKey represents an HMAC client signing key
type SigningKey struct {
	ID         string     `json:"id"`
	KeyID      string     `json:"key_id"`
	Secret     string     `json:"-"`
	OwnerID    string     `json:"owner_id"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LookupSigningKey resolves an HMAC key ID to its shared secret
func LookupSigningKey(db *sql.DB, keyID string) (*SigningKey, error) {
	var key SigningKey

	// Get key from database
	err := db.QueryRow(`
		SELECT id, key_id, secret, COALESCE(owner_id, ''), is_active, expires_at, last_used_at, created_at
		FROM bursar.signing_keys
		WHERE key_id = $1 AND is_active = true
	`, keyID).Scan(
		&key.ID, &key.KeyID, &key.Secret, &key.OwnerID,
		&key.IsActive, &key.ExpiresAt, &key.LastUsedAt, &key.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrUnknownSigningKey
	}

	if err != nil {
		return nil, err
	}

	// Check expiry
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrExpiredSigningKey
	}

	return &key, nil
}

// TouchSigningKey records the last use of a signing key. Best effort,
// callers ignore the error on the hot path.
func TouchSigningKey(db *sql.DB, keyID string) error {
	_, err := db.Exec(`
		UPDATE bursar.signing_keys SET last_used_at = NOW() WHERE key_id = $1
	`, keyID)
	return err
}

// DeactivateExpiredSigningKeys flips is_active off for keys past their
// expiry. Returns the number of keys deactivated.
func DeactivateExpiredSigningKeys(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		UPDATE bursar.signing_keys
		SET is_active = false
		WHERE is_active = true AND expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
