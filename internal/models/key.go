package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")

	// ErrDuplicateKeyCode surfaces the (vanishingly unlikely) collision of
	// two generated key codes. Creation fails rather than silently retrying
	// so a true duplicate is never masked.
	ErrDuplicateKeyCode = errors.New("key code already exists")
)

// UnlimitedUses is the max_uses sentinel for keys without a usage quota
const UnlimitedUses = -1

// Key is a single license grant. DiscordID and HWIDHash are nil until the
// key is bound; ExpiresAt nil means the key never expires.
type Key struct {
	ID          int        `json:"id"`
	KeyCode     string     `json:"key_code"`
	ScriptID    string     `json:"script_id"`
	ScriptName  string     `json:"script_name,omitempty"`
	DiscordID   *string    `json:"discord_id,omitempty"`
	HWIDHash    *string    `json:"hwid_hash,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RedeemedAt  *time.Time `json:"redeemed_at,omitempty"`
	MaxUses     int        `json:"max_uses"`
	CurrentUses int        `json:"current_uses"`
	IsActive    bool       `json:"is_active"`
	Note        string     `json:"note"`
}

// Expired reports whether the key has an expiry strictly in the past
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

type KeyStore struct {
	db *sql.DB
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

// GenerateKeyCode generates a random 128-bit key code, hex-encoded and
// uppercased.
func GenerateKeyCode() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

// HashHWID returns the SHA-256 hex digest of a raw hardware fingerprint,
// or nil for an empty input. Raw fingerprints are never persisted; every
// caller (HTTP and bot alike) must go through this same transform so a key
// bound on one path validates on the other.
func HashHWID(hwid string) *string {
	if hwid == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(hwid))
	h := hex.EncodeToString(sum[:])
	return &h
}

// Create inserts a new key with a freshly generated code. discordID may
// pre-bind the key to an identity; expiresAt nil means never expires.
func (s *KeyStore) Create(ctx context.Context, scriptID string, discordID *string, expiresAt *time.Time, maxUses int, note string) (*Key, error) {
	keyCode, err := GenerateKeyCode()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to generate key code")
	}

	query := `
		INSERT INTO keys (key_code, script_id, discord_id, expires_at, max_uses, note)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id, key_code, script_id, discord_id, hwid_hash, created_at,
		          expires_at, redeemed_at, max_uses, current_uses, is_active, note
	`

	key := &Key{}
	err = s.db.QueryRowContext(ctx, query, keyCode, scriptID, discordID, expiresAt, maxUses, note).Scan(
		&key.ID,
		&key.KeyCode,
		&key.ScriptID,
		&key.DiscordID,
		&key.HWIDHash,
		&key.CreatedAt,
		&key.ExpiresAt,
		&key.RedeemedAt,
		&key.MaxUses,
		&key.CurrentUses,
		&key.IsActive,
		&key.Note,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateKeyCode
		}
		return nil, err
	}

	return key, nil
}

const keyWithScriptColumns = `
	k.id, k.key_code, k.script_id, s.script_name, k.discord_id, k.hwid_hash,
	k.created_at, k.expires_at, k.redeemed_at, k.max_uses, k.current_uses,
	k.is_active, k.note
`

func scanKeyWithScript(row interface{ Scan(...any) error }) (*Key, error) {
	key := &Key{}
	err := row.Scan(
		&key.ID,
		&key.KeyCode,
		&key.ScriptID,
		&key.ScriptName,
		&key.DiscordID,
		&key.HWIDHash,
		&key.CreatedAt,
		&key.ExpiresAt,
		&key.RedeemedAt,
		&key.MaxUses,
		&key.CurrentUses,
		&key.IsActive,
		&key.Note,
	)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByCode retrieves a key with its script name joined in
func (s *KeyStore) GetByCode(ctx context.Context, keyCode string) (*Key, error) {
	query := `
		SELECT ` + keyWithScriptColumns + `
		FROM keys k
		JOIN scripts s ON k.script_id = s.script_id
		WHERE k.key_code = ?
	`

	key, err := scanKeyWithScript(s.db.QueryRowContext(ctx, query, keyCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	return key, nil
}

// ListByDiscordID returns all keys bound to an identity, newest first
func (s *KeyStore) ListByDiscordID(ctx context.Context, discordID string) ([]*Key, error) {
	query := `
		SELECT ` + keyWithScriptColumns + `
		FROM keys k
		JOIN scripts s ON k.script_id = s.script_id
		WHERE k.discord_id = ?
		ORDER BY k.created_at DESC
	`

	return s.queryKeys(ctx, query, discordID)
}

// List returns all keys, newest first
func (s *KeyStore) List(ctx context.Context) ([]*Key, error) {
	query := `
		SELECT ` + keyWithScriptColumns + `
		FROM keys k
		JOIN scripts s ON k.script_id = s.script_id
		ORDER BY k.created_at DESC
	`

	return s.queryKeys(ctx, query)
}

func (s *KeyStore) queryKeys(ctx context.Context, query string, args ...any) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key, err := scanKeyWithScript(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Delete removes a key. Returns false when no key had that code; callers
// treat a missing key as a no-op, not an error.
func (s *KeyStore) Delete(ctx context.Context, keyCode string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM keys WHERE key_code = ?", keyCode)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// ResetHWID clears the hardware binding so the key can bind to a new
// device on its next validation. Returns false when no key had that code.
func (s *KeyStore) ResetHWID(ctx context.Context, keyCode string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "UPDATE keys SET hwid_hash = NULL WHERE key_code = ?", keyCode)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}
