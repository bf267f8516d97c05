package models

import (
	"context"
	"database/sql"
	"time"
)

// KeyValidation is one row of the append-only validation audit log. Rows
// are never updated or deleted; ErrorCode is nil on success.
type KeyValidation struct {
	ID          int        `json:"id"`
	KeyCode     string     `json:"key_code"`
	DiscordID   *string    `json:"discord_id,omitempty"`
	HWIDHash    *string    `json:"hwid_hash,omitempty"`
	ValidatedAt time.Time  `json:"validated_at"`
	Success     bool       `json:"success"`
	ErrorCode   *string    `json:"error_code,omitempty"`
}

type ValidationStore struct {
	db *sql.DB
}

func NewValidationStore(db *sql.DB) *ValidationStore {
	return &ValidationStore{db: db}
}

// Execer lets audit writes run inside the validation transaction as well
// as on a bare connection.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LogValidation appends one audit row. The engine calls this exactly once
// per validation attempt, inside the same transaction as the state checks.
func LogValidation(ctx context.Context, execer Execer, keyCode string, discordID, hwidHash *string, success bool, errorCode *string) error {
	query := `
		INSERT INTO key_validations (key_code, discord_id, hwid_hash, success, error_code)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := execer.ExecContext(ctx, query, keyCode, discordID, hwidHash, success, errorCode)
	return err
}

// ListByKeyCode returns the most recent audit rows for a key
func (s *ValidationStore) ListByKeyCode(ctx context.Context, keyCode string, limit int) ([]*KeyValidation, error) {
	query := `
		SELECT id, key_code, discord_id, hwid_hash, validated_at, success, error_code
		FROM key_validations
		WHERE key_code = ?
		ORDER BY validated_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, keyCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var validations []*KeyValidation
	for rows.Next() {
		v := &KeyValidation{}
		if err := rows.Scan(
			&v.ID,
			&v.KeyCode,
			&v.DiscordID,
			&v.HWIDHash,
			&v.ValidatedAt,
			&v.Success,
			&v.ErrorCode,
		); err != nil {
			return nil, err
		}
		validations = append(validations, v)
	}

	return validations, rows.Err()
}

// CountByKeyCode returns the total number of audit rows for a key
func (s *ValidationStore) CountByKeyCode(ctx context.Context, keyCode string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM key_validations WHERE key_code = ?", keyCode).Scan(&count)
	return count, err
}
