package models

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrScriptNotFound      = errors.New("script not found")
	ErrDuplicateScriptName = errors.New("script name already exists")
)

// Script is a product that keys unlock. The script_id is the opaque
// identifier keys reference; it never changes after creation.
type Script struct {
	ID          int       `json:"id"`
	ScriptName  string    `json:"script_name"`
	ScriptID    string    `json:"script_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type ScriptStore struct {
	db *sql.DB
}

func NewScriptStore(db *sql.DB) *ScriptStore {
	return &ScriptStore{db: db}
}

// GenerateScriptID generates a random 128-bit script identifier, hex-encoded
// and uppercased.
func GenerateScriptID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

// Create inserts a new script with a freshly generated script_id.
// Returns ErrDuplicateScriptName when the human name is already taken.
func (s *ScriptStore) Create(ctx context.Context, scriptName, description string) (*Script, error) {
	scriptID, err := GenerateScriptID()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to generate script id")
	}

	query := `
		INSERT INTO scripts (script_name, script_id, description)
		VALUES (?, ?, ?)
		RETURNING id, script_name, script_id, description, created_at
	`

	script := &Script{}
	err = s.db.QueryRowContext(ctx, query, scriptName, scriptID, description).Scan(
		&script.ID,
		&script.ScriptName,
		&script.ScriptID,
		&script.Description,
		&script.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateScriptName
		}
		return nil, err
	}

	return script, nil
}

// GetByID retrieves a script by its opaque script_id
func (s *ScriptStore) GetByID(ctx context.Context, scriptID string) (*Script, error) {
	query := `
		SELECT id, script_name, script_id, description, created_at
		FROM scripts
		WHERE script_id = ?
	`

	script := &Script{}
	err := s.db.QueryRowContext(ctx, query, scriptID).Scan(
		&script.ID,
		&script.ScriptName,
		&script.ScriptID,
		&script.Description,
		&script.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScriptNotFound
	}
	if err != nil {
		return nil, err
	}

	return script, nil
}

// List returns all scripts, most recently created first
func (s *ScriptStore) List(ctx context.Context) ([]*Script, error) {
	query := `
		SELECT id, script_name, script_id, description, created_at
		FROM scripts
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*Script
	for rows.Next() {
		script := &Script{}
		if err := rows.Scan(
			&script.ID,
			&script.ScriptName,
			&script.ScriptID,
			&script.Description,
			&script.CreatedAt,
		); err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}

	return scripts, rows.Err()
}

// Delete removes a script; its keys go with it via the foreign key cascade.
// Returns false when no script had that id.
func (s *ScriptStore) Delete(ctx context.Context, scriptID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scripts WHERE script_id = ?", scriptID)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
