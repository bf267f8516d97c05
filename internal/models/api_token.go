package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var ErrAPITokenNotFound = errors.New("api token not found")
var ErrInvalidAPIToken = errors.New("invalid api token")

// APIToken authorizes the administrative surface (key issuance, resets,
// deletions). Only the SHA-256 hash of a token is stored.
type APIToken struct {
	ID         int        `json:"id"`
	TokenHash  string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type APITokenStore struct {
	db *sql.DB
}

func NewAPITokenStore(db *sql.DB) *APITokenStore {
	return &APITokenStore{db: db}
}

// GenerateAPIToken generates a new API token
func GenerateAPIToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashAPIToken creates a SHA-256 hash of the API token
func HashAPIToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Create generates a token, stores its hash and returns the raw token. The
// raw value is shown once and cannot be recovered afterwards.
func (s *APITokenStore) Create(ctx context.Context, name string) (string, *APIToken, error) {
	rawToken, err := GenerateAPIToken()
	if err != nil {
		return "", nil, pkgerrors.Wrap(err, "failed to generate api token")
	}

	query := `
		INSERT INTO api_tokens (token_hash, name)
		VALUES (?, ?)
		RETURNING id, token_hash, name, created_at, last_used_at
	`

	token := &APIToken{}
	err = s.db.QueryRowContext(ctx, query, HashAPIToken(rawToken), name).Scan(
		&token.ID,
		&token.TokenHash,
		&token.Name,
		&token.CreatedAt,
		&token.LastUsedAt,
	)
	if err != nil {
		return "", nil, err
	}

	return rawToken, token, nil
}

// Validate checks a raw token against the stored hashes and stamps
// last_used_at in the background on a hit.
func (s *APITokenStore) Validate(ctx context.Context, rawToken string) (*APIToken, error) {
	query := `
		SELECT id, token_hash, name, created_at, last_used_at
		FROM api_tokens
		WHERE token_hash = ?
	`

	token := &APIToken{}
	err := s.db.QueryRowContext(ctx, query, HashAPIToken(rawToken)).Scan(
		&token.ID,
		&token.TokenHash,
		&token.Name,
		&token.CreatedAt,
		&token.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIToken
	}
	if err != nil {
		return nil, err
	}

	go func() {
		_ = s.touchLastUsed(token.ID)
	}()

	return token, nil
}

func (s *APITokenStore) touchLastUsed(id int) error {
	_, err := s.db.Exec("UPDATE api_tokens SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

// List returns all tokens, newest first
func (s *APITokenStore) List(ctx context.Context) ([]*APIToken, error) {
	query := `
		SELECT id, token_hash, name, created_at, last_used_at
		FROM api_tokens
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		token := &APIToken{}
		if err := rows.Scan(
			&token.ID,
			&token.TokenHash,
			&token.Name,
			&token.CreatedAt,
			&token.LastUsedAt,
		); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// Delete removes a token by id
func (s *APITokenStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM api_tokens WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrAPITokenNotFound
	}

	return nil
}
