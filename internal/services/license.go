package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/models"
)

// Code classifies the terminal outcome of a key lifecycle operation.
// These are business outcomes, not errors; infrastructure failures are
// returned as Go errors alongside a nil result.
type Code string

const (
	CodeKeyValid            Code = "KEY_VALID"
	CodeKeyNotFound         Code = "KEY_NOT_FOUND"
	CodeKeyInactive         Code = "KEY_INACTIVE"
	CodeKeyExpired          Code = "KEY_EXPIRED"
	CodeDiscordIDMismatch   Code = "DISCORD_ID_MISMATCH"
	CodeHWIDMismatch        Code = "HWID_MISMATCH"
	CodeMaxUsesExceeded     Code = "MAX_USES_EXCEEDED"
	CodeScriptNotFound      Code = "SCRIPT_NOT_FOUND"
	CodeDuplicateScriptName Code = "DUPLICATE_SCRIPT_NAME"
)

// ValidationData is returned to the client on a successful validation
type ValidationData struct {
	ScriptName  string     `json:"script_name"`
	DiscordID   *string    `json:"discord_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CurrentUses int        `json:"current_uses"`
	MaxUses     int        `json:"max_uses"`
}

// ValidationResult is the outcome of one validation attempt
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Data    *ValidationData `json:"data,omitempty"`
}

// RedeemResult is the outcome of one redemption attempt
type RedeemResult struct {
	Success bool   `json:"success"`
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message"`
}

// LicenseService is the key lifecycle engine. It owns the validation and
// redemption state machines and is the only writer of key state; transports
// (HTTP, bot) translate to these operations and never re-check anything
// themselves. The service keeps no state between calls other than the
// durable store.
type LicenseService struct {
	db          *database.DB
	scripts     *models.ScriptStore
	keys        *models.KeyStore
	validations *models.ValidationStore
	metrics     *metrics.Collector
	opTimeout   time.Duration
}

func NewLicenseService(db *database.DB, collector *metrics.Collector, opTimeout time.Duration) *LicenseService {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &LicenseService{
		db:          db,
		scripts:     models.NewScriptStore(db.Conn()),
		keys:        models.NewKeyStore(db.Conn()),
		validations: models.NewValidationStore(db.Conn()),
		metrics:     collector,
		opTimeout:   opTimeout,
	}
}

// ValidateKey runs the validation state machine for one key code. Checks
// run in a fixed short-circuit order: not found, inactive, expired,
// identity mismatch, hardware mismatch, usage quota. The first failing
// check terminates evaluation. Exactly one audit row is written per call,
// in the same transaction as the checks, so the log and the key state can
// never disagree.
//
// A non-nil error means the store itself failed; the caller gets no
// business classification in that case and nothing is committed.
func (s *LicenseService) ValidateKey(ctx context.Context, keyCode, discordID, hwid string) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	attemptedID := optional(discordID)
	attemptedHash := models.HashHWID(hwid)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin validation transaction")
	}
	defer tx.Rollback()

	key, err := fetchKeyTx(ctx, tx, keyCode)
	if errors.Is(err, sql.ErrNoRows) {
		return s.deny(ctx, tx, keyCode, attemptedID, attemptedHash, CodeKeyNotFound, "Invalid key")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch key")
	}

	if !key.IsActive {
		return s.deny(ctx, tx, keyCode, attemptedID, attemptedHash, CodeKeyInactive, "Key is inactive")
	}

	if key.Expired(time.Now()) {
		return s.deny(ctx, tx, keyCode, attemptedID, attemptedHash, CodeKeyExpired, "Key has expired")
	}

	if attemptedID != nil && key.DiscordID != nil && *key.DiscordID != discordID {
		return s.deny(ctx, tx, keyCode, attemptedID, attemptedHash, CodeDiscordIDMismatch, "Key bound to different Discord user")
	}

	if hwid != "" {
		outcome, err := s.bindOrCheckHWID(ctx, tx, key, attemptedHash)
		if err != nil {
			return nil, err
		}
		if outcome != "" {
			return s.deny(ctx, tx, keyCode, attemptedID, attemptedHash, outcome, "Key bound to different HWID")
		}
	}

	// Quota check and increment are a single conditional update so two
	// concurrent validations can never both slip under the limit.
	incremented, err := incrementUsesTx(ctx, tx, keyCode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to increment uses")
	}
	if !incremented {
		return s.deny(ctx, tx, keyCode, attemptedID, attemptedHash, CodeMaxUsesExceeded, "Key usage limit exceeded")
	}

	if err := models.LogValidation(ctx, tx, keyCode, attemptedID, attemptedHash, true, nil); err != nil {
		return nil, errors.Wrap(err, "failed to write audit row")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit validation")
	}

	s.metrics.RecordValidation(string(CodeKeyValid))

	return &ValidationResult{
		Valid:   true,
		Code:    CodeKeyValid,
		Message: "Key is valid",
		Data: &ValidationData{
			ScriptName:  key.ScriptName,
			DiscordID:   key.DiscordID,
			ExpiresAt:   key.ExpiresAt,
			CurrentUses: key.CurrentUses + 1,
			MaxUses:     key.MaxUses,
		},
	}, nil
}

// bindOrCheckHWID is the first-use hardware binding sub-step. When the key
// has no bound hash the attempted hash is written immediately, before any
// later check runs; the binding sticks even if this validation goes on to
// fail the quota check. Returns CodeHWIDMismatch when the key is already
// bound to a different hash, or "" to continue evaluation.
func (s *LicenseService) bindOrCheckHWID(ctx context.Context, tx *sql.Tx, key *models.Key, attemptedHash *string) (Code, error) {
	if key.HWIDHash == nil {
		result, err := tx.ExecContext(ctx,
			"UPDATE keys SET hwid_hash = ? WHERE key_code = ? AND hwid_hash IS NULL",
			attemptedHash, key.KeyCode,
		)
		if err != nil {
			return "", errors.Wrap(err, "failed to bind hwid")
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return "", errors.Wrap(err, "failed to check hwid binding")
		}
		if rows == 1 {
			key.HWIDHash = attemptedHash
			return "", nil
		}

		// Another validation bound the key between our read and write;
		// re-read and fall through to the comparison.
		var bound *string
		if err := tx.QueryRowContext(ctx, "SELECT hwid_hash FROM keys WHERE key_code = ?", key.KeyCode).Scan(&bound); err != nil {
			return "", errors.Wrap(err, "failed to re-read hwid")
		}
		key.HWIDHash = bound
	}

	if key.HWIDHash != nil && attemptedHash != nil && *key.HWIDHash != *attemptedHash {
		return CodeHWIDMismatch, nil
	}

	return "", nil
}

// deny terminates a validation with a business failure: the audit row is
// written and committed, then the classified result is returned.
func (s *LicenseService) deny(ctx context.Context, tx *sql.Tx, keyCode string, attemptedID, attemptedHash *string, code Code, message string) (*ValidationResult, error) {
	errorCode := string(code)
	if err := models.LogValidation(ctx, tx, keyCode, attemptedID, attemptedHash, false, &errorCode); err != nil {
		return nil, errors.Wrap(err, "failed to write audit row")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit validation")
	}

	s.metrics.RecordValidation(errorCode)

	log.Debug().
		Str("keyCode", maskKeyCode(keyCode)).
		Str("code", errorCode).
		Msg("Key validation denied")

	return &ValidationResult{Valid: false, Code: code, Message: message}, nil
}

// RedeemKey claims a key for an identity. The first successful redemption
// binds the identity and stamps redeemed_at; redeeming again with the same
// identity is a no-op success. Redemption does not touch current_uses or
// the hardware binding, and unlike validation it writes no audit row.
func (s *LicenseService) RedeemKey(ctx context.Context, keyCode, discordID string) (*RedeemResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin redemption transaction")
	}
	defer tx.Rollback()

	key, err := fetchKeyTx(ctx, tx, keyCode)
	if errors.Is(err, sql.ErrNoRows) {
		return &RedeemResult{Success: false, Code: CodeKeyNotFound, Message: "Invalid key"}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch key")
	}

	if !key.IsActive {
		return &RedeemResult{Success: false, Code: CodeKeyInactive, Message: "Key is inactive"}, nil
	}

	if key.DiscordID != nil && *key.DiscordID != discordID {
		return &RedeemResult{Success: false, Code: CodeDiscordIDMismatch, Message: "Key is bound to another Discord account"}, nil
	}

	if key.Expired(time.Now()) {
		return &RedeemResult{Success: false, Code: CodeKeyExpired, Message: "Key has expired"}, nil
	}

	if key.DiscordID == nil {
		_, err := tx.ExecContext(ctx,
			"UPDATE keys SET discord_id = ?, redeemed_at = CURRENT_TIMESTAMP WHERE key_code = ? AND discord_id IS NULL",
			discordID, keyCode,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to bind identity")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit redemption")
	}

	log.Info().
		Str("keyCode", maskKeyCode(keyCode)).
		Msg("Key redeemed")

	return &RedeemResult{Success: true, Message: "Key redeemed successfully"}, nil
}

// CreateScript registers a new product. Fails with
// models.ErrDuplicateScriptName when the name is taken.
func (s *LicenseService) CreateScript(ctx context.Context, scriptName, description string) (*models.Script, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	script, err := s.scripts.Create(ctx, scriptName, description)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordScriptCreated()

	log.Info().
		Str("scriptName", script.ScriptName).
		Str("scriptID", script.ScriptID).
		Msg("Script created")

	return script, nil
}

// CreateKey issues a new key for a script. A positive days value sets an
// absolute expiry of now + days; zero or negative means the key never
// expires. discordID may pre-bind the key to an identity.
func (s *LicenseService) CreateKey(ctx context.Context, scriptID string, discordID *string, days, maxUses int, note string) (*models.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if _, err := s.scripts.GetByID(ctx, scriptID); err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if days > 0 {
		t := time.Now().Add(time.Duration(days) * 24 * time.Hour)
		expiresAt = &t
	}

	key, err := s.keys.Create(ctx, scriptID, discordID, expiresAt, maxUses, note)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordKeyCreated()

	log.Info().
		Str("keyCode", maskKeyCode(key.KeyCode)).
		Str("scriptID", scriptID).
		Int("maxUses", maxUses).
		Msg("Key created")

	return key, nil
}

// ResetHWID clears a key's hardware binding. Returns false when the key
// does not exist.
func (s *LicenseService) ResetHWID(ctx context.Context, keyCode string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.keys.ResetHWID(ctx, keyCode)
}

// DeleteKey removes a key. Returns false when the key does not exist.
func (s *LicenseService) DeleteKey(ctx context.Context, keyCode string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.keys.Delete(ctx, keyCode)
}

// DeleteScript removes a script and, via the cascade, all its keys.
func (s *LicenseService) DeleteScript(ctx context.Context, scriptID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.scripts.Delete(ctx, scriptID)
}

// GetKeyInfo returns a key joined with its script name, or nil when the
// code is unknown.
func (s *LicenseService) GetKeyInfo(ctx context.Context, keyCode string) (*models.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	key, err := s.keys.GetByCode(ctx, keyCode)
	if errors.Is(err, models.ErrKeyNotFound) {
		return nil, nil
	}
	return key, err
}

// GetUserKeys returns all keys bound to an identity, newest first
func (s *LicenseService) GetUserKeys(ctx context.Context, discordID string) ([]*models.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.keys.ListByDiscordID(ctx, discordID)
}

// GetAllKeys returns every key, newest first
func (s *LicenseService) GetAllKeys(ctx context.Context) ([]*models.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.keys.List(ctx)
}

// GetAllScripts returns every script, newest first
func (s *LicenseService) GetAllScripts(ctx context.Context) ([]*models.Script, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return s.scripts.List(ctx)
}

// GetKeyValidations returns the most recent audit rows for a key
func (s *LicenseService) GetKeyValidations(ctx context.Context, keyCode string, limit int) ([]*models.KeyValidation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 25
	}
	return s.validations.ListByKeyCode(ctx, keyCode, limit)
}

// fetchKeyTx reads a key row with its script name inside the validation
// transaction. Every operation re-reads current state from the store;
// nothing is cached between requests.
func fetchKeyTx(ctx context.Context, tx *sql.Tx, keyCode string) (*models.Key, error) {
	query := `
		SELECT k.id, k.key_code, k.script_id, s.script_name, k.discord_id, k.hwid_hash,
		       k.created_at, k.expires_at, k.redeemed_at, k.max_uses, k.current_uses,
		       k.is_active, k.note
		FROM keys k
		JOIN scripts s ON k.script_id = s.script_id
		WHERE k.key_code = ?
	`

	key := &models.Key{}
	err := tx.QueryRowContext(ctx, query, keyCode).Scan(
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

// incrementUsesTx increments current_uses only while the key is still
// under its quota. Unlimited keys (max_uses <= 0) always increment.
func incrementUsesTx(ctx context.Context, tx *sql.Tx, keyCode string) (bool, error) {
	result, err := tx.ExecContext(ctx,
		"UPDATE keys SET current_uses = current_uses + 1 WHERE key_code = ? AND (max_uses <= 0 OR current_uses < max_uses)",
		keyCode,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// maskKeyCode masks a key code for logging (shows first 8 chars + ***)
func maskKeyCode(code string) string {
	if len(code) <= 8 {
		return "***"
	}
	return code[:8] + "***"
}
