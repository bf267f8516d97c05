package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/models"
)

func newTestService(t *testing.T) *LicenseService {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewLicenseService(db, nil, 10*time.Second)
}

func mustCreateKey(t *testing.T, s *LicenseService, days, maxUses int) *models.Key {
	t.Helper()
	ctx := context.Background()

	script, err := s.CreateScript(ctx, "Loader-"+t.Name(), "")
	require.NoError(t, err)

	key, err := s.CreateKey(ctx, script.ScriptID, nil, days, maxUses, "")
	require.NoError(t, err)

	return key
}

func auditCount(t *testing.T, s *LicenseService, keyCode string) int {
	t.Helper()

	count, err := s.validations.CountByKeyCode(context.Background(), keyCode)
	require.NoError(t, err)
	return count
}

func TestValidateKeyNotFound(t *testing.T) {
	s := newTestService(t)

	result, err := s.ValidateKey(context.Background(), "NOSUCHKEY", "", "")
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, CodeKeyNotFound, result.Code)
	assert.Equal(t, 1, auditCount(t, s, "NOSUCHKEY"), "failed lookups are audited too")
}

func TestValidateKeySuccessIncrementsUses(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, 3)

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, CodeKeyValid, result.Code)
	require.NotNil(t, result.Data)
	assert.Equal(t, 1, result.Data.CurrentUses)
	assert.Equal(t, 3, result.Data.MaxUses)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, 1, info.CurrentUses)
	assert.Equal(t, 1, auditCount(t, s, key.KeyCode))
}

func TestValidateKeyInactive(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	_, err := s.db.Conn().ExecContext(ctx, "UPDATE keys SET is_active = 0 WHERE key_code = ?", key.KeyCode)
	require.NoError(t, err)

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, CodeKeyInactive, result.Code)
}

func TestValidateKeyExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	past := time.Now().Add(-time.Hour)
	_, err := s.db.Conn().ExecContext(ctx, "UPDATE keys SET expires_at = ? WHERE key_code = ?", past, key.KeyCode)
	require.NoError(t, err)

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, CodeKeyExpired, result.Code)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, 0, info.CurrentUses, "expired validation never meters a use")
}

func TestValidateKeyNeverExpiresWithZeroDays(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	assert.Nil(t, key.ExpiresAt, "days <= 0 yields no expiry")

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestCreateKeyExpiryFromDays(t *testing.T) {
	s := newTestService(t)
	key := mustCreateKey(t, s, 7, models.UnlimitedUses)

	require.NotNil(t, key.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *key.ExpiresAt, 5*time.Second)
}

func TestCreateKeyUnknownScript(t *testing.T) {
	s := newTestService(t)

	_, err := s.CreateKey(context.Background(), "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF", nil, 0, models.UnlimitedUses, "")
	assert.ErrorIs(t, err, models.ErrScriptNotFound)
}

func TestCreateScriptDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	_, err := s.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)

	_, err = s.CreateScript(ctx, "Loader", "")
	assert.ErrorIs(t, err, models.ErrDuplicateScriptName)
}

func TestValidateKeyDiscordIDMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	script, err := s.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)

	owner := "111"
	key, err := s.CreateKey(ctx, script.ScriptID, &owner, 0, models.UnlimitedUses, "")
	require.NoError(t, err)

	result, err := s.ValidateKey(ctx, key.KeyCode, "222", "")
	require.NoError(t, err)
	assert.Equal(t, CodeDiscordIDMismatch, result.Code)

	// The bound owner still validates
	result, err = s.ValidateKey(ctx, key.KeyCode, "111", "")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// A caller that supplies no identity is not identity-checked
	result, err = s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidateKeyHWIDFirstUseBinding(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "device-a")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	require.NotNil(t, info.HWIDHash, "first validation with a fingerprint binds it")
	assert.Equal(t, *models.HashHWID("device-a"), *info.HWIDHash)

	// A different device is rejected and the binding survives
	result, err = s.ValidateKey(ctx, key.KeyCode, "", "device-b")
	require.NoError(t, err)
	assert.Equal(t, CodeHWIDMismatch, result.Code)

	info, err = s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, *models.HashHWID("device-a"), *info.HWIDHash)

	// The bound device keeps validating
	result, err = s.ValidateKey(ctx, key.KeyCode, "", "device-a")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidateKeyHWIDBindingSticksWhenQuotaFails(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, 1)

	// Exhaust the quota without a fingerprint
	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)
	require.True(t, result.Valid)

	// This attempt fails the quota check, but the fingerprint it carried
	// must still bind: the binding sub-step runs before the quota check
	// and is committed with the audit row.
	result, err = s.ValidateKey(ctx, key.KeyCode, "", "device-a")
	require.NoError(t, err)
	assert.Equal(t, CodeMaxUsesExceeded, result.Code)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	require.NotNil(t, info.HWIDHash)
	assert.Equal(t, *models.HashHWID("device-a"), *info.HWIDHash)
}

func TestValidateKeyMaxUses(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, 2)

	for i := 1; i <= 2; i++ {
		result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
		require.NoError(t, err)
		require.True(t, result.Valid)
		assert.Equal(t, i, result.Data.CurrentUses)
	}

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)
	assert.Equal(t, CodeMaxUsesExceeded, result.Code)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, 2, info.CurrentUses, "uses never pass the limit")
}

func TestValidateKeyMaxUsesConcurrent(t *testing.T) {
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, 5)

	const attempts = 20

	var wg sync.WaitGroup
	results := make([]*ValidationResult, attempts)
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ValidateKey(context.Background(), key.KeyCode, "", "")
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		if results[i].Valid {
			successes++
		} else {
			assert.Equal(t, CodeMaxUsesExceeded, results[i].Code)
		}
	}

	assert.Equal(t, 5, successes, "exactly max_uses validations may succeed")

	info, err := s.GetKeyInfo(context.Background(), key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, 5, info.CurrentUses)

	assert.Equal(t, attempts, auditCount(t, s, key.KeyCode), "every attempt is audited exactly once")
}

func TestValidateKeyUnlimitedUses(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	for i := 0; i < 10; i++ {
		result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
		require.NoError(t, err)
		require.True(t, result.Valid)
	}

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, 10, info.CurrentUses, "unlimited keys still meter usage")
}

func TestValidateKeyAuditsEveryOutcome(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, 1)

	_, err := s.ValidateKey(ctx, key.KeyCode, "", "device-a") // success
	require.NoError(t, err)
	_, err = s.ValidateKey(ctx, key.KeyCode, "", "device-b") // HWID_MISMATCH
	require.NoError(t, err)
	_, err = s.ValidateKey(ctx, key.KeyCode, "", "device-a") // MAX_USES_EXCEEDED
	require.NoError(t, err)

	validations, err := s.GetKeyValidations(ctx, key.KeyCode, 10)
	require.NoError(t, err)
	require.Len(t, validations, 3)

	// Newest first
	require.NotNil(t, validations[0].ErrorCode)
	assert.Equal(t, string(CodeMaxUsesExceeded), *validations[0].ErrorCode)
	require.NotNil(t, validations[1].ErrorCode)
	assert.Equal(t, string(CodeHWIDMismatch), *validations[1].ErrorCode)
	assert.True(t, validations[2].Success)
	assert.Nil(t, validations[2].ErrorCode, "successful rows carry no error code")

	// Attempted fingerprints are stored hashed
	require.NotNil(t, validations[1].HWIDHash)
	assert.Equal(t, *models.HashHWID("device-b"), *validations[1].HWIDHash)
}

func TestRedeemKeyBindsIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	result, err := s.RedeemKey(ctx, key.KeyCode, "111")
	require.NoError(t, err)
	assert.True(t, result.Success)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	require.NotNil(t, info.DiscordID)
	assert.Equal(t, "111", *info.DiscordID)
	assert.NotNil(t, info.RedeemedAt)
	assert.Equal(t, 0, info.CurrentUses, "redemption does not meter a use")

	// Redeeming as someone else fails; the owner can redeem again
	result, err = s.RedeemKey(ctx, key.KeyCode, "222")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, CodeDiscordIDMismatch, result.Code)

	result, err = s.RedeemKey(ctx, key.KeyCode, "111")
	require.NoError(t, err)
	assert.True(t, result.Success, "redemption is idempotent for the owner")

	assert.Equal(t, 0, auditCount(t, s, key.KeyCode), "redemption writes no audit rows")
}

func TestRedeemKeyFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	result, err := s.RedeemKey(ctx, "NOSUCHKEY", "111")
	require.NoError(t, err)
	assert.Equal(t, CodeKeyNotFound, result.Code)

	key := mustCreateKey(t, s, 0, models.UnlimitedUses)
	past := time.Now().Add(-time.Hour)
	_, err = s.db.Conn().ExecContext(ctx, "UPDATE keys SET expires_at = ? WHERE key_code = ?", past, key.KeyCode)
	require.NoError(t, err)

	result, err = s.RedeemKey(ctx, key.KeyCode, "111")
	require.NoError(t, err)
	assert.Equal(t, CodeKeyExpired, result.Code)
}

func TestResetHWIDKeepsUseCount(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	key := mustCreateKey(t, s, 0, models.UnlimitedUses)

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "device-a")
	require.NoError(t, err)
	require.True(t, result.Valid)

	reset, err := s.ResetHWID(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.True(t, reset)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Nil(t, info.HWIDHash)
	assert.Equal(t, 1, info.CurrentUses, "resetting hwid does not touch uses")

	// The key may now bind a new device
	result, err = s.ValidateKey(ctx, key.KeyCode, "", "device-b")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	script, err := s.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)

	key, err := s.CreateKey(ctx, script.ScriptID, nil, 0, 2, "")
	require.NoError(t, err)
	assert.Nil(t, key.ExpiresAt)

	for i := 1; i <= 2; i++ {
		result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
		require.NoError(t, err)
		require.True(t, result.Valid)
		assert.Equal(t, i, result.Data.CurrentUses)
	}

	result, err := s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)
	assert.Equal(t, CodeMaxUsesExceeded, result.Code)

	reset, err := s.ResetHWID(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.True(t, reset)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Equal(t, 2, info.CurrentUses, "hwid reset does not affect the use count")

	deleted, err := s.DeleteKey(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.True(t, deleted)

	result, err = s.ValidateKey(ctx, key.KeyCode, "", "")
	require.NoError(t, err)
	assert.Equal(t, CodeKeyNotFound, result.Code)
}

func TestDeleteScriptCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	script, err := s.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)

	key, err := s.CreateKey(ctx, script.ScriptID, nil, 0, models.UnlimitedUses, "")
	require.NoError(t, err)

	deleted, err := s.DeleteScript(ctx, script.ScriptID)
	require.NoError(t, err)
	require.True(t, deleted)

	info, err := s.GetKeyInfo(ctx, key.KeyCode)
	require.NoError(t, err)
	assert.Nil(t, info, "cascade removed the key")
}

func TestGetKeyInfoMissing(t *testing.T) {
	s := newTestService(t)

	info, err := s.GetKeyInfo(context.Background(), "NOSUCHKEY")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetUserKeysAndListings(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	script, err := s.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)

	owner := "111"
	_, err = s.CreateKey(ctx, script.ScriptID, &owner, 0, models.UnlimitedUses, "")
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, script.ScriptID, nil, 0, models.UnlimitedUses, "")
	require.NoError(t, err)

	userKeys, err := s.GetUserKeys(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, userKeys, 1)
	assert.Equal(t, "Loader", userKeys[0].ScriptName)

	allKeys, err := s.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, allKeys, 2)

	scripts, err := s.GetAllScripts(ctx)
	require.NoError(t, err)
	assert.Len(t, scripts, 1)
}
