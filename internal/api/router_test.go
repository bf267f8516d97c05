package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notify"
	"github.com/keygate/keygate/internal/services"
)

type testServer struct {
	srv      *httptest.Server
	service  *services.LicenseService
	rawToken string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	licenseService := services.NewLicenseService(db, nil, 10*time.Second)
	tokenStore := models.NewAPITokenStore(db.Conn())

	rawToken, _, err := tokenStore.Create(context.Background(), "test")
	require.NoError(t, err)

	router := NewRouter(&Dependencies{
		LicenseService: licenseService,
		TokenStore:     tokenStore,
		Notifier:       notify.NewClient(""),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, service: licenseService, rawToken: rawToken}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Token", ts.rawToken)
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// Missing key is a transport-level error
	resp := ts.request(t, http.MethodPost, "/validate", map[string]string{}, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// An unknown key is a completed check: HTTP 200 with a business code
	resp = ts.request(t, http.MethodPost, "/validate", map[string]string{"key": "NOSUCHKEY"}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[services.ValidationResult](t, resp)
	assert.False(t, result.Valid)
	assert.Equal(t, services.CodeKeyNotFound, result.Code)
}

func TestValidateEndpointSuccess(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	script, err := ts.service.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)
	key, err := ts.service.CreateKey(ctx, script.ScriptID, nil, 0, 5, "")
	require.NoError(t, err)

	resp := ts.request(t, http.MethodPost, "/validate", map[string]string{
		"key":        key.KeyCode,
		"discord_id": "111",
		"hwid":       "device-a",
	}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[services.ValidationResult](t, resp)
	assert.True(t, result.Valid)
	assert.Equal(t, services.CodeKeyValid, result.Code)
	require.NotNil(t, result.Data)
	assert.Equal(t, "Loader", result.Data.ScriptName)
	assert.Equal(t, 1, result.Data.CurrentUses)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(t, http.MethodGet, "/api/keys", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/api/keys", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScriptAndKeyAdminFlow(t *testing.T) {
	ts := newTestServer(t)

	// Create a script
	resp := ts.request(t, http.MethodPost, "/api/scripts", map[string]string{
		"script_name": "Loader",
		"description": "main product",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[struct {
		Success bool           `json:"success"`
		Script  *models.Script `json:"script"`
	}](t, resp)
	require.True(t, created.Success)
	require.NotNil(t, created.Script)

	// Duplicate name conflicts
	resp = ts.request(t, http.MethodPost, "/api/scripts", map[string]string{
		"script_name": "Loader",
	}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Issue a key
	resp = ts.request(t, http.MethodPost, "/api/keys", map[string]any{
		"script_id": created.Script.ScriptID,
		"days":      7,
		"max_uses":  10,
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	issued := decode[struct {
		Success bool        `json:"success"`
		Key     *models.Key `json:"key"`
	}](t, resp)
	require.True(t, issued.Success)
	require.NotNil(t, issued.Key)
	assert.NotNil(t, issued.Key.ExpiresAt)

	// Unknown script is a 404 with the engine's error code
	resp = ts.request(t, http.MethodPost, "/api/keys", map[string]any{
		"script_id": "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF",
	}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Redeem, then fetch the key
	resp = ts.request(t, http.MethodPost, "/api/keys/redeem", map[string]string{
		"key":        issued.Key.KeyCode,
		"discord_id": "111",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	redeemed := decode[services.RedeemResult](t, resp)
	assert.True(t, redeemed.Success)

	resp = ts.request(t, http.MethodGet, "/api/keys/"+issued.Key.KeyCode, nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fetched := decode[models.Key](t, resp)
	require.NotNil(t, fetched.DiscordID)
	assert.Equal(t, "111", *fetched.DiscordID)

	// The owner's key listing sees it
	resp = ts.request(t, http.MethodGet, "/api/users/111/keys", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	userKeys := decode[[]models.Key](t, resp)
	assert.Len(t, userKeys, 1)

	// Reset hwid and delete
	resp = ts.request(t, http.MethodPost, "/api/keys/"+issued.Key.KeyCode+"/reset-hwid", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, http.MethodDelete, "/api/keys/"+issued.Key.KeyCode, nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted := decode[map[string]bool](t, resp)
	assert.True(t, deleted["success"])

	// Deleting again reports success=false, still HTTP 200
	resp = ts.request(t, http.MethodDelete, "/api/keys/"+issued.Key.KeyCode, nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deleted = decode[map[string]bool](t, resp)
	assert.False(t, deleted["success"])
}

func TestKeyValidationsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	script, err := ts.service.CreateScript(ctx, "Loader", "")
	require.NoError(t, err)
	key, err := ts.service.CreateKey(ctx, script.ScriptID, nil, 0, models.UnlimitedUses, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp := ts.request(t, http.MethodPost, "/validate", map[string]string{"key": key.KeyCode}, false)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := ts.request(t, http.MethodGet, "/api/keys/"+key.KeyCode+"/validations", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	validations := decode[[]models.KeyValidation](t, resp)
	assert.Len(t, validations, 3)
	for _, v := range validations {
		assert.True(t, v.Success)
	}
}
