package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/services"
)

// KeysHandler serves the administrative key management endpoints
type KeysHandler struct {
	licenseService *services.LicenseService
}

func NewKeysHandler(licenseService *services.LicenseService) *KeysHandler {
	return &KeysHandler{licenseService: licenseService}
}

// RegisterRoutes registers key management routes
func (h *KeysHandler) RegisterRoutes(r chi.Router) {
	r.Route("/keys", func(r chi.Router) {
		r.Get("/", h.ListKeys)
		r.Post("/", h.CreateKey)
		r.Post("/redeem", h.RedeemKey)

		r.Route("/{keyCode}", func(r chi.Router) {
			r.Get("/", h.GetKey)
			r.Delete("/", h.DeleteKey)
			r.Post("/reset-hwid", h.ResetHWID)
			r.Get("/validations", h.GetValidations)
		})
	})

	r.Get("/users/{discordID}/keys", h.GetUserKeys)
}

// CreateKeyRequest is the body of POST /api/keys
type CreateKeyRequest struct {
	ScriptID  string  `json:"script_id"`
	DiscordID *string `json:"discord_id,omitempty"`
	Days      int     `json:"days,omitempty"`
	MaxUses   *int    `json:"max_uses,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// CreateKeyResponse mirrors the engine's create_key contract
type CreateKeyResponse struct {
	Success   bool        `json:"success"`
	Key       *models.Key `json:"key,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// CreateKey handles POST /api/keys
func (h *KeysHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ScriptID == "" {
		RespondError(w, http.StatusBadRequest, "script_id is required")
		return
	}

	maxUses := models.UnlimitedUses
	if req.MaxUses != nil {
		maxUses = *req.MaxUses
	}

	key, err := h.licenseService.CreateKey(r.Context(), req.ScriptID, req.DiscordID, req.Days, maxUses, req.Note)
	if err != nil {
		if errors.Is(err, models.ErrScriptNotFound) {
			RespondJSON(w, http.StatusNotFound, CreateKeyResponse{
				Success:   false,
				Error:     "Script not found",
				ErrorCode: string(services.CodeScriptNotFound),
			})
			return
		}
		if errors.Is(err, models.ErrDuplicateKeyCode) {
			RespondJSON(w, http.StatusConflict, CreateKeyResponse{
				Success: false,
				Error:   "Key generation collided, try again",
			})
			return
		}

		log.Error().Err(err).Msg("Failed to create key")
		RespondError(w, http.StatusInternalServerError, "Failed to create key")
		return
	}

	RespondJSON(w, http.StatusCreated, CreateKeyResponse{
		Success: true,
		Key:     key,
	})
}

// RedeemKeyRequest is the body of POST /api/keys/redeem
type RedeemKeyRequest struct {
	Key       string `json:"key"`
	DiscordID string `json:"discord_id"`
}

// RedeemKey handles POST /api/keys/redeem
func (h *KeysHandler) RedeemKey(w http.ResponseWriter, r *http.Request) {
	var req RedeemKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Key == "" || req.DiscordID == "" {
		RespondError(w, http.StatusBadRequest, "key and discord_id are required")
		return
	}

	result, err := h.licenseService.RedeemKey(r.Context(), req.Key, req.DiscordID)
	if err != nil {
		log.Error().Err(err).Msg("Key redemption failed with store error")
		RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// ListKeys handles GET /api/keys
func (h *KeysHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.licenseService.GetAllKeys(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list keys")
		RespondError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	if keys == nil {
		keys = []*models.Key{}
	}
	RespondJSON(w, http.StatusOK, keys)
}

// GetKey handles GET /api/keys/{keyCode}
func (h *KeysHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	keyCode := chi.URLParam(r, "keyCode")

	key, err := h.licenseService.GetKeyInfo(r.Context(), keyCode)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get key info")
		RespondError(w, http.StatusInternalServerError, "Failed to get key info")
		return
	}

	if key == nil {
		RespondError(w, http.StatusNotFound, "Key not found")
		return
	}

	RespondJSON(w, http.StatusOK, key)
}

// DeleteKey handles DELETE /api/keys/{keyCode}. A missing key is a
// success=false result, not an error.
func (h *KeysHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyCode := chi.URLParam(r, "keyCode")

	deleted, err := h.licenseService.DeleteKey(r.Context(), keyCode)
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete key")
		RespondError(w, http.StatusInternalServerError, "Failed to delete key")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": deleted})
}

// ResetHWID handles POST /api/keys/{keyCode}/reset-hwid
func (h *KeysHandler) ResetHWID(w http.ResponseWriter, r *http.Request) {
	keyCode := chi.URLParam(r, "keyCode")

	reset, err := h.licenseService.ResetHWID(r.Context(), keyCode)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reset hwid")
		RespondError(w, http.StatusInternalServerError, "Failed to reset hwid")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": reset})
}

// GetValidations handles GET /api/keys/{keyCode}/validations
func (h *KeysHandler) GetValidations(w http.ResponseWriter, r *http.Request) {
	keyCode := chi.URLParam(r, "keyCode")

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	validations, err := h.licenseService.GetKeyValidations(r.Context(), keyCode, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list validations")
		RespondError(w, http.StatusInternalServerError, "Failed to list validations")
		return
	}

	if validations == nil {
		validations = []*models.KeyValidation{}
	}
	RespondJSON(w, http.StatusOK, validations)
}

// GetUserKeys handles GET /api/users/{discordID}/keys
func (h *KeysHandler) GetUserKeys(w http.ResponseWriter, r *http.Request) {
	discordID := chi.URLParam(r, "discordID")

	keys, err := h.licenseService.GetUserKeys(r.Context(), discordID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list user keys")
		RespondError(w, http.StatusInternalServerError, "Failed to list user keys")
		return
	}

	if keys == nil {
		keys = []*models.Key{}
	}
	RespondJSON(w, http.StatusOK, keys)
}
