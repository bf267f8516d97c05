package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/notify"
	"github.com/keygate/keygate/internal/services"
)

// ValidateHandler serves the public validation endpoint used by script
// clients. It translates JSON to the engine call and back; every business
// classification, success or failure, comes out as HTTP 200.
type ValidateHandler struct {
	licenseService *services.LicenseService
	notifier       *notify.Client
}

func NewValidateHandler(licenseService *services.LicenseService, notifier *notify.Client) *ValidateHandler {
	return &ValidateHandler{
		licenseService: licenseService,
		notifier:       notifier,
	}
}

// ValidateRequest is the body of POST /validate
type ValidateRequest struct {
	Key       string `json:"key"`
	DiscordID string `json:"discord_id,omitempty"`
	HWID      string `json:"hwid,omitempty"`
}

// Validate handles POST /validate
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Key == "" {
		RespondError(w, http.StatusBadRequest, "Key is required")
		return
	}

	result, err := h.licenseService.ValidateKey(r.Context(), req.Key, req.DiscordID, req.HWID)
	if err != nil {
		log.Error().Err(err).Msg("Key validation failed with store error")
		RespondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"valid":   false,
			"code":    "SERVER_ERROR",
			"message": "Internal server error",
		})
		return
	}

	// Observational only; never delays or alters the response.
	h.notifier.ValidationAttempted(req.Key, result)

	RespondJSON(w, http.StatusOK, result)
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
