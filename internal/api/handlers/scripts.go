package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/services"
)

// ScriptsHandler serves the administrative script management endpoints
type ScriptsHandler struct {
	licenseService *services.LicenseService
}

func NewScriptsHandler(licenseService *services.LicenseService) *ScriptsHandler {
	return &ScriptsHandler{licenseService: licenseService}
}

// RegisterRoutes registers script management routes
func (h *ScriptsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/scripts", func(r chi.Router) {
		r.Get("/", h.ListScripts)
		r.Post("/", h.CreateScript)
		r.Delete("/{scriptID}", h.DeleteScript)
	})
}

// CreateScriptRequest is the body of POST /api/scripts
type CreateScriptRequest struct {
	ScriptName  string `json:"script_name"`
	Description string `json:"description,omitempty"`
}

// CreateScriptResponse mirrors the engine's create_script contract
type CreateScriptResponse struct {
	Success   bool            `json:"success"`
	Script    *models.Script  `json:"script,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// CreateScript handles POST /api/scripts
func (h *ScriptsHandler) CreateScript(w http.ResponseWriter, r *http.Request) {
	var req CreateScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ScriptName == "" {
		RespondError(w, http.StatusBadRequest, "script_name is required")
		return
	}

	script, err := h.licenseService.CreateScript(r.Context(), req.ScriptName, req.Description)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateScriptName) {
			RespondJSON(w, http.StatusConflict, CreateScriptResponse{
				Success:   false,
				Error:     "Script name already exists",
				ErrorCode: string(services.CodeDuplicateScriptName),
			})
			return
		}

		log.Error().Err(err).Msg("Failed to create script")
		RespondError(w, http.StatusInternalServerError, "Failed to create script")
		return
	}

	RespondJSON(w, http.StatusCreated, CreateScriptResponse{
		Success: true,
		Script:  script,
	})
}

// ListScripts handles GET /api/scripts
func (h *ScriptsHandler) ListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := h.licenseService.GetAllScripts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list scripts")
		RespondError(w, http.StatusInternalServerError, "Failed to list scripts")
		return
	}

	if scripts == nil {
		scripts = []*models.Script{}
	}
	RespondJSON(w, http.StatusOK, scripts)
}

// DeleteScript handles DELETE /api/scripts/{scriptID}. The cascade removes
// every key issued for the script.
func (h *ScriptsHandler) DeleteScript(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")

	deleted, err := h.licenseService.DeleteScript(r.Context(), scriptID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to delete script")
		RespondError(w, http.StatusInternalServerError, "Failed to delete script")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"success": deleted})
}
