package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/duolens/internal/config"
)

// SettingsService reads and updates the application settings.
type SettingsService interface {
	Settings() map[string]string
	UpdateSetting(key, value string) (bool, error)
}

// SettingsHandler handles GET and PUT on /api/settings.
type SettingsHandler struct {
	settings SettingsService
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(s SettingsService) *SettingsHandler {
	return &SettingsHandler{settings: s}
}

type updateSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type settingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	// Applied is false when the setting takes effect after a restart.
	Applied bool `json:"applied"`
}

type listSettingsResponse struct {
	Settings map[string]string `json:"settings"`
}

// ServeHTTP implements the http.Handler interface.
func (h *SettingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, listSettingsResponse{Settings: h.settings.Settings()})
	case http.MethodPut:
		h.update(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// update handles PUT /api/settings.
func (h *SettingsHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "Key is required")
		return
	}

	applied, err := h.settings.UpdateSetting(req.Key, req.Value)
	switch {
	case errors.Is(err, config.ErrUnknownSetting):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, config.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to update setting")
		return
	}

	writeJSON(w, http.StatusOK, settingResponse{Key: req.Key, Value: req.Value, Applied: applied})
}
