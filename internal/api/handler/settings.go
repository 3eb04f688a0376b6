package handler

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/api/response"
	"github.com/certdispatch/certdispatch/internal/settings"
)

// RemoteClientSettings reads and writes the remote client settings.
type RemoteClientSettings interface {
	RemoteClient(ctx context.Context) settings.RemoteClient
	SetRemoteClient(ctx context.Context, s settings.RemoteClient) (settings.RemoteClient, error)
}

// SettingsHandler handles /v1/admin/settings.
type SettingsHandler struct {
	settings RemoteClientSettings
	logger   zerolog.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(s RemoteClientSettings, logger zerolog.Logger) *SettingsHandler {
	return &SettingsHandler{settings: s, logger: logger.With().Str("handler", "settings").Logger()}
}

// GetRemoteClient handles GET /v1/admin/settings/remote-client.
func (h *SettingsHandler) GetRemoteClient(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.NewRemoteClientSettings(h.settings.RemoteClient(r.Context())))
}

// PutRemoteClient handles PUT /v1/admin/settings/remote-client.
func (h *SettingsHandler) PutRemoteClient(w http.ResponseWriter, r *http.Request) {
	var input models.RemoteClientSettings
	if !response.Decode(w, r, &input, false) {
		return
	}

	saved, err := h.settings.SetRemoteClient(r.Context(), input.ToSettings())
	if err != nil {
		h.logger.Error().Err(err).Msg("saving remote client settings failed")
		response.InternalError(w, r, "settings store error")
		return
	}
	h.logger.Info().
		Bool("enabled", saved.Enabled).
		Bool("local_fallback", saved.LocalFallback).
		Str("operator", operator(r)).
		Msg("remote client settings updated")
	response.JSON(w, r, http.StatusOK, models.NewRemoteClientSettings(saved))
}
