package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/api/response"
)

// defaultActivityLimit bounds an unscoped activity listing.
const defaultActivityLimit = 50

// ActivityLister reads the activity log.
type ActivityLister interface {
	List(ctx context.Context, limit int) ([]activity.Entry, error)
}

// ActivityHandler handles GET /v1/admin/activity.
type ActivityHandler struct {
	log    ActivityLister
	logger zerolog.Logger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(log ActivityLister, logger zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{log: log, logger: logger.With().Str("handler", "activity").Logger()}
}

// List returns the newest entries first. limit=0 returns the whole ring.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(w, r, "limit must be a non-negative integer", []models.FieldError{
				{Field: "limit", Message: "must be a non-negative integer", Code: "INVALID"},
			})
			return
		}
		limit = n
	}

	entries, err := h.log.List(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("activity listing failed")
		response.InternalError(w, r, "activity store error")
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewListResponse(models.NewActivityEntries(entries)))
}
