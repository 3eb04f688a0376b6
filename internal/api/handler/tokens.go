package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/api/response"
	"github.com/certdispatch/certdispatch/internal/token"
)

// defaultOfflineMessage is recorded when an operator gives no reason.
const defaultOfflineMessage = "marked offline by operator"

// TokenAdmin manages agent tokens.
type TokenAdmin interface {
	List(ctx context.Context) ([]token.Token, error)
	Get(ctx context.Context, id string) (token.Token, error)
	Create(ctx context.Context, name string) (token.Token, error)
	Edit(ctx context.Context, id string, u token.Update) (token.Token, error)
	Delete(ctx context.Context, id string) error
	RotateSecret(ctx context.Context, id string) (token.Token, error)
	MarkOffline(ctx context.Context, id, message string) (token.Token, error)
}

// OfflineNotifier alerts operators that a token went offline.
type OfflineNotifier interface {
	NotifyIfOffline(ctx context.Context, t token.Token, message string) (bool, error)
}

// TokenHandler handles /v1/admin/tokens.
type TokenHandler struct {
	tokens   TokenAdmin
	notifier OfflineNotifier
	logger   zerolog.Logger
}

// NewTokenHandler creates a new TokenHandler. notifier may be nil.
func NewTokenHandler(tokens TokenAdmin, notifier OfflineNotifier, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{
		tokens:   tokens,
		notifier: notifier,
		logger:   logger.With().Str("handler", "tokens").Logger(),
	}
}

// List handles GET /v1/admin/tokens.
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewListResponse(models.NewTokens(tokens)))
}

// Get handles GET /v1/admin/tokens/{tokenId}. With reveal=1 the full secret
// is included, for example to configure an agent with the default token.
func (h *TokenHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.tokens.Get(r.Context(), chi.URLParam(r, "tokenId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reveal := parseFlag(r.URL.Query().Get("reveal"))
	if reveal {
		h.logger.Info().Str("token_id", t.ID).Str("operator", operator(r)).Msg("agent token secret revealed")
	}
	response.JSON(w, r, http.StatusOK, models.NewToken(t, reveal))
}

// Create handles POST /v1/admin/tokens. The response is the only place the
// new secret is shown in full.
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.CreateTokenRequest
	if !response.Decode(w, r, &input, true) {
		return
	}
	if errs := input.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "invalid token", errs)
		return
	}

	t, err := h.tokens.Create(r.Context(), input.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("token_id", t.ID).Str("operator", operator(r)).Msg("agent token created")
	response.Created(w, r, "/v1/admin/tokens/"+t.ID, models.NewToken(t, true))
}

// Update handles PATCH /v1/admin/tokens/{tokenId}.
func (h *TokenHandler) Update(w http.ResponseWriter, r *http.Request) {
	var input models.UpdateTokenRequest
	if !response.Decode(w, r, &input, false) {
		return
	}
	if errs := input.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "invalid token update", errs)
		return
	}

	t, err := h.tokens.Edit(r.Context(), chi.URLParam(r, "tokenId"), input.ToUpdate())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewToken(t, false))
}

// Delete handles DELETE /v1/admin/tokens/{tokenId}.
func (h *TokenHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tokenId")
	if err := h.tokens.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("token_id", id).Str("operator", operator(r)).Msg("agent token deleted")
	response.NoContent(w, r)
}

// Rotate handles POST /v1/admin/tokens/{tokenId}/rotate.
func (h *TokenHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	t, err := h.tokens.RotateSecret(r.Context(), chi.URLParam(r, "tokenId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().Str("token_id", t.ID).Str("operator", operator(r)).Msg("agent token rotated")
	response.JSON(w, r, http.StatusOK, models.NewToken(t, true))
}

// MarkOffline handles POST /v1/admin/tokens/{tokenId}/offline and sends the
// offline alert when one is configured.
func (h *TokenHandler) MarkOffline(w http.ResponseWriter, r *http.Request) {
	var input models.MarkOfflineRequest
	if !response.Decode(w, r, &input, true) {
		return
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = defaultOfflineMessage
	}

	t, err := h.tokens.MarkOffline(r.Context(), chi.URLParam(r, "tokenId"), message)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	notified := false
	if h.notifier != nil {
		notified, err = h.notifier.NotifyIfOffline(r.Context(), t, message)
		if err != nil {
			h.logger.Error().Err(err).Str("token_id", t.ID).Msg("offline notification failed")
		}
	}
	response.JSON(w, r, http.StatusOK, models.MarkOfflineResponse{
		Token:    models.NewToken(t, false),
		Notified: notified,
	})
}

func (h *TokenHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, token.ErrTokenNotFound) {
		response.NotFound(w, r, "agent token not found")
		return
	}
	h.logger.Error().Err(err).Msg("token operation failed")
	response.InternalError(w, r, "token store error")
}
