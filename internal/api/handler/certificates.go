package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/api/response"
	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/queue"
)

// CertificateAdmin manages monitored endpoints.
type CertificateAdmin interface {
	Create(ctx context.Context, record certificate.Record) (*certificate.Record, error)
	Get(ctx context.Context, id string) (*certificate.Record, error)
	List(ctx context.Context, opts certificate.ListOptions) ([]*certificate.Record, error)
	Delete(ctx context.Context, id string) error
}

// CheckDispatcher routes a certificate check.
type CheckDispatcher interface {
	DispatchCheck(ctx context.Context, subjectID, origin string) (dispatch.Result, error)
}

// CertificateHandler handles /v1/admin/certificates.
type CertificateHandler struct {
	records    CertificateAdmin
	dispatcher CheckDispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewCertificateHandler creates a new CertificateHandler.
func NewCertificateHandler(records CertificateAdmin, dispatcher CheckDispatcher, logger zerolog.Logger) *CertificateHandler {
	return &CertificateHandler{
		records:    records,
		dispatcher: dispatcher,
		logger:     logger.With().Str("handler", "certificates").Logger(),
		now:        time.Now,
	}
}

// List handles GET /v1/admin/certificates?limit.
func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.records.List(r.Context(), certificate.ListOptions{Limit: limit})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewListResponse(models.NewCertificates(records, h.now())))
}

// Get handles GET /v1/admin/certificates/{certificateId}.
func (h *CertificateHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.records.Get(r.Context(), chi.URLParam(r, "certificateId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewCertificate(record, h.now()))
}

// Create handles POST /v1/admin/certificates.
func (h *CertificateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.CreateCertificateRequest
	if !response.Decode(w, r, &input, false) {
		return
	}
	if errs := input.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "invalid certificate", errs)
		return
	}

	record, err := h.records.Create(r.Context(), input.ToRecord())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Created(w, r, "/v1/admin/certificates/"+record.ID, models.NewCertificate(record, h.now()))
}

// Delete handles DELETE /v1/admin/certificates/{certificateId}.
func (h *CertificateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.records.Delete(r.Context(), chi.URLParam(r, "certificateId")); err != nil {
		h.fail(w, r, err)
		return
	}
	response.NoContent(w, r)
}

// Check handles POST /v1/admin/certificates/{certificateId}/check - route a
// check to the agents or report that it should run locally.
func (h *CertificateHandler) Check(w http.ResponseWriter, r *http.Request) {
	var input models.DispatchRequest
	if !response.Decode(w, r, &input, true) {
		return
	}
	origin := strings.TrimSpace(input.Context)
	if origin == "" {
		origin = queue.DefaultContext
	}

	id := chi.URLParam(r, "certificateId")
	result, err := h.dispatcher.DispatchCheck(r.Context(), id, origin)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info().
		Str("subject_id", id).
		Str("outcome", string(result.Outcome)).
		Str("operator", operator(r)).
		Msg("check dispatched")

	status := http.StatusOK
	if result.Outcome == dispatch.Queued {
		status = http.StatusAccepted
	}
	response.JSON(w, r, status, models.DispatchResponse{
		Outcome:   string(result.Outcome),
		RequestID: result.RequestID,
	})
}

func (h *CertificateHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, certificate.ErrRecordNotFound):
		response.NotFound(w, r, "certificate not found")
	case errors.Is(err, certificate.ErrMissingURL):
		response.BadRequest(w, r, "url is required", nil)
	case errors.Is(err, certificate.ErrDuplicateID):
		response.Conflict(w, r, "a certificate with this id already exists")
	default:
		h.logger.Error().Err(err).Msg("certificate operation failed")
		response.InternalError(w, r, "certificate store error")
	}
}
