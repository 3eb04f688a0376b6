package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/api/response"
	"github.com/certdispatch/certdispatch/internal/queue"
)

// QueueAdmin is the operator view of the task queue.
type QueueAdmin interface {
	List(ctx context.Context) ([]queue.Task, error)
	Peek(ctx context.Context, limit int, filter queue.AgentFilter) ([]queue.Task, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Remove(ctx context.Context, subjectID string) error
}

// QueueHandler handles /v1/admin/queue.
type QueueHandler struct {
	queue  QueueAdmin
	logger zerolog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(q QueueAdmin, logger zerolog.Logger) *QueueHandler {
	return &QueueHandler{queue: q, logger: logger.With().Str("handler", "queue").Logger()}
}

type queueListing struct {
	models.ListResponse[models.Task]
	Stats models.QueueStats `json:"stats"`
}

// List handles GET /v1/admin/queue/tasks - every resident task with stats.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.queue.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, queueListing{
		ListResponse: models.NewListResponse(models.NewTasks(tasks)),
		Stats:        models.NewQueueStats(stats),
	})
}

// Peek handles GET /v1/admin/queue/peek?limit&agent_only - what the next
// poll would lease, without leasing it.
func (h *QueueHandler) Peek(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := h.queue.Peek(r.Context(),
		queue.ParseLimit(q.Get("limit")),
		queue.ParseAgentFilter(q.Get("agent_only"), queue.Any),
	)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NewListResponse(models.NewTasks(tasks)))
}

// Enqueue handles POST /v1/admin/queue/tasks.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var input models.EnqueueTaskRequest
	if !response.Decode(w, r, &input, false) {
		return
	}
	if errs := input.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "invalid task", errs)
		return
	}

	requestID, err := h.queue.Enqueue(r.Context(), input.ToEnqueue())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Accepted(w, r, "", models.EnqueueTaskResponse{RequestID: requestID})
}

// Remove handles DELETE /v1/admin/queue/tasks/{subjectId}.
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Remove(r.Context(), chi.URLParam(r, "subjectId")); err != nil {
		h.fail(w, r, err)
		return
	}
	response.NoContent(w, r)
}

func (h *QueueHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		response.NotFound(w, r, "task not found")
	case errors.Is(err, queue.ErrEmptyTarget), errors.Is(err, queue.ErrEmptySubject):
		response.BadRequest(w, r, err.Error(), nil)
	default:
		h.logger.Error().Err(err).Msg("queue operation failed")
		response.InternalError(w, r, "queue store error")
	}
}
