package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/api/response"
	"github.com/certdispatch/certdispatch/internal/dispatch"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/token"
)

// AgentGateway is the dispatch surface used by remote agents.
type AgentGateway interface {
	Poll(ctx context.Context, tok token.Token, req dispatch.PollRequest) (dispatch.PollResult, error)
	Tasks(ctx context.Context, limit int, filter queue.AgentFilter) (dispatch.PollResult, error)
	Ack(ctx context.Context, tok token.Token, rows []dispatch.AckRow) int
	Report(ctx context.Context, tok token.Token, raw []json.RawMessage) int
}

// AgentHandler serves the agent wire protocol under /agent.
type AgentHandler struct {
	gateway AgentGateway
	logger  zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(gateway AgentGateway, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		gateway: gateway,
		logger:  logger.With().Str("handler", "agent").Logger(),
	}
}

type reportResponse struct {
	OK      bool `json:"ok"`
	Updated int  `json:"updated"`
}

type ackResponse struct {
	OK           bool `json:"ok"`
	Acknowledged int  `json:"acknowledged"`
}

// Poll handles GET|POST /agent/poll - lease tasks to the calling agent.
// Unscoped polls only receive agent-only tasks.
func (h *AgentHandler) Poll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := dispatch.PollRequest{
		Limit:  queue.ParseLimit(q.Get("limit")),
		Filter: queue.ParseAgentFilter(q.Get("agent_only"), queue.AgentOnly),
		Force:  parseFlag(q.Get("force")),
	}

	result, err := h.gateway.Poll(r.Context(), agentToken(r), req)
	if err != nil {
		h.logger.Error().Err(err).Str("token_id", agentToken(r).ID).Msg("poll failed")
		response.ServiceUnavailable(w, r, "task queue is temporarily unavailable")
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

// Tasks handles GET /agent/tasks - list tasks without leasing them.
// Unscoped listings include every task.
func (h *AgentHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.gateway.Tasks(r.Context(),
		queue.ParseLimit(q.Get("limit")),
		queue.ParseAgentFilter(q.Get("agent_only"), queue.Any),
	)
	if err != nil {
		h.logger.Error().Err(err).Msg("task listing failed")
		response.ServiceUnavailable(w, r, "task queue is temporarily unavailable")
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

// Report handles POST /agent/report - apply check results.
func (h *AgentHandler) Report(w http.ResponseWriter, r *http.Request) {
	var body dispatch.ReportRequest
	if !response.Decode(w, r, &body, true) {
		return
	}

	updated := h.gateway.Report(r.Context(), agentToken(r), body.Results)
	response.JSON(w, r, http.StatusOK, reportResponse{OK: true, Updated: updated})
}

// Ack handles POST /agent/ack - record that tasks were received.
func (h *AgentHandler) Ack(w http.ResponseWriter, r *http.Request) {
	var body dispatch.AckRequest
	if !response.Decode(w, r, &body, true) {
		return
	}

	n := h.gateway.Ack(r.Context(), agentToken(r), body.Rows())
	response.JSON(w, r, http.StatusOK, ackResponse{OK: true, Acknowledged: n})
}

// parseFlag reads a boolean query flag such as force=1.
func parseFlag(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return strings.EqualFold(raw, "yes")
}
