// Package handler provides HTTP handlers for the certdispatch API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/certdispatch/certdispatch/internal/api/models"
	"github.com/certdispatch/certdispatch/internal/api/response"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/token"
)

// readinessTimeout bounds each dependency check.
const readinessTimeout = 2 * time.Second

// Pinger is a dependency that can be probed for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsConfig holds the dependencies of the ops endpoints. Nil fields are
// left out of the status report.
type OpsConfig struct {
	Version   string
	BuildTime string

	// Dependencies maps a subsystem name to its readiness probe.
	Dependencies map[string]Pinger

	Breakers *resilience.Registry
	Queue    interface {
		Stats(ctx context.Context) (queue.Stats, error)
	}
	Tokens interface {
		List(ctx context.Context) ([]token.Token, error)
	}
	Logger zerolog.Logger
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	cfg    OpsConfig
	logger zerolog.Logger
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{cfg: cfg, logger: cfg.Logger.With().Str("handler", "ops").Logger()}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.cfg.Version,
			"buildTime": h.cfg.BuildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - 503 while any dependency fails.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subsystems := h.probe(r.Context())

	status := models.HealthStatusOK
	details := make(map[string]interface{}, len(subsystems))
	for _, s := range subsystems {
		details[s.Name] = s.Status
		if s.Status == models.HealthStatusFail {
			status = models.HealthStatusFail
		}
	}

	code := http.StatusOK
	if status == models.HealthStatusFail {
		code = http.StatusServiceUnavailable
	}
	response.JSON(w, r, code, models.Health{
		Status:  status,
		Time:    models.Timestamp(time.Now()),
		Details: details,
	})
}

// SystemStatus handles GET /v1/ops/status - subsystems, outbound breakers,
// queue depth and token health.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(time.Now()),
		Subsystems: h.probe(r.Context()),
		Breakers:   h.breakers(),
	}

	for _, s := range status.Subsystems {
		status.Status = worse(status.Status, s.Status)
	}
	for _, b := range status.Breakers {
		status.Status = worse(status.Status, degradeOnly(b.Status))
	}

	if h.cfg.Queue != nil {
		stats, err := h.cfg.Queue.Stats(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("queue stats unavailable")
			status.Status = worse(status.Status, models.HealthStatusDegraded)
		} else {
			qs := models.NewQueueStats(stats)
			status.Queue = &qs
		}
	}

	if h.cfg.Tokens != nil {
		tokens, err := h.cfg.Tokens.List(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("token list unavailable")
			status.Status = worse(status.Status, models.HealthStatusDegraded)
		} else {
			status.Tokens = summarizeTokens(tokens)
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}

func (h *OpsHandler) probe(ctx context.Context) []models.SubsystemStatus {
	out := make([]models.SubsystemStatus, 0, len(h.cfg.Dependencies))
	for _, name := range sortedKeys(h.cfg.Dependencies) {
		checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		err := h.cfg.Dependencies[name].Ping(checkCtx)
		cancel()

		s := models.SubsystemStatus{Name: name, Status: models.HealthStatusOK}
		if err != nil {
			h.logger.Warn().Err(err).Str("subsystem", name).Msg("readiness probe failed")
			detail := err.Error()
			s.Status = models.HealthStatusFail
			s.Detail = &detail
		}
		out = append(out, s)
	}
	return out
}

func (h *OpsHandler) breakers() []models.BreakerStatus {
	if h.cfg.Breakers == nil {
		return []models.BreakerStatus{}
	}
	all := h.cfg.Breakers.GetAllHealth()
	out := make([]models.BreakerStatus, 0, len(all))
	for _, b := range all {
		s := models.BreakerStatus{
			Name:          b.Name,
			Status:        breakerHealth(b.CircuitState),
			State:         b.CircuitState.String(),
			Requests:      b.Counts.Requests,
			Failures:      b.Counts.TotalFailures,
			LastSuccessAt: toTimestamp(b.LastSuccessAt),
			LastFailureAt: toTimestamp(b.LastFailureAt),
		}
		if b.LastError != "" {
			msg := b.LastError
			s.Message = &msg
		}
		out = append(out, s)
	}
	return out
}

func breakerHealth(state gobreaker.State) models.HealthStatus {
	switch state {
	case gobreaker.StateOpen:
		return models.HealthStatusFail
	case gobreaker.StateHalfOpen:
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusOK
	}
}

// degradeOnly caps an outbound dependency's status at DEGRADED: a failing
// mail relay does not take the dispatch core down.
func degradeOnly(s models.HealthStatus) models.HealthStatus {
	if s == models.HealthStatusFail {
		return models.HealthStatusDegraded
	}
	return s
}

func worse(a, b models.HealthStatus) models.HealthStatus {
	rank := map[models.HealthStatus]int{
		models.HealthStatusOK:       0,
		models.HealthStatusDegraded: 1,
		models.HealthStatusFail:     2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func summarizeTokens(tokens []token.Token) *models.TokenSummary {
	s := &models.TokenSummary{Total: len(tokens)}
	for _, t := range tokens {
		switch t.HealthStatus {
		case token.HealthOnline:
			s.Online++
		case token.HealthOffline:
			s.Offline++
		default:
			s.Unknown++
		}
	}
	return s
}

func toTimestamp(t *time.Time) *models.Timestamp {
	if t == nil {
		return nil
	}
	ts := models.Timestamp(*t)
	return &ts
}
