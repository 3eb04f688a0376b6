package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/telemetry"
	"github.com/certdispatch/certdispatch/internal/token"
)

// ErrForbidden is returned for a missing or unrecognised agent credential.
var ErrForbidden = errors.New("dispatch: forbidden")

// ReportPath is the path agents post results to.
const ReportPath = "/agent/report"

// GatewayConfig holds configuration for the gateway.
type GatewayConfig struct {
	Tokens   Tokens
	Queue    Queue
	Records  RecordManager
	Notifier OfflineNotifier
	Activity activity.Recorder
	Metrics  *telemetry.DispatchMetrics
	Logger   zerolog.Logger

	// PublicBaseURL is prefixed to ReportPath to form task callback URLs.
	PublicBaseURL string
}

// Gateway serves agent polls and reports.
type Gateway struct {
	tokens   Tokens
	queue    Queue
	records  RecordManager
	notifier OfflineNotifier
	activity activity.Recorder
	metrics  *telemetry.DispatchMetrics
	logger   zerolog.Logger
	callback string
}

// NewGateway creates a gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	recorder := cfg.Activity
	if recorder == nil {
		recorder = activity.Discard{}
	}
	return &Gateway{
		tokens:   cfg.Tokens,
		queue:    cfg.Queue,
		records:  cfg.Records,
		notifier: cfg.Notifier,
		activity: recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		callback: strings.TrimRight(cfg.PublicBaseURL, "/") + ReportPath,
	}
}

// CallbackURL returns the report address handed out with each task.
func (g *Gateway) CallbackURL() string {
	return g.callback
}

// Authenticate resolves the presented secret to a token. Any failure to
// match returns ErrForbidden; other errors come from the token store.
func (g *Gateway) Authenticate(ctx context.Context, presented string) (token.Token, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		g.metrics.AuthFailure(ctx, "missing")
		g.activity.Append(ctx, "agent request without token", nil, activity.LevelWarning)
		return token.Token{}, ErrForbidden
	}

	result, err := g.tokens.Authenticate(ctx, presented)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrForbidden):
		g.rejected(ctx, presented, result)
		return token.Token{}, ErrForbidden
	default:
		return token.Token{}, fmt.Errorf("authenticate agent: %w", err)
	}

	if result.CameOnline {
		g.logger.Info().Str("token_id", result.Token.ID).Msg("agent authenticated")
		g.activity.Append(ctx, "agent authenticated", activity.Context{
			"token": tokenLabel(result.Token),
		}, activity.LevelInfo)
	}
	return result.Token, nil
}

func (g *Gateway) rejected(ctx context.Context, presented string, result token.AuthResult) {
	details := activity.Context{"token_fragment": token.Prefix(presented)}
	if !result.Revoked {
		g.metrics.AuthFailure(ctx, "unknown")
		g.activity.Append(ctx, "agent token authentication failed", details, activity.LevelWarning)
		return
	}

	g.metrics.AuthFailure(ctx, "revoked")
	details["token"] = tokenLabel(result.Token)
	g.activity.Append(ctx, "agent token authentication failed", details, activity.LevelWarning)

	// The token store has already marked the token offline.
	if g.notifier == nil {
		return
	}
	if _, err := g.notifier.NotifyIfOffline(ctx, result.Token, result.Token.LastError); err != nil {
		g.logger.Error().Err(err).Str("token_id", result.Token.ID).Msg("offline notification failed")
	}
}

// Poll leases up to req.Limit tasks to the agent.
func (g *Gateway) Poll(ctx context.Context, tok token.Token, req PollRequest) (PollResult, error) {
	limit := queue.ClampLimit(req.Limit)

	claimed, err := g.queue.Claim(ctx, limit, req.Filter)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll: %w", err)
	}

	label := tokenLabel(tok)
	if len(claimed) > 0 {
		jobs := make([]activity.Context, 0, len(claimed))
		for _, t := range claimed {
			jobs = append(jobs, activity.Context{
				"subject_id": t.SubjectID,
				"request_id": t.RequestID,
				"target":     t.Target,
				"attempts":   t.Attempts,
			})
		}
		g.activity.Append(ctx, "tasks handed to agent", activity.Context{
			"count":  len(claimed),
			"token":  label,
			"filter": req.Filter.String(),
			"jobs":   jobs,
		}, activity.LevelInfo)
	}
	if req.Force {
		g.activity.Append(ctx, "agent forced a poll", activity.Context{
			"limit": limit,
			"token": label,
		}, activity.LevelInfo)
	}

	stats, err := g.queue.Stats(ctx)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll: %w", err)
	}

	g.logger.Debug().
		Str("token_id", tok.ID).
		Int("claimed", len(claimed)).
		Int("pending", stats.Total).
		Str("filter", req.Filter.String()).
		Msg("agent poll")

	tasks := toAgentTasks(claimed, g.callback)
	return PollResult{Tasks: tasks, Count: len(tasks), Pending: stats.Total}, nil
}

// Tasks lists what a poll would return without leasing anything.
func (g *Gateway) Tasks(ctx context.Context, limit int, filter queue.AgentFilter) (PollResult, error) {
	peeked, err := g.queue.Peek(ctx, limit, filter)
	if err != nil {
		return PollResult{}, fmt.Errorf("list tasks: %w", err)
	}
	stats, err := g.queue.Stats(ctx)
	if err != nil {
		return PollResult{}, fmt.Errorf("list tasks: %w", err)
	}
	tasks := toAgentTasks(peeked, g.callback)
	return PollResult{Tasks: tasks, Count: len(tasks), Pending: stats.Total}, nil
}

// Ack records that the agent received tasks. The queue is not changed.
func (g *Gateway) Ack(ctx context.Context, tok token.Token, rows []AckRow) int {
	var acknowledged []activity.Context
	for _, row := range rows {
		if !row.ID.Valid() {
			continue
		}
		entry := activity.Context{"id": string(row.ID)}
		if row.RequestID != "" {
			entry["request_id"] = row.RequestID
		}
		acknowledged = append(acknowledged, entry)
	}
	if len(acknowledged) > 0 {
		g.activity.Append(ctx, "agent acknowledged tasks", activity.Context{
			"token":        tokenLabel(tok),
			"acknowledged": acknowledged,
		}, activity.LevelInfo)
	}
	return len(acknowledged)
}

// Report applies agent results to the records and completes the matching
// tasks. Rows that cannot be decoded or name no subject are skipped. It
// returns the number of rows processed.
func (g *Gateway) Report(ctx context.Context, tok token.Token, raw []json.RawMessage) int {
	label := tokenLabel(tok)
	if len(raw) == 0 {
		g.activity.Append(ctx, "agent report received without results", activity.Context{
			"token": label,
		}, activity.LevelInfo)
		return 0
	}

	processed := 0
	for i, msg := range raw {
		var row ReportRow
		if err := json.Unmarshal(msg, &row); err != nil {
			g.logger.Warn().Err(err).Int("row", i).Str("token_id", tok.ID).Msg("skipping malformed report row")
			g.metrics.ReportProcessed(ctx, "malformed")
			continue
		}
		if !row.ID.Valid() {
			g.metrics.ReportProcessed(ctx, "malformed")
			continue
		}
		g.reportRow(ctx, label, row)
		processed++
	}
	return processed
}

func (g *Gateway) reportRow(ctx context.Context, label string, row ReportRow) {
	subject := string(row.ID)
	errMsg := strings.TrimSpace(row.Error)
	logger := g.logger.With().Str("subject_id", subject).Str("request_id", row.RequestID).Logger()

	details := map[string]any{"token": label}
	if expiry, ok := row.Expiry(); ok {
		details["expiry_ts"] = int64(row.ExpiryTS)
		if err := g.records.ApplyExpiry(ctx, subject, expiry); err != nil {
			logger.Warn().Err(err).Msg("failed to apply reported expiry")
			details["record_error"] = err.Error()
		} else if err := g.records.ClearError(ctx, subject); err != nil {
			logger.Warn().Err(err).Msg("failed to clear record error")
		}
	}

	cn, issuer := row.ReportedCommonName(), row.ReportedIssuer()
	if cn != "" {
		details["common_name"] = cn
	}
	if issuer != "" {
		details["issuer_name"] = issuer
	}
	if dr, ok := g.records.(DetailsRecorder); ok && (cn != "" || issuer != "") {
		if err := dr.ApplyDetails(ctx, subject, certificate.Details{CommonName: cn, Issuer: issuer}); err != nil {
			logger.Warn().Err(err).Msg("failed to apply certificate details")
		}
	}

	if errMsg != "" {
		details["error"] = errMsg
		if err := g.records.ApplyError(ctx, subject, errMsg); err != nil {
			logger.Warn().Err(err).Msg("failed to apply reported error")
			details["record_error"] = err.Error()
		}
	}

	addIf(details, "source", row.Source)
	addIf(details, "agent_check", row.CheckName)
	addIf(details, "agent_status", row.Status)
	addIf(details, "agent_executed_at", row.ExecutedAt)
	addIf(details, "initiator", row.Initiator)
	if row.LatencyMS > 0 {
		details["latency_ms"] = int64(row.LatencyMS)
	}

	_, err := g.queue.Complete(ctx, queue.Completion{
		SubjectID: subject,
		RequestID: row.RequestID,
		Success:   errMsg == "",
		Message:   errMsg,
		Details:   details,
	})
	switch {
	case err == nil:
		g.metrics.ReportProcessed(ctx, completionOutcome(errMsg == ""))
	case errors.Is(err, queue.ErrTaskNotFound):
		g.metrics.ReportProcessed(ctx, "stale")
	default:
		logger.Error().Err(err).Msg("failed to complete task")
		g.metrics.ReportProcessed(ctx, "error")
	}
}

func completionOutcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func addIf(m map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}

func tokenLabel(t token.Token) string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}
