package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/settings"
	"github.com/certdispatch/certdispatch/internal/token"
)

// Outcome tells what DispatchCheck did with a check request.
type Outcome string

const (
	// Queued means the check was handed to the queue for an agent.
	Queued Outcome = "queued"
	// LocalFallback means the caller should probe the endpoint directly.
	LocalFallback Outcome = "local_fallback"
	// Skipped means the check must not run now.
	Skipped Outcome = "skipped"
)

// RemoteSettings provides the remote client configuration.
type RemoteSettings interface {
	RemoteClient(ctx context.Context) settings.RemoteClient
}

// PrimaryToken returns the token agents are expected to use.
type PrimaryToken interface {
	Primary(ctx context.Context) (token.Token, error)
}

// DispatcherConfig holds configuration for a Dispatcher.
type DispatcherConfig struct {
	Queue    Queue
	Records  RecordManager
	Settings RemoteSettings
	Tokens   PrimaryToken
	Logger   zerolog.Logger
}

// Dispatcher decides, per check request, between the agent queue and the
// local fallback path.
type Dispatcher struct {
	queue    Queue
	records  RecordManager
	settings RemoteSettings
	tokens   PrimaryToken
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		queue:    cfg.Queue,
		records:  cfg.Records,
		settings: cfg.Settings,
		tokens:   cfg.Tokens,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Result is the outcome of DispatchCheck.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	RequestID string  `json:"requestId,omitempty"`
}

// DispatchCheck routes a check for subjectID. origin tags the task, e.g.
// "manual" or "cron".
//
// Agent-only records are never routed to the local path: when the remote
// client is not ready they are skipped.
func (d *Dispatcher) DispatchCheck(ctx context.Context, subjectID, origin string) (Result, error) {
	target, err := d.records.GetURL(ctx, subjectID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", subjectID, err)
	}
	agentOnly, err := d.records.GetAgentOnlyFlag(ctx, subjectID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch %s: %w", subjectID, err)
	}

	remote := d.settings.RemoteClient(ctx)
	if d.remoteReady(ctx, remote) {
		label, err := d.records.GetLabel(ctx, subjectID)
		if err != nil {
			return Result{}, fmt.Errorf("dispatch %s: %w", subjectID, err)
		}
		requestID, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
			SubjectID: subjectID,
			Target:    target,
			Label:     label,
			Context:   origin,
			AgentOnly: agentOnly,
		})
		if errors.Is(err, queue.ErrEmptyTarget) {
			d.logger.Warn().Str("subject_id", subjectID).Msg("record has no url, check skipped")
			return Result{Outcome: Skipped}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("dispatch %s: %w", subjectID, err)
		}
		if recorder, ok := d.records.(DispatchRecorder); ok {
			if err := recorder.MarkDispatched(ctx, subjectID); err != nil {
				d.logger.Warn().Err(err).Str("subject_id", subjectID).Msg("failed to stamp dispatched record")
			}
		}
		return Result{Outcome: Queued, RequestID: requestID}, nil
	}

	switch {
	case agentOnly:
		return Result{Outcome: Skipped}, nil
	case !remote.Enabled, remote.LocalFallback:
		return Result{Outcome: LocalFallback}, nil
	default:
		return Result{Outcome: Skipped}, nil
	}
}

func (d *Dispatcher) remoteReady(ctx context.Context, remote settings.RemoteClient) bool {
	if !remote.Enabled {
		return false
	}
	primary, err := d.tokens.Primary(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("no primary agent token available")
		return false
	}
	return primary.Secret != ""
}
