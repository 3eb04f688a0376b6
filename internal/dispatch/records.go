// Package dispatch is the protocol surface remote agents use to pull check
// tasks and push results, and the entry point that decides whether a check
// goes to an agent at all.
package dispatch

import (
	"context"
	"time"

	"github.com/certdispatch/certdispatch/internal/certificate"
	"github.com/certdispatch/certdispatch/internal/queue"
	"github.com/certdispatch/certdispatch/internal/token"
)

// RecordManager owns the certificate records tasks are checking. The gateway
// only reads targets from it and pushes results back.
type RecordManager interface {
	GetURL(ctx context.Context, subjectID string) (string, error)
	GetLabel(ctx context.Context, subjectID string) (string, error)
	GetAgentOnlyFlag(ctx context.Context, subjectID string) (bool, error)
	ApplyExpiry(ctx context.Context, subjectID string, expiresAt time.Time) error
	ApplyError(ctx context.Context, subjectID, message string) error
	ClearError(ctx context.Context, subjectID string) error
}

// DetailsRecorder is implemented by record managers that also keep the
// certificate subject and issuer reported by agents.
type DetailsRecorder interface {
	ApplyDetails(ctx context.Context, subjectID string, d certificate.Details) error
}

// DispatchRecorder is implemented by record managers that stamp a record when
// its check is handed to the queue, so it is not seen as stale while an agent
// holds the task.
type DispatchRecorder interface {
	MarkDispatched(ctx context.Context, subjectID string) error
}

// Tokens authenticates agents.
type Tokens interface {
	Authenticate(ctx context.Context, presented string) (token.AuthResult, error)
}

// Queue is the task queue as seen by the gateway.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Claim(ctx context.Context, limit int, filter queue.AgentFilter) ([]queue.Task, error)
	Peek(ctx context.Context, limit int, filter queue.AgentFilter) ([]queue.Task, error)
	Complete(ctx context.Context, c queue.Completion) (queue.Task, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// OfflineNotifier alerts operators about tokens that went offline.
type OfflineNotifier interface {
	NotifyIfOffline(ctx context.Context, t token.Token, message string) (bool, error)
}
