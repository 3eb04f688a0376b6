package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/store"
	"github.com/certdispatch/certdispatch/internal/telemetry"
)

// Service is the task queue.
type Service struct {
	mu       sync.Mutex
	tasks    *store.Collection[Task]
	activity activity.Recorder
	metrics  *telemetry.DispatchMetrics
	logger   zerolog.Logger
	now      func() time.Time
}

// Config holds configuration for the queue service.
type Config struct {
	Store     store.Store
	Namespace string
	Activity  activity.Recorder
	Metrics   *telemetry.DispatchMetrics
	Logger    zerolog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewService creates a queue service.
func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	recorder := cfg.Activity
	if recorder == nil {
		recorder = activity.Discard{}
	}
	logger := cfg.Logger.With().Str("component", "queue").Logger()
	return &Service{
		tasks:    store.NewCollection[Task](cfg.Store, store.Key(cfg.Namespace, store.KeyQueue), logger),
		activity: recorder,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      now,
	}
}

func newRequestID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Enqueue adds a pending task for the subject, replacing any task already
// resident for it. It returns the new request id.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return "", ErrEmptyTarget
	}
	if req.SubjectID == "" {
		return "", ErrEmptySubject
	}
	origin := req.Context
	if origin == "" {
		origin = DefaultContext
	}

	task := Task{
		SubjectID:  req.SubjectID,
		Target:     target,
		Label:      req.Label,
		Context:    origin,
		AgentOnly:  req.AgentOnly,
		EnqueuedAt: s.now().UTC(),
		RequestID:  newRequestID(),
		Status:     StatusPending,
	}

	replaced := false
	err := s.mutate(ctx, func(tasks []Task) ([]Task, error) {
		replaced = false
		kept := tasks[:0:0]
		for _, t := range tasks {
			if t.SubjectID == task.SubjectID {
				replaced = true
				continue
			}
			kept = append(kept, t)
		}
		return append(kept, task), nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", req.SubjectID, err)
	}

	s.metrics.TaskEnqueued(ctx, origin)
	s.logger.Debug().
		Str("subject_id", task.SubjectID).
		Str("request_id", task.RequestID).
		Bool("replaced", replaced).
		Msg("task enqueued")
	s.activity.Append(ctx, "task queued", activity.Context{
		"subject_id": task.SubjectID,
		"request_id": task.RequestID,
		"target":     task.Target,
		"label":      task.Label,
		"context":    task.Context,
		"agent_only": task.AgentOnly,
		"replaced":   replaced,
	}, activity.LevelInfo)

	return task.RequestID, nil
}

// Claim reclaims expired leases, then leases up to limit pending tasks
// matching filter in FIFO order. The whole operation is one atomic update,
// so concurrent callers never receive the same task.
func (s *Service) Claim(ctx context.Context, limit int, filter AgentFilter) ([]Task, error) {
	limit = ClampLimit(limit)

	var claimed []Task
	var reclaimed int
	err := s.mutate(ctx, func(tasks []Task) ([]Task, error) {
		claimed = nil
		now := s.now().UTC()
		reclaimed = reclaim(tasks, now)

		for i := range tasks {
			if len(claimed) >= limit {
				break
			}
			t := &tasks[i]
			if t.Status != StatusPending || !filter.Matches(t.AgentOnly) {
				continue
			}
			t.Status = StatusClaimed
			t.ClaimedAt = now
			t.Attempts++
			claimed = append(claimed, *t)
		}

		if len(claimed) == 0 && reclaimed == 0 {
			return nil, store.ErrUnchanged
		}
		return tasks, nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	s.recordReclaim(ctx, reclaimed)
	s.metrics.TasksClaimed(ctx, len(claimed), filter.String())
	return claimed, nil
}

// Peek returns the tasks Claim would select without leasing them. Expired
// leases are still reclaimed.
func (s *Service) Peek(ctx context.Context, limit int, filter AgentFilter) ([]Task, error) {
	limit = ClampLimit(limit)

	var selected []Task
	var reclaimed int
	err := s.mutate(ctx, func(tasks []Task) ([]Task, error) {
		selected = nil
		reclaimed = reclaim(tasks, s.now().UTC())

		for _, t := range tasks {
			if len(selected) >= limit {
				break
			}
			if t.Status == StatusPending && filter.Matches(t.AgentOnly) {
				selected = append(selected, t)
			}
		}

		if reclaimed == 0 {
			return nil, store.ErrUnchanged
		}
		return tasks, nil
	})
	if err != nil {
		return nil, fmt.Errorf("peek tasks: %w", err)
	}

	s.recordReclaim(ctx, reclaimed)
	return selected, nil
}

// Reclaim returns every expired lease to pending and reports how many were
// released.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	var reclaimed int
	err := s.mutate(ctx, func(tasks []Task) ([]Task, error) {
		reclaimed = reclaim(tasks, s.now().UTC())
		if reclaimed == 0 {
			return nil, store.ErrUnchanged
		}
		return tasks, nil
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}

	s.recordReclaim(ctx, reclaimed)
	return reclaimed, nil
}

func reclaim(tasks []Task, now time.Time) int {
	n := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status == StatusClaimed && now.Sub(t.ClaimedAt) > LeaseTTL {
			t.Status = StatusPending
			t.ClaimedAt = time.Time{}
			n++
		}
	}
	return n
}

func (s *Service) recordReclaim(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	s.metrics.TasksReclaimed(ctx, n)
	s.logger.Info().Int("count", n).Msg("reclaimed expired task leases")
}

// Complete removes the task matching both subject and request id. A report
// for a superseded or unknown request id changes nothing and returns
// ErrTaskNotFound.
func (s *Service) Complete(ctx context.Context, c Completion) (Task, error) {
	var removed Task
	found := false
	err := s.mutate(ctx, func(tasks []Task) ([]Task, error) {
		found = false
		if c.RequestID == "" {
			return nil, store.ErrUnchanged
		}
		for i, t := range tasks {
			if t.SubjectID == c.SubjectID && t.RequestID == c.RequestID {
				removed = t
				found = true
				return append(tasks[:i:i], tasks[i+1:]...), nil
			}
		}
		return nil, store.ErrUnchanged
	})
	if err != nil {
		return Task{}, fmt.Errorf("complete %s: %w", c.SubjectID, err)
	}

	details := activity.Context{
		"subject_id": c.SubjectID,
		"request_id": c.RequestID,
		"status":     completionStatus(c.Success),
	}
	if c.Message != "" {
		details["message"] = c.Message
	}
	if found {
		details["target"] = removed.Target
		details["label"] = removed.Label
		details["queue_context"] = removed.Context
		details["attempts"] = removed.Attempts
		details["agent_only"] = removed.AgentOnly
	}
	for k, v := range c.Details {
		details[k] = v
	}

	if !found {
		s.logger.Warn().
			Str("subject_id", c.SubjectID).
			Str("request_id", c.RequestID).
			Msg("completion for task not in queue")
		s.activity.Append(ctx, "task not found in queue", details, activity.LevelWarning)
		return Task{}, ErrTaskNotFound
	}

	if c.Success {
		s.activity.Append(ctx, "check task completed", details, activity.LevelInfo)
	} else {
		s.activity.Append(ctx, "check task failed", details, activity.LevelError)
	}
	return removed, nil
}

func completionStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Remove drops the task for a subject regardless of its state.
func (s *Service) Remove(ctx context.Context, subjectID string) error {
	err := s.mutate(ctx, func(tasks []Task) ([]Task, error) {
		for i, t := range tasks {
			if t.SubjectID == subjectID {
				return append(tasks[:i:i], tasks[i+1:]...), nil
			}
		}
		return nil, ErrTaskNotFound
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("remove %s: %w", subjectID, err)
	}

	s.activity.Append(ctx, "task removed from queue", activity.Context{
		"subject_id": subjectID,
	}, activity.LevelInfo)
	return nil
}

// List returns every resident task in queue order.
func (s *Service) List(ctx context.Context) ([]Task, error) {
	tasks, err := s.tasks.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Stats counts resident tasks by status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusClaimed:
			st.Claimed++
		}
	}
	st.Total = len(tasks)
	return st, nil
}

func (s *Service) mutate(ctx context.Context, fn func(tasks []Task) ([]Task, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Mutate(ctx, fn)
}
