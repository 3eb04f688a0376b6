// Package queue holds certificate check tasks waiting for, or leased to,
// remote agents.
package queue

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Queue errors.
var (
	// ErrEmptyTarget is returned by Enqueue when the task has nothing to probe.
	// Nothing is queued.
	ErrEmptyTarget = errors.New("queue: empty target")

	// ErrEmptySubject is returned by Enqueue when the subject id is missing.
	ErrEmptySubject = errors.New("queue: empty subject id")

	// ErrTaskNotFound is returned by Complete when no resident task matches.
	ErrTaskNotFound = errors.New("queue: task not found")

	// ErrInvalidTask is returned by Validate for malformed records.
	ErrInvalidTask = errors.New("queue: invalid task")
)

const (
	// LeaseTTL is how long a claim stays valid without a report.
	LeaseTTL = 300 * time.Second

	// MaxClaim bounds the size of a single claim or peek.
	MaxClaim = 100

	// DefaultLimit is used when a caller does not ask for a specific size.
	DefaultLimit = 50

	// DefaultContext tags tasks enqueued without an origin.
	DefaultContext = "manual"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
)

// AgentFilter selects tasks by their agent-only flag.
type AgentFilter int

const (
	// AgentOnly selects only tasks reserved for remote agents.
	AgentOnly AgentFilter = iota
	// NonAgent selects only tasks that may also run locally.
	NonAgent
	// Any selects every task.
	Any
)

// Matches reports whether a task with the given flag passes the filter.
func (f AgentFilter) Matches(agentOnly bool) bool {
	switch f {
	case AgentOnly:
		return agentOnly
	case NonAgent:
		return !agentOnly
	case Any:
		return true
	default:
		return false
	}
}

func (f AgentFilter) String() string {
	switch f {
	case AgentOnly:
		return "agent_only"
	case NonAgent:
		return "non_agent"
	case Any:
		return "any"
	default:
		return "unknown"
	}
}

// ParseAgentFilter reads the agent_only query value. An empty value yields
// def; "1"/"true" select agent-only tasks, "0"/"false" the others, and
// "any", "all" or any other value select everything.
func ParseAgentFilter(raw string, def AgentFilter) AgentFilter {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def
	case "1", "true", "yes":
		return AgentOnly
	case "0", "false", "no":
		return NonAgent
	default:
		return Any
	}
}

// ClampLimit bounds a requested batch size to [1, MaxClaim], mapping
// non-positive values to DefaultLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxClaim {
		return MaxClaim
	}
	return limit
}

// ParseLimit parses a limit query value and clamps it.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultLimit
	}
	return ClampLimit(n)
}

// Task is one check request.
type Task struct {
	SubjectID  string    `json:"subjectId"`
	Target     string    `json:"target"`
	Label      string    `json:"label"`
	Context    string    `json:"context"`
	AgentOnly  bool      `json:"agentOnly"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RequestID  string    `json:"requestId"`
	Status     Status    `json:"status"`
	ClaimedAt  time.Time `json:"claimedAt"`
	Attempts   int       `json:"attempts"`
}

// Validate implements store.Record.
func (t Task) Validate() error {
	switch {
	case t.SubjectID == "":
		return errors.Join(ErrInvalidTask, errors.New("subject id is required"))
	case t.Target == "":
		return errors.Join(ErrInvalidTask, errors.New("target is required"))
	case t.RequestID == "":
		return errors.Join(ErrInvalidTask, errors.New("request id is required"))
	case t.Status != StatusPending && t.Status != StatusClaimed:
		return errors.Join(ErrInvalidTask, errors.New("unknown status"))
	case t.Status == StatusClaimed && t.ClaimedAt.IsZero():
		return errors.Join(ErrInvalidTask, errors.New("claimed task without claim time"))
	}
	return nil
}

// EnqueueRequest describes a task to add.
type EnqueueRequest struct {
	SubjectID string
	Target    string
	Label     string
	Context   string
	AgentOnly bool
}

// Completion is a result report for one task.
type Completion struct {
	SubjectID string
	RequestID string
	Success   bool
	Message   string

	// Details are copied into the activity entry.
	Details map[string]any
}

// Stats summarises the queue.
type Stats struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Total   int `json:"total"`
}
