package models

import (
	"strings"

	"github.com/certdispatch/certdispatch/internal/queue"
)

// Task is the admin view of a queued check.
type Task struct {
	SubjectID  string     `json:"subjectId"`
	Target     string     `json:"target"`
	Label      string     `json:"label"`
	Context    string     `json:"context"`
	AgentOnly  bool       `json:"agentOnly"`
	RequestID  string     `json:"requestId"`
	Status     string     `json:"status"`
	EnqueuedAt Timestamp  `json:"enqueuedAt"`
	ClaimedAt  *Timestamp `json:"claimedAt,omitempty"`
	Attempts   int        `json:"attempts"`
}

// NewTasks converts queued tasks.
func NewTasks(tasks []queue.Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, Task{
			SubjectID:  t.SubjectID,
			Target:     t.Target,
			Label:      t.Label,
			Context:    t.Context,
			AgentOnly:  t.AgentOnly,
			RequestID:  t.RequestID,
			Status:     string(t.Status),
			EnqueuedAt: Timestamp(t.EnqueuedAt),
			ClaimedAt:  optionalTimestamp(t.ClaimedAt),
			Attempts:   t.Attempts,
		})
	}
	return out
}

// QueueStats summarises the queue.
type QueueStats struct {
	Pending int `json:"pending"`
	Claimed int `json:"claimed"`
	Total   int `json:"total"`
}

// NewQueueStats converts queue statistics.
func NewQueueStats(s queue.Stats) QueueStats {
	return QueueStats(s)
}

// EnqueueTaskRequest is the body of POST /v1/admin/queue/tasks.
type EnqueueTaskRequest struct {
	SubjectID string `json:"subjectId"`
	Target    string `json:"target"`
	Label     string `json:"label"`
	Context   string `json:"context"`
	AgentOnly bool   `json:"agentOnly"`
}

// Validate returns field errors, if any.
func (r EnqueueTaskRequest) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(r.SubjectID) == "" {
		errs = append(errs, FieldError{Field: "subjectId", Message: "required", Code: "REQUIRED"})
	}
	if strings.TrimSpace(r.Target) == "" {
		errs = append(errs, FieldError{Field: "target", Message: "required", Code: "REQUIRED"})
	}
	return errs
}

// ToEnqueue converts the request for the queue.
func (r EnqueueTaskRequest) ToEnqueue() queue.EnqueueRequest {
	return queue.EnqueueRequest{
		SubjectID: strings.TrimSpace(r.SubjectID),
		Target:    strings.TrimSpace(r.Target),
		Label:     r.Label,
		Context:   r.Context,
		AgentOnly: r.AgentOnly,
	}
}

// EnqueueTaskResponse returns the request id of the queued task.
type EnqueueTaskResponse struct {
	RequestID string `json:"requestId"`
}
