package models

import "github.com/certdispatch/certdispatch/internal/activity"

// ActivityEntry is one line of the activity log.
type ActivityEntry struct {
	ID      string         `json:"id"`
	Time    Timestamp      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// NewActivityEntries converts log entries, preserving order.
func NewActivityEntries(entries []activity.Entry) []ActivityEntry {
	out := make([]ActivityEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ActivityEntry{
			ID:      e.ID,
			Time:    Timestamp(e.Time),
			Level:   string(e.Level),
			Message: e.Message,
			Context: e.Context,
		})
	}
	return out
}
