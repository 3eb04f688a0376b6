// Package activity keeps a bounded audit trail of dispatch events for the
// operator dashboard. Entries are observational only; nothing in the
// dispatch core reads them back to make decisions.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/store"
)

// MaxEntries is the ring capacity.
const MaxEntries = 200

// Level is the severity of an entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ParseLevel maps free text to a Level. Unknown values become info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelWarning:
		return LevelWarning
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Context carries structured details of an entry.
type Context map[string]any

// Entry is one immutable record in the log.
type Entry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Context Context   `json:"context,omitempty"`
}

// Validate implements store.Record.
func (e Entry) Validate() error {
	if e.Message == "" {
		return errors.New("message is required")
	}
	if e.Time.IsZero() {
		return errors.New("time is required")
	}
	return nil
}

// Recorder is the write side of the log, as used by other packages.
type Recorder interface {
	Append(ctx context.Context, message string, details Context, level Level)
}

// Log is the persistent activity ring.
type Log struct {
	mu      sync.Mutex
	entries *store.Collection[Entry]
	logger  zerolog.Logger
	now     func() time.Time
}

// Config holds configuration for the activity log.
type Config struct {
	Store     store.Store
	Namespace string
	Logger    zerolog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewLog creates an activity log backed by cfg.Store.
func NewLog(cfg Config) *Log {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger.With().Str("component", "activity").Logger()
	return &Log{
		entries: store.NewCollection[Entry](cfg.Store, store.Key(cfg.Namespace, store.KeyActivity), logger),
		logger:  logger,
		now:     now,
	}
}

// Append records an entry and trims the ring to MaxEntries.
// Store failures are logged, not returned.
func (l *Log) Append(ctx context.Context, message string, details Context, level Level) {
	entry := Entry{
		ID:      uuid.NewString(),
		Time:    l.now().UTC(),
		Level:   ParseLevel(string(level)),
		Message: message,
		Context: details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.entries.Mutate(ctx, func(items []Entry) ([]Entry, error) {
		items = append(items, entry)
		if len(items) > MaxEntries {
			items = items[len(items)-MaxEntries:]
		}
		return items, nil
	})
	if err != nil {
		l.logger.Error().Err(err).Str("message", message).Msg("failed to append activity entry")
	}
}

// List returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	items, err := l.entries.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}

	out := make([]Entry, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Discard is a Recorder that drops every entry.
type Discard struct{}

// Append does nothing.
func (Discard) Append(context.Context, string, Context, Level) {}

var (
	_ Recorder = (*Log)(nil)
	_ Recorder = Discard{}
)
