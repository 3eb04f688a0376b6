package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes alerts to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a log sender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Name implements Sender.
func (s *LogSender) Name() string { return "log" }

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Warn().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Str("token_id", msg.TokenID).
		Str("reason", msg.Reason).
		Msg("offline alert")
	return nil
}
