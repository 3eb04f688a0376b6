// Package notify alerts operators when an agent token goes offline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/activity"
	"github.com/certdispatch/certdispatch/internal/provider/resilience"
	"github.com/certdispatch/certdispatch/internal/telemetry"
	"github.com/certdispatch/certdispatch/internal/token"
)

// ThrottleWindow is the minimum time between two alerts for one token.
const ThrottleWindow = time.Hour

// Message is an outbound alert.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`

	TokenID    string    `json:"tokenId"`
	TokenName  string    `json:"tokenName"`
	Reason     string    `json:"reason"`
	Site       string    `json:"site"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Sender delivers messages.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// TokenStore is the part of the token service the notifier needs.
type TokenStore interface {
	ReserveNotification(ctx context.Context, id string, window time.Duration) (token.Token, time.Time, error)
	ReleaseNotification(ctx context.Context, id string, previous time.Time) error
}

// Config holds configuration for the notifier.
type Config struct {
	Tokens   TokenStore
	Sender   Sender
	Guard    *resilience.Guard
	Site     string
	Activity activity.Recorder
	Metrics  *telemetry.DispatchMetrics
	Logger   zerolog.Logger

	// Now overrides the clock used in message bodies. Defaults to time.Now.
	Now func() time.Time
}

// Notifier sends throttled offline alerts.
type Notifier struct {
	tokens   TokenStore
	sender   Sender
	guard    *resilience.Guard
	site     string
	activity activity.Recorder
	metrics  *telemetry.DispatchMetrics
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a notifier.
func New(cfg Config) *Notifier {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	recorder := cfg.Activity
	if recorder == nil {
		recorder = activity.Discard{}
	}
	return &Notifier{
		tokens:   cfg.Tokens,
		sender:   cfg.Sender,
		guard:    cfg.Guard,
		site:     cfg.Site,
		activity: recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "notify").Logger(),
		now:      now,
	}
}

// NotifyIfOffline alerts the token's recipients that it went offline, at
// most once per ThrottleWindow. It reports whether a message was sent.
//
// The throttle slot is reserved in the token store before sending, so two
// concurrent callers cannot both send; the send itself runs outside any
// store lock and a failed send gives the slot back.
func (n *Notifier) NotifyIfOffline(ctx context.Context, t token.Token, message string) (bool, error) {
	if !t.CanNotify() {
		return false, nil
	}

	reserved, previous, err := n.tokens.ReserveNotification(ctx, t.ID, ThrottleWindow)
	switch {
	case errors.Is(err, token.ErrNotificationsDisabled), errors.Is(err, token.ErrNotificationThrottled):
		n.logger.Debug().Str("token_id", t.ID).Err(err).Msg("offline notification skipped")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("reserve notification: %w", err)
	}

	msg := Compose(reserved, message, n.site, n.now())

	sendErr := n.send(ctx, msg)
	n.metrics.NotificationSent(ctx, n.sender.Name(), sendErr)
	if sendErr != nil {
		if err := n.tokens.ReleaseNotification(ctx, t.ID, previous); err != nil {
			n.logger.Error().Err(err).Str("token_id", t.ID).Msg("failed to release notification slot")
		}
		n.logger.Error().Err(sendErr).Str("token_id", t.ID).Str("sender", n.sender.Name()).Msg("offline notification failed")
		return false, fmt.Errorf("send offline notification: %w", sendErr)
	}

	n.logger.Info().
		Str("token_id", t.ID).
		Int("recipients", len(msg.To)).
		Str("sender", n.sender.Name()).
		Msg("offline notification sent")
	n.activity.Append(ctx, "offline notification sent", activity.Context{
		"token_id":   reserved.ID,
		"token_name": reserved.Name,
		"recipients": msg.To,
	}, activity.LevelInfo)
	return true, nil
}

func (n *Notifier) send(ctx context.Context, msg Message) error {
	if n.guard == nil {
		return n.sender.Send(ctx, msg)
	}
	return n.guard.Do(ctx, func(ctx context.Context) error {
		return n.sender.Send(ctx, msg)
	})
}

// Compose builds the alert for a token.
func Compose(t token.Token, reason, site string, at time.Time) Message {
	detail := reason
	if detail == "" {
		detail = "no detailed error was received"
	}

	subject := fmt.Sprintf("Agent connection alert - %s", t.Name)
	if site != "" {
		subject += " - " + site
	}

	body := fmt.Sprintf(
		"Hello,\n\n"+
			"The connection to the certificate agent using token %q was lost.\n"+
			"Last message: %s\n"+
			"Site: %s\n"+
			"Time: %s\n\n"+
			"The token stays marked offline until the agent connects again.\n",
		t.Name, detail, site, at.UTC().Format("2006-01-02 15:04 MST"),
	)

	return Message{
		To:         append([]string(nil), t.NotifyRecipients...),
		Subject:    subject,
		Body:       body,
		TokenID:    t.ID,
		TokenName:  t.Name,
		Reason:     reason,
		Site:       site,
		OccurredAt: at.UTC(),
	}
}
