// Package token manages the credentials remote agents present when polling
// for work, together with each credential's health and alerting settings.
package token

import (
	"errors"
	"time"
)

// Token errors.
var (
	// ErrForbidden is returned when a presented secret matches no token.
	ErrForbidden = errors.New("token: forbidden")

	// ErrTokenNotFound is returned when an operator references an unknown id.
	ErrTokenNotFound = errors.New("token: not found")

	// ErrInvalidToken is returned by Validate for malformed records.
	ErrInvalidToken = errors.New("token: invalid record")

	// ErrNotificationsDisabled is returned when a token has no alerting set up.
	ErrNotificationsDisabled = errors.New("token: notifications disabled")

	// ErrNotificationThrottled is returned when the token was notified too recently.
	ErrNotificationThrottled = errors.New("token: notification throttled")
)

// DefaultName is the display name of a lazily created token.
const DefaultName = "Primary token"

// UnnamedName is used when an operator leaves the name blank.
const UnnamedName = "Unnamed token"

// HealthStatus is the last known connection state of the agent using a token.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "unknown"
	HealthOnline  HealthStatus = "online"
	HealthOffline HealthStatus = "offline"
)

// Valid reports whether s is a known status.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthUnknown, HealthOnline, HealthOffline:
		return true
	default:
		return false
	}
}

// Token is one agent credential.
type Token struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	HealthStatus HealthStatus `json:"healthStatus"`
	LastSeenAt   time.Time    `json:"lastSeenAt"`
	LastError    string       `json:"lastError"`

	NotifyOnOffline  bool      `json:"notifyOnOffline"`
	NotifyRecipients []string  `json:"notifyRecipients"`
	LastNotifiedAt   time.Time `json:"lastNotifiedAt"`

	// PreviousSecret is the secret replaced by the last rotation. A request
	// presenting it is attributed to this token.
	PreviousSecret string `json:"previousSecret,omitempty"`
}

// Validate implements store.Record.
func (t Token) Validate() error {
	switch {
	case t.ID == "":
		return errors.Join(ErrInvalidToken, errors.New("id is required"))
	case t.Secret == "":
		return errors.Join(ErrInvalidToken, errors.New("secret is required"))
	case !t.HealthStatus.Valid():
		return errors.Join(ErrInvalidToken, errors.New("unknown health status"))
	}
	return nil
}

// IsOnline reports whether the token is currently online.
func (t Token) IsOnline() bool {
	return t.HealthStatus == HealthOnline
}

// CanNotify reports whether offline alerts are configured for the token.
func (t Token) CanNotify() bool {
	return t.NotifyOnOffline && len(t.NotifyRecipients) > 0
}

// Update carries operator-editable fields. Nil fields are left unchanged.
type Update struct {
	Name             *string
	NotifyOnOffline  *bool
	NotifyRecipients []string
}

// AuthResult describes the outcome of Authenticate.
type AuthResult struct {
	Token Token

	// CameOnline is set on success when the token was not online before.
	CameOnline bool

	// Revoked is set on failure when the secret matched the previous secret
	// of Token. The token has been marked offline.
	Revoked bool
}
