package models

import (
	"net/mail"
	"strconv"
	"strings"

	"github.com/certdispatch/certdispatch/internal/token"
)

// maxTokenNameLength bounds operator supplied token names.
const maxTokenNameLength = 120

// Token is the admin view of an agent token. The full secret is only
// included in the responses to create and rotate.
type Token struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Secret           string     `json:"secret,omitempty"`
	SecretMasked     string     `json:"secretMasked"`
	HealthStatus     string     `json:"healthStatus"`
	LastSeenAt       *Timestamp `json:"lastSeenAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	NotifyOnOffline  bool       `json:"notifyOnOffline"`
	NotifyRecipients []string   `json:"notifyRecipients"`
	LastNotifiedAt   *Timestamp `json:"lastNotifiedAt,omitempty"`
	CreatedAt        Timestamp  `json:"createdAt"`
	UpdatedAt        Timestamp  `json:"updatedAt"`
}

// NewToken converts a stored token. reveal includes the full secret.
func NewToken(t token.Token, reveal bool) Token {
	recipients := t.NotifyRecipients
	if recipients == nil {
		recipients = []string{}
	}
	out := Token{
		ID:               t.ID,
		Name:             t.Name,
		SecretMasked:     token.Mask(t.Secret),
		HealthStatus:     string(t.HealthStatus),
		LastSeenAt:       optionalTimestamp(t.LastSeenAt),
		LastError:        t.LastError,
		NotifyOnOffline:  t.NotifyOnOffline,
		NotifyRecipients: recipients,
		LastNotifiedAt:   optionalTimestamp(t.LastNotifiedAt),
		CreatedAt:        Timestamp(t.CreatedAt),
		UpdatedAt:        Timestamp(t.UpdatedAt),
	}
	if reveal {
		out.Secret = t.Secret
	}
	return out
}

// NewTokens converts a list of stored tokens without secrets.
func NewTokens(tokens []token.Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, NewToken(t, false))
	}
	return out
}

// CreateTokenRequest is the body of POST /v1/admin/tokens.
type CreateTokenRequest struct {
	Name string `json:"name"`
}

// Validate returns field errors, if any.
func (r CreateTokenRequest) Validate() []FieldError {
	return validateTokenName(r.Name)
}

// UpdateTokenRequest is the body of PATCH /v1/admin/tokens/{id}. Omitted
// fields are left unchanged; an empty recipients list clears them.
type UpdateTokenRequest struct {
	Name             *string  `json:"name,omitempty"`
	NotifyOnOffline  *bool    `json:"notifyOnOffline,omitempty"`
	NotifyRecipients []string `json:"notifyRecipients,omitempty"`
}

// Validate returns field errors, if any.
func (r UpdateTokenRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Name != nil {
		errs = append(errs, validateTokenName(*r.Name)...)
	}
	for i, entry := range r.NotifyRecipients {
		for _, addr := range strings.FieldsFunc(entry, isRecipientSeparator) {
			if _, err := mail.ParseAddress(addr); err != nil {
				errs = append(errs, FieldError{
					Field:   "notifyRecipients[" + strconv.Itoa(i) + "]",
					Message: "invalid email address",
					Code:    "INVALID",
				})
				break
			}
		}
	}
	return errs
}

// ToUpdate converts the request for the token service.
func (r UpdateTokenRequest) ToUpdate() token.Update {
	return token.Update{
		Name:             r.Name,
		NotifyOnOffline:  r.NotifyOnOffline,
		NotifyRecipients: r.NotifyRecipients,
	}
}

// MarkOfflineRequest is the optional body of POST /v1/admin/tokens/{id}/offline.
type MarkOfflineRequest struct {
	Message string `json:"message"`
}

// MarkOfflineResponse reports the token and whether an alert went out.
type MarkOfflineResponse struct {
	Token    Token `json:"token"`
	Notified bool  `json:"notified"`
}

func validateTokenName(name string) []FieldError {
	if len(strings.TrimSpace(name)) > maxTokenNameLength {
		return []FieldError{{
			Field:   "name",
			Message: "must be at most " + strconv.Itoa(maxTokenNameLength) + " characters",
			Code:    "TOO_LONG",
		}}
	}
	return nil
}

// isRecipientSeparator matches the separators token.NormalizeRecipients splits on.
func isRecipientSeparator(r rune) bool {
	return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
}
