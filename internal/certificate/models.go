// Package certificate stores the monitored endpoints whose TLS certificates
// are checked by agents, and applies check results to them.
package certificate

import (
	"errors"
	"time"
)

// Repository errors.
var (
	ErrRecordNotFound = errors.New("certificate record not found")
	ErrMissingURL     = errors.New("certificate record url is required")
	ErrMissingID      = errors.New("certificate record id is required")
	ErrDuplicateID    = errors.New("certificate record id already exists")
)

// Source tells how the expiry of a record was last set.
type Source string

const (
	SourceManual    Source = "manual"
	SourceAutomatic Source = "automatic"
)

// Record is one monitored endpoint.
type Record struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Label     string `json:"label,omitempty"`
	AgentOnly bool   `json:"agentOnly"`

	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Source     Source     `json:"source"`
	CommonName string     `json:"commonName,omitempty"`
	Issuer     string     `json:"issuer,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	CheckedAt  *time.Time `json:"checkedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate implements store.Record.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return ErrMissingID
	case r.URL == "":
		return ErrMissingURL
	}
	return nil
}

// DaysLeft returns whole days until expiry, or nil if the expiry is unknown.
func (r *Record) DaysLeft(now time.Time) *int {
	if r.ExpiresAt == nil {
		return nil
	}
	days := int(r.ExpiresAt.Sub(now).Hours() / 24)
	return &days
}

// Details are optional certificate attributes reported by an agent.
type Details struct {
	CommonName string
	Issuer     string
}

// ListOptions contains options for listing records.
type ListOptions struct {
	Limit int
}
