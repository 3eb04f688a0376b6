package models

import (
	"net/url"
	"strings"
	"time"

	"github.com/certdispatch/certdispatch/internal/certificate"
)

// Certificate is the admin view of a monitored endpoint.
type Certificate struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Label      string     `json:"label"`
	AgentOnly  bool       `json:"agentOnly"`
	ExpiresAt  *Timestamp `json:"expiresAt,omitempty"`
	DaysLeft   *int       `json:"daysLeft,omitempty"`
	Source     string     `json:"source"`
	CommonName string     `json:"commonName,omitempty"`
	Issuer     string     `json:"issuer,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	CheckedAt  *Timestamp `json:"checkedAt,omitempty"`
	CreatedAt  Timestamp  `json:"createdAt"`
	UpdatedAt  Timestamp  `json:"updatedAt"`
}

// NewCertificate converts a stored record.
func NewCertificate(r *certificate.Record, now time.Time) Certificate {
	return Certificate{
		ID:         r.ID,
		URL:        r.URL,
		Label:      r.Label,
		AgentOnly:  r.AgentOnly,
		ExpiresAt:  timestampPtr(r.ExpiresAt),
		DaysLeft:   r.DaysLeft(now),
		Source:     string(r.Source),
		CommonName: r.CommonName,
		Issuer:     r.Issuer,
		LastError:  r.LastError,
		CheckedAt:  timestampPtr(r.CheckedAt),
		CreatedAt:  Timestamp(r.CreatedAt),
		UpdatedAt:  Timestamp(r.UpdatedAt),
	}
}

// NewCertificates converts stored records.
func NewCertificates(records []*certificate.Record, now time.Time) []Certificate {
	out := make([]Certificate, 0, len(records))
	for _, r := range records {
		out = append(out, NewCertificate(r, now))
	}
	return out
}

// CreateCertificateRequest is the body of POST /v1/admin/certificates.
type CreateCertificateRequest struct {
	// ID is optional; records imported from another system keep their id.
	ID        string `json:"id,omitempty"`
	URL       string `json:"url"`
	Label     string `json:"label"`
	AgentOnly bool   `json:"agentOnly"`
}

// Validate returns field errors, if any.
func (r CreateCertificateRequest) Validate() []FieldError {
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return []FieldError{{Field: "url", Message: "required", Code: "REQUIRED"}}
	}
	if u, err := url.Parse(raw); err != nil || u.Host == "" {
		return []FieldError{{Field: "url", Message: "must be an absolute URL", Code: "INVALID"}}
	}
	return nil
}

// ToRecord converts the request for the certificate manager.
func (r CreateCertificateRequest) ToRecord() certificate.Record {
	return certificate.Record{
		ID:        strings.TrimSpace(r.ID),
		URL:       strings.TrimSpace(r.URL),
		Label:     strings.TrimSpace(r.Label),
		AgentOnly: r.AgentOnly,
	}
}

// DispatchRequest is the optional body of POST /v1/admin/certificates/{id}/check.
type DispatchRequest struct {
	Context string `json:"context"`
}

// DispatchResponse reports how a check was routed.
type DispatchResponse struct {
	Outcome   string `json:"outcome"`
	RequestID string `json:"requestId,omitempty"`
}
