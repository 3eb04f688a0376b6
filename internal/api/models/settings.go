package models

import "github.com/certdispatch/certdispatch/internal/settings"

// RemoteClientSettings is the body of GET and PUT
// /v1/admin/settings/remote-client.
type RemoteClientSettings struct {
	Enabled       bool       `json:"enabled"`
	LocalFallback bool       `json:"localFallback"`
	UpdatedAt     *Timestamp `json:"updatedAt,omitempty"`
}

// NewRemoteClientSettings converts stored settings.
func NewRemoteClientSettings(s settings.RemoteClient) RemoteClientSettings {
	return RemoteClientSettings{
		Enabled:       s.Enabled,
		LocalFallback: s.LocalFallback,
		UpdatedAt:     optionalTimestamp(s.UpdatedAt),
	}
}

// ToSettings converts the request for the settings service.
func (s RemoteClientSettings) ToSettings() settings.RemoteClient {
	return settings.RemoteClient{Enabled: s.Enabled, LocalFallback: s.LocalFallback}
}
