package certificate

import (
	"context"
	"time"
)

// Repository defines the interface for certificate record persistence.
type Repository interface {
	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// List retrieves records ordered by ID.
	List(ctx context.Context, opts ListOptions) ([]*Record, error)

	// Save creates or replaces a record.
	Save(ctx context.Context, record *Record) error

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// ListStale returns records never checked or last checked before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
}
