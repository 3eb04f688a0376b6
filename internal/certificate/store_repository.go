package certificate

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/certdispatch/certdispatch/internal/store"
)

// StoreRepository keeps records as one collection in a blob store, so every
// process sharing the store sees the same records.
type StoreRepository struct {
	records *store.Collection[Record]
}

// NewStoreRepository creates a repository on s.
func NewStoreRepository(s store.Store, namespace string, logger zerolog.Logger) *StoreRepository {
	return &StoreRepository{
		records: store.NewCollection[Record](s, store.Key(namespace, store.KeyCertificates), logger),
	}
}

// Get retrieves a record by ID.
func (r *StoreRepository) Get(ctx context.Context, id string) (*Record, error) {
	items, err := r.records.Load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			return &items[i], nil
		}
	}
	return nil, ErrRecordNotFound
}

// List retrieves records ordered by ID.
func (r *StoreRepository) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	items, err := r.records.Load(ctx)
	if err != nil {
		return nil, err
	}
	return sortAndLimit(items, func(*Record) bool { return true }, opts.Limit), nil
}

// Save creates or replaces a record.
func (r *StoreRepository) Save(ctx context.Context, record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	return r.records.Mutate(ctx, func(items []Record) ([]Record, error) {
		for i := range items {
			if items[i].ID == record.ID {
				items[i] = *record
				return items, nil
			}
		}
		return append(items, *record), nil
	})
}

// Update applies fn to one record inside a single store update.
func (r *StoreRepository) Update(ctx context.Context, id string, fn func(record *Record)) (*Record, error) {
	var updated Record
	err := r.records.Mutate(ctx, func(items []Record) ([]Record, error) {
		for i := range items {
			if items[i].ID == id {
				fn(&items[i])
				updated = items[i]
				return items, nil
			}
		}
		return nil, ErrRecordNotFound
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes a record.
func (r *StoreRepository) Delete(ctx context.Context, id string) error {
	return r.records.Mutate(ctx, func(items []Record) ([]Record, error) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return nil, ErrRecordNotFound
	})
}

// ListStale returns records never checked or last checked before cutoff.
func (r *StoreRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	items, err := r.records.Load(ctx)
	if err != nil {
		return nil, err
	}
	return sortAndLimit(items, func(record *Record) bool {
		return record.CheckedAt == nil || record.CheckedAt.Before(cutoff)
	}, limit), nil
}

func sortAndLimit(items []Record, keep func(*Record) bool, limit int) []*Record {
	out := make([]*Record, 0, len(items))
	for i := range items {
		if keep(&items[i]) {
			out = append(out, &items[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Repository = (*StoreRepository)(nil)
