package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Record is an element of a Collection. Elements failing Validate are
// dropped on read.
type Record interface {
	Validate() error
}

// Collection reads and writes a JSON array of records under one key.
type Collection[T Record] struct {
	store  Store
	key    string
	logger zerolog.Logger
}

// NewCollection binds a collection to a key in s.
func NewCollection[T Record](s Store, key string, logger zerolog.Logger) *Collection[T] {
	return &Collection[T]{
		store:  s,
		key:    key,
		logger: logger.With().Str("collection", key).Logger(),
	}
}

// Key returns the storage key of the collection.
func (c *Collection[T]) Key() string { return c.key }

// Load returns every valid element. A missing key yields an empty result.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	raw, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", c.key, err)
	}
	return c.decode(raw), nil
}

// Mutate applies fn to the current elements and persists the result
// atomically. Returning ErrUnchanged from fn skips the write.
func (c *Collection[T]) Mutate(ctx context.Context, fn func(items []T) ([]T, error)) error {
	return c.store.Update(ctx, c.key, func(current []byte) ([]byte, error) {
		next, err := fn(c.decode(current))
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []T{}
		}
		return json.Marshal(next)
	})
}

func (c *Collection[T]) decode(raw []byte) []T {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		c.logger.Warn().Err(err).Msg("stored collection is unreadable, treating as empty")
		return nil
	}

	items := make([]T, 0, len(elements))
	for i, element := range elements {
		var item T
		if err := json.Unmarshal(element, &item); err != nil {
			c.logger.Warn().Err(err).Int("index", i).Msg("skipping malformed element")
			continue
		}
		if err := item.Validate(); err != nil {
			c.logger.Warn().Err(err).Int("index", i).Msg("skipping invalid element")
			continue
		}
		items = append(items, item)
	}
	return items
}
