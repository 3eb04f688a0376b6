// Package store provides blob persistence for the dispatch core.
//
// Every collection (tokens, queue, activity log, settings) is kept as one
// serialized value under a namespaced key and is rewritten whole on each
// mutation. Backends guarantee that Update runs its function atomically with
// respect to other Updates of the same key, including across processes for
// the shared backends.
package store

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnchanged may be returned by an UpdateFunc to skip the write.
	ErrUnchanged = errors.New("store: value unchanged")
)

// Collection keys.
const (
	KeyTokens       = "agent_tokens"
	KeyQueue        = "task_queue"
	KeyActivity     = "activity_log"
	KeyRemoteClient = "remote_client"
	KeyCertificates = "certificate_records"
)

// UpdateFunc receives the current value (nil when absent) and returns the
// value to persist.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a key/value blob store with atomic read-modify-write.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Update atomically replaces the value under key with the result of fn.
	// If fn returns ErrUnchanged nothing is written and Update returns nil.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Key joins a namespace and a collection name.
func Key(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + ":" + name
}
