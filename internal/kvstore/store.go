// Package kvstore is the narrow durable key-value contract the sync engine
// persists through: the offline queue, the watermark and the entity stores.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been set or was removed.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a single-writer durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
