// Package store is the key/value persistence layer sessions are written to.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("key not found")

// Store is a flat key/value namespace. Values returned by Load are owned by
// the caller.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
