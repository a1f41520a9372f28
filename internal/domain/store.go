package domain

import "context"

// Store is the key-value contract every persistence backend satisfies.
// Get returns errors.ErrNotFound for a missing key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
	Backend() string
}
