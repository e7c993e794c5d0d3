// Package repository defines storage interfaces implemented by concrete backends.
package repository

import "context"

// KV is the generic durable key-value persistence the engine stores records in.
// Implementations apply each call atomically and return errs.ErrNotFound for missing keys.
type KV interface {
	// Get loads the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key; removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}
