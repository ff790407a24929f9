package snapshot

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get when nothing is stored under a key
	ErrKeyNotFound = errors.New("snapshot key not found")
	// ErrKeyExists is returned by Create when a key is already taken
	ErrKeyExists = errors.New("snapshot key already exists")
)

// Backend stores snapshot artifacts under slash-separated keys such as
// "backups/stg/20240101T000000Z.json".
type Backend interface {
	// Put stores data under key, replacing whatever was there. Readers see the
	// old artifact or the new one, never a partial write.
	Put(ctx context.Context, key string, data []byte) error
	// Create stores data under key only if the key is free
	Create(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys directly under prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)
}
