// Package kv is the ephemeral session store capability: a small key-value
// surface with hash-field operations, TTLs, and an atomic read-modify-write
// primitive. The redis implementation backs production; the memory
// implementation backs tests and single-process development.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the shared volatile store for session state. All mutation of
// shared session keys must go through Update: it is the only synchronization
// boundary between concurrent editors, there is no in-process lock around
// the working copy.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Update applies fn to the current value of key as an atomic
	// read-modify-write. fn receives nil when the key is absent; returning
	// a nil value deletes the key. Concurrent conflicting updates retry.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error

	HGet(ctx context.Context, hash, field string) ([]byte, error)
	HSet(ctx context.Context, hash, field string, value []byte) error
	HDelete(ctx context.Context, hash, field string) error
	HExists(ctx context.Context, hash, field string) (bool, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
}
