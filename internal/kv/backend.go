// ABOUTME: Backend interface the record store is built on
// ABOUTME: Minimal KV + set + sorted-set operations, satisfied by Redis and memory

package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key or record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("duplicate record")

// Backend is the minimal key/value surface the store needs. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value at key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// SetNX writes the value only if the key does not exist.
	// Returns true if the write happened.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// SAdd adds a member to a set.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes a member from a set. Missing members are ignored.
	SRem(ctx context.Context, key, member string) error

	// SMembers returns all members of a set. A missing set is empty.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds a member with a score to a sorted set, updating the score
	// if the member already exists.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZRem removes a member from a sorted set.
	ZRem(ctx context.Context, key, member string) error

	// ZRangeByScore returns members with lo <= score <= hi, ascending.
	ZRangeByScore(ctx context.Context, key string, lo, hi float64) ([]string, error)

	// DelPrefix removes every key with the given prefix.
	DelPrefix(ctx context.Context, prefix string) error

	// Close releases backend resources.
	Close() error
}
