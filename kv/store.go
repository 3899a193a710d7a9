// Package kv defines the narrow key-value+set+hash store contract used by
// every stateful component in floe, and the Redis-backed implementation of
// it. Nothing outside this package imports github.com/redis/go-redis/v9
// directly.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNilValue is returned by Get/HGetAll when the key does not exist.
var ErrNilValue = errors.New("kv: key does not exist")

// Store is the collaborator contract the rest of floe depends on: atomic
// multi-operations, TTLs, and a CAS-style conditional SET, modeled directly
// on the hash/string/set primitives Redis exposes.
type Store interface {
	// Get returns the string value at key, or ErrNilValue if absent.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key=value with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key=value only if it does not already exist, returning
	// whether the set took effect. Used for the finalize lock lease.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals expect.
	// Used to release a lock without clobbering a lease another owner holds.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)
	// Expire resets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Del deletes zero or more keys; missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// HSet writes a single hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HGetAll returns every field/value pair of a hash, or ErrNilValue if
	// the hash does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes a hash field.
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns every member of a set.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SCard returns the cardinality of a set.
	SCard(ctx context.Context, key string) (int64, error)
	// SIsMember reports whether member is present in the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Ping verifies connectivity, used by the health endpoint.
	Ping(ctx context.Context) error

	// MultiOp executes a batch of operations atomically (via a pipeline),
	// used for the session-create and finalize-commit multi-ops that
	// spec.md requires to land as a single logical step.
	MultiOp(ctx context.Context, ops ...Op) error
}

// Op is one operation inside a MultiOp batch.
type Op struct {
	Kind    OpKind
	Key     string
	Field   string
	Value   string
	Members []string
	TTL     time.Duration
}

// OpKind enumerates the operations MultiOp can batch.
type OpKind int

const (
	OpSet OpKind = iota
	OpHSet
	OpSAdd
	OpSRem
	OpDel
	OpExpire
)
