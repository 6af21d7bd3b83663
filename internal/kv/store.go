// Package kv provides the TTL key/value primitives backing presence, cursor, and
// lock state. Expiry is enforced by the store itself; callers never sweep.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL indicates a non-positive expiry was supplied.
var ErrInvalidTTL = errors.New("kv: ttl must be positive")

// Mutator computes the next value for a key from its current value.
// Returning write=false leaves the key untouched.
type Mutator func(current string, exists bool) (next string, write bool)

// Store is a TTL-capable key/value service.
type Store interface {
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set overwrites key unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the live value for key.
	Get(ctx context.Context, key string) (string, bool, error)
	// Expire refreshes the TTL of a live key and reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfEquals removes key only while it still holds value.
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
	// Update atomically applies mutate to key and reports whether a value was written.
	Update(ctx context.Context, key string, ttl time.Duration, mutate Mutator) (bool, error)
	// SetAdd adds member to the set at key and extends the whole set's TTL.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	// SetRemove drops members from the set at key; missing members are ignored.
	SetRemove(ctx context.Context, key string, members ...string) error
	// SetMembers returns the members of the live set at key in no particular order.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// Ping verifies the backing service is reachable.
	Ping(ctx context.Context) error
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
