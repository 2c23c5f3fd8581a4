// Package cache defines the port for short-lived lookups such as local
// image presence, so repeated sandbox checks skip the engine CLI.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL-bounded key-value store. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value for ttl; a zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete invalidates key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
