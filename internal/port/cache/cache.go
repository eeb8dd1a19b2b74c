// Package cache defines the port interface for the key-value caches that
// hold safety decisions.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. A miss is (nil, false,
// nil); deleting a missing key is not an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
