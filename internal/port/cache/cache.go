// Package cache defines the port interface for the execution context
// snapshot cache.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-valued key-value cache. A miss is reported by ok=false,
// never by an error.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
