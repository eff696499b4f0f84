// Package cache provides a small key-value cache abstraction used for
// retrieval result caching. Two implementations exist: Redis for
// deployments and an in-process map for development and tests.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Client is the cache interface. Get returns (nil, false, nil) on a miss.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Flush drops every entry under this client's prefix. Called when the
	// active configuration is swapped so stale retrieval results never
	// serve under new settings.
	Flush(ctx context.Context) error
	Close() error
}

// RetrievalKey builds a cache key for a retrieval request. The key hashes
// the query together with every setting that affects the result set.
func RetrievalKey(query, strategy string, maxChunks int, minQuality float64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.4f", query, strategy, maxChunks, minQuality)))
	return "retrieval:" + hex.EncodeToString(h[:])
}
