package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or its entry has expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache holds short-TTL upstream query results. Keys are scoped to a PACS
// node (and optionally a study) so invalidation stays a prefix delete.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// CacheKey generates a cache key scoped to a PACS node. An empty suffix
// yields the prefix covering that node/study scope.
func CacheKey(node, studyUID, seriesUID, suffix string) string {
	if seriesUID != "" {
		return node + ":" + studyUID + ":" + seriesUID + ":" + suffix
	}
	if studyUID != "" {
		return node + ":" + studyUID + ":" + suffix
	}
	return node + ":" + suffix
}
