package dynacache

import "time"

const (
	// DefaultSizeThreshold leaves headroom for the key and ttl columns under
	// DynamoDB's 400 KB item limit.
	DefaultSizeThreshold = 384 * 1024

	defaultTimeout          = 5 * time.Second
	defaultBlobConcurrency  = 8
	defaultBatchParallelism = 4
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
