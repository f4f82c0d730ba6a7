package dynacache

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/dynacache/codec"
	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

// NoExpiration passed as a ttl stores an entry without expiry, overriding
// Options.DefaultTTL.
const NoExpiration time.Duration = -1

// Cache is a typed cache over a primary record store with optional blob
// overflow. V is the caller's value type; serialization is handled by the
// Codec in Options. All methods are safe for concurrent use.
type Cache[V any] interface {
	// Open constructs the store clients now instead of on first use and
	// verifies the table (and bucket) exist when the stores support it.
	Open(ctx context.Context) error
	// Close releases clients the cache constructed. Caller-supplied stores are
	// left open. Close is idempotent; later calls reopen lazily.
	Close(ctx context.Context) error

	// Single
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Add(ctx context.Context, key string, value V, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Multi. Failures of individual keys are reported with a *BatchError;
	// keys that succeeded stay committed and MultiGet still returns them.
	MultiGet(ctx context.Context, keys []string) (map[string]V, error)
	MultiSet(ctx context.Context, items map[string]V, ttl time.Duration) error
	MultiDelete(ctx context.Context, keys []string) error

	// Clear deletes every entry of the namespace (the whole table when the
	// namespace is empty). It needs a primary store implementing store.Scanner.
	Clear(ctx context.Context) error
}

// KeyBuilder maps a namespace and a caller key to the stored key.
type KeyBuilder func(namespace, key string) string

// Options configure a Cache. TableName, Codec and one of Primary or
// PrimaryFactory are required; everything else has a default.
type Options[V any] struct {
	// Required
	TableName string
	Codec     codec.Codec[V]

	// Primary is used as-is when set; otherwise PrimaryFactory is called on
	// first use. The cache closes only clients it constructed.
	Primary        store.Primary
	PrimaryFactory store.PrimaryFactory

	// BucketName enables overflow of values larger than SizeThreshold.
	// It requires Blob or BlobFactory.
	BucketName  string
	Blob        store.Blob
	BlobFactory store.BlobFactory

	Columns    record.Columns // zero fields => record defaults
	Namespace  string         // key prefix; "" => none
	KeyBuilder KeyBuilder     // nil => "<ns>:<key>"

	Timeout       time.Duration // per store call; 0 => 5s
	SizeThreshold int           // bytes kept inline; 0 => DefaultSizeThreshold
	DefaultTTL    time.Duration // ttl used when a call passes 0; 0 => no expiry

	BlobConcurrency  int  // parallel blob calls in multi ops; 0 => 8
	BatchParallelism int  // parallel batch chunks; 0 => 4
	DisableSelfHeal  bool // keep dangling/malformed rows instead of deleting them

	Clock  clock.Clock // nil => wall clock
	Logger Logger      // nil => NopLogger
	Hooks  Hooks       // nil => NopHooks
}

func New[V any](opts Options[V]) (Cache[V], error) {
	c, err := newCache[V](opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}
