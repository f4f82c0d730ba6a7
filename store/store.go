// Package store defines the storage abstractions used by dynacache.
//
// A Primary holds one row per cache entry (see package record) in a durable
// key/value table with per-item TTL. A Blob holds the values too large to keep
// inline, addressed by a key derived from the cache key.
//
// Implementations must be safe for concurrent use. Not-found is never an
// error: reads report it with ok=false or by omitting the key. Transport
// failures (timeouts, throttling, broken connections) must be wrapped with
// ErrUnavailable so callers can tell them apart from permanent failures.
package store

import (
	"context"

	"github.com/unkn0wn-root/dynacache/record"
)

// Limits are the per-request item caps of a store's batch primitives.
type Limits struct {
	MaxGet   int // keys per batch read
	MaxWrite int // puts/deletes per batch write
}

// Primary is the record store.
type Primary interface {
	// GetOne returns (row, true, nil) on hit and (nil, false, nil) on miss.
	// Rows are returned as stored; logical expiry is the caller's concern.
	GetOne(ctx context.Context, key string) (record.Row, bool, error)

	// GetMany returns rows for the keys that are present. Keys that could not
	// be read are reported with a *PartialError alongside the rows that were.
	GetMany(ctx context.Context, keys []string) (map[string]record.Row, error)

	// PutOne writes row, replacing any existing row with the same key, and
	// returns the replaced row (nil if there was none).
	PutOne(ctx context.Context, row record.Row) (prev record.Row, err error)

	// PutMany writes rows. Rows that could not be confirmed written are
	// reported with a *PartialError.
	PutMany(ctx context.Context, rows []record.Row) error

	// DeleteOne removes key. Deleting a missing key succeeds.
	DeleteOne(ctx context.Context, key string) error

	// DeleteMany removes keys, reporting unconfirmed ones with a *PartialError.
	DeleteMany(ctx context.Context, keys []string) error

	// DeleteIfBlob removes key only while its blob key column still equals
	// blobKey. A row that no longer matches is left alone without error.
	DeleteIfBlob(ctx context.Context, key, blobKey string) error

	// Limits reports the batch caps the store enforces.
	Limits() Limits

	// Close releases resources held by the adapter.
	Close(ctx context.Context) error
}

// Blob is the overflow store. It has no notion of TTL: the owner of the
// pointer row deletes blobs.
type Blob interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	// GetBlob returns (data, true, nil) on hit and (nil, false, nil) on miss.
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	// DeleteBlob removes key. Deleting a missing key succeeds.
	DeleteBlob(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// BlobBatchDeleter is implemented by blob stores with a bulk delete primitive.
// The returned map holds the keys that could not be deleted.
type BlobBatchDeleter interface {
	DeleteBlobs(ctx context.Context, keys []string) (map[string]error, error)
}

// Adder is implemented by primary stores that support a conditional put.
type Adder interface {
	// PutIfAbsent writes row unless a live row with the same key exists.
	// A row whose ttl column is <= now counts as absent; when such a row is
	// overwritten it is returned as prev.
	PutIfAbsent(ctx context.Context, row record.Row, now int64) (prev record.Row, added bool, err error)
}

// Expirer is implemented by primary stores that can rewrite only the ttl
// column of a row.
type Expirer interface {
	// UpdateExpiry sets the ttl column of a live row (ttl > now or none) to
	// expiresAt (0 removes it). It reports false when no live row exists.
	UpdateExpiry(ctx context.Context, key string, expiresAt, now int64) (bool, error)
}

// Scanner is implemented by primary stores that can enumerate rows.
type Scanner interface {
	// Scan calls fn with pages of rows whose key starts with prefix, until
	// the table is exhausted or fn returns an error. Only the key and blob
	// key columns are guaranteed to be populated.
	Scan(ctx context.Context, prefix string, fn func(rows []record.Row) error) error
}

// Checker is implemented by stores that can verify their table or bucket
// exists. It is called from Cache.Open.
type Checker interface {
	Check(ctx context.Context) error
}

// PrimaryConfig is what a PrimaryFactory gets from the cache.
type PrimaryConfig struct {
	Table   string
	Columns record.Columns
}

// BlobConfig is what a BlobFactory gets from the cache.
type BlobConfig struct {
	Bucket string
}

// PrimaryFactory constructs a primary store client. It is called lazily, at
// most once per open cycle of a cache.
type PrimaryFactory func(ctx context.Context, cfg PrimaryConfig) (Primary, error)

// BlobFactory constructs a blob store client. It is called lazily, at most
// once per open cycle of a cache.
type BlobFactory func(ctx context.Context, cfg BlobConfig) (Blob, error)
