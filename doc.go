// Package dynacache is a generic cache over a durable key/value table with
// per-item TTL, such as DynamoDB or Redis.
//
// Each entry is one row: the storage key, either the encoded value or a
// pointer to a blob, and an absolute expiry in epoch seconds. Values larger
// than Options.SizeThreshold are written to an overflow blob store (S3 or
// any S3-compatible service through package store/minio) and the row keeps
// only the blob key.
//
// Components:
//   - store.Primary: the record table (store/dynamodb, store/redis, store/memory).
//   - store.Blob: the overflow store (store/minio, store/memory).
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//
// Keys:
//
//	<ns>:<key>              - row key (bare key when Namespace is empty)
//	<table>/<ns>:<key>      - blob key of an overflowed row
//
// Stores reclaim expired rows on their own schedule, so expiry is checked on
// every read and expired rows are reported as misses. Overflowed writes put
// the blob before the row, so an interrupted write leaves at worst an
// orphaned blob. Deletes remove the blob before the row; an interrupted
// delete leaves a dangling pointer that the next read heals.
//
// Rows the cache cannot serve (dangling pointer, malformed row, undecodable
// value) are deleted on read and reported as misses.
package dynacache
