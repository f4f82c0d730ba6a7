package dynacache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	k := c.key(key)
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return zero, false, c.fail("get", key, err)
	}
	row, ok, err := c.getRow(ctx, prim, k)
	if err != nil || !ok {
		return zero, false, c.fail("get", key, err)
	}
	e, ok := c.live(ctx, prim, k, row)
	if !ok {
		return zero, false, nil
	}

	payload := e.Value
	if e.Overflowed() {
		if c.unfollowable(k, e.BlobKey) {
			return zero, false, nil
		}
		b, err := c.blobStore(ctx)
		if err != nil {
			return zero, false, c.fail("get", key, err)
		}
		data, found, err := c.getBlob(ctx, b, e.BlobKey)
		if err != nil {
			return zero, false, c.fail("get", key, err)
		}
		if !found {
			c.dangling(ctx, prim, k, e.BlobKey)
			return zero, false, nil
		}
		payload = data
	}

	v, err := c.codec.Decode(payload)
	if err != nil {
		c.heal(ctx, prim, k, e.BlobKey, "value_decode", err)
		return zero, false, nil
	}
	return v, true, nil
}

// live decodes row and reports whether it may be served. Malformed rows are
// healed; expired rows are left for the store's own reclamation.
func (c *cache[V]) live(ctx context.Context, prim store.Primary, k string, row record.Row) (record.Entry, bool) {
	e, err := c.cols.Decode(row)
	if err != nil {
		c.heal(ctx, prim, k, "", "malformed_record", err)
		return record.Entry{}, false
	}
	if record.IsExpired(e.ExpiresAt, c.clock.Now()) {
		c.hooks.ExpiredRead(k)
		return record.Entry{}, false
	}
	return e, true
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	payload, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("dynacache: set %q: encode: %w", key, err)
	}
	k := c.key(key)
	e, err := c.entry(k, payload, ttl)
	if err != nil {
		return c.fail("set", key, err)
	}
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.fail("set", key, err)
	}

	if e.Overflowed() {
		b, err := c.blob.get(ctx, c.timeout)
		if err != nil {
			return c.fail("set", key, err)
		}
		if err := c.putBlob(ctx, b, e.BlobKey, payload); err != nil {
			return c.fail("set", key, err)
		}
	}

	pctx, cancel := c.bound(ctx)
	prev, err := prim.PutOne(pctx, c.cols.Encode(e))
	cancel()
	if err != nil {
		if e.Overflowed() {
			c.orphaned(k, e.BlobKey, err)
		}
		return c.fail("set", key, err)
	}
	if prev != nil {
		c.dropStale(ctx, k, e.BlobKey, c.cols.BlobKeyOf(prev))
	}
	return nil
}

// dropStale deletes the blob a replaced row pointed at, unless the new row
// still points at it. Failure only leaves an orphan.
func (c *cache[V]) dropStale(ctx context.Context, k, current, previous string) {
	if previous == "" || previous == current {
		return
	}
	b, err := c.blobStore(ctx)
	if err == nil {
		err = c.deleteBlob(ctx, b, previous)
	}
	if err != nil {
		c.orphaned(k, previous, err)
	}
}

func (c *cache[V]) Add(ctx context.Context, key string, value V, ttl time.Duration) error {
	payload, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("dynacache: add %q: encode: %w", key, err)
	}
	k := c.key(key)
	// A blob put would overwrite the blob of the live entry Add must not touch.
	if len(payload) > c.threshold {
		return fmt.Errorf("dynacache: add %q: %w: value of %d bytes exceeds SizeThreshold %d",
			key, ErrConfiguration, len(payload), c.threshold)
	}
	e, err := c.entry(k, payload, ttl)
	if err != nil {
		return c.fail("add", key, err)
	}
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.fail("add", key, err)
	}
	adder, ok := prim.(store.Adder)
	if !ok {
		return fmt.Errorf("dynacache: add %q: %w", key, ErrNotSupported)
	}
	pctx, cancel := c.bound(ctx)
	prev, added, err := adder.PutIfAbsent(pctx, c.cols.Encode(e), c.clock.Now().Unix())
	cancel()
	if err != nil {
		return c.fail("add", key, err)
	}
	if !added {
		return fmt.Errorf("dynacache: add %q: %w", key, ErrKeyExists)
	}
	// An expired overflowed row may have been replaced.
	if prev != nil {
		c.dropStale(ctx, k, "", c.cols.BlobKeyOf(prev))
	}
	return nil
}

func (c *cache[V]) Delete(ctx context.Context, key string) error {
	k := c.key(key)
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.fail("delete", key, err)
	}
	row, ok, err := c.getRow(ctx, prim, k)
	if err != nil || !ok {
		return c.fail("delete", key, err)
	}
	// Blob first. An interrupted delete leaves a dangling row, which reads heal.
	if bk := c.cols.BlobKeyOf(row); bk != "" {
		b, err := c.blobStore(ctx)
		if err != nil {
			return c.fail("delete", key, err)
		}
		if err := c.deleteBlob(ctx, b, bk); err != nil {
			return c.fail("delete", key, err)
		}
	}
	return c.fail("delete", key, c.deleteRow(ctx, prim, k))
}

func (c *cache[V]) Exists(ctx context.Context, key string) (bool, error) {
	k := c.key(key)
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return false, c.fail("exists", key, err)
	}
	row, ok, err := c.getRow(ctx, prim, k)
	if err != nil || !ok {
		return false, c.fail("exists", key, err)
	}
	_, ok = c.live(ctx, prim, k, row)
	return ok, nil
}

// Expire rewrites the expiry of a live entry. ttl follows Set: 0 means
// DefaultTTL, NoExpiration removes the expiry.
func (c *cache[V]) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	k := c.key(key)
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return false, c.fail("expire", key, err)
	}
	ex, ok := prim.(store.Expirer)
	if !ok {
		return false, fmt.Errorf("dynacache: expire %q: %w", key, ErrNotSupported)
	}
	now := c.clock.Now()
	ctx, cancel := c.bound(ctx)
	defer cancel()
	updated, err := ex.UpdateExpiry(ctx, k, record.ExpiresAt(now, c.ttlFor(ttl)), now.Unix())
	if err != nil {
		return false, c.fail("expire", key, err)
	}
	return updated, nil
}
