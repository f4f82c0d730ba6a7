package dynacache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/dynacache/internal/batch"
	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

func (c *cache[V]) MultiGet(ctx context.Context, keys []string) (map[string]V, error) {
	out := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	sks, back := c.storageKeys(keys)
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return out, c.batchErr("multi_get", sks, back, failAll(sks, err))
	}

	rows, failed := c.readRows(ctx, "multi_get", prim, sks)
	payloads := make(map[string][]byte, len(rows))
	blobKeys := make(map[string]string)
	var pointers []record.Entry
	for _, sk := range sks {
		row, ok := rows[sk]
		if !ok {
			continue
		}
		e, ok := c.live(ctx, prim, sk, row)
		if !ok {
			continue
		}
		if e.Overflowed() {
			if c.unfollowable(sk, e.BlobKey) {
				continue
			}
			pointers = append(pointers, e)
			blobKeys[sk] = e.BlobKey
			continue
		}
		payloads[sk] = e.Value
	}
	if len(pointers) > 0 {
		c.readBlobs(ctx, prim, pointers, payloads, failed)
	}

	for _, sk := range sks {
		p, ok := payloads[sk]
		if !ok {
			continue
		}
		v, err := c.codec.Decode(p)
		if err != nil {
			c.heal(ctx, prim, sk, blobKeys[sk], "value_decode", err)
			continue
		}
		out[back[sk]] = v
	}
	return out, c.batchErr("multi_get", sks, back, failed)
}

// readBlobs fetches overflowed payloads with bounded concurrency. Missing
// blobs are dangling pointers and are healed after the fan-out.
func (c *cache[V]) readBlobs(ctx context.Context, prim store.Primary, entries []record.Entry, payloads map[string][]byte, failed map[string]error) {
	b, err := c.blobStore(ctx)
	if err != nil {
		for _, e := range entries {
			failed[e.Key] = err
		}
		return
	}

	var (
		mu       sync.Mutex
		dangling []record.Entry
		g        errgroup.Group
	)
	g.SetLimit(c.blobPar)
	for _, e := range entries {
		g.Go(func() error {
			data, found, err := c.getBlob(ctx, b, e.BlobKey)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed[e.Key] = classify("multi_get", err)
			case !found:
				dangling = append(dangling, e)
			default:
				payloads[e.Key] = data
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range dangling {
		c.dangling(ctx, prim, e.Key, e.BlobKey)
	}
}

func (c *cache[V]) MultiSet(ctx context.Context, items map[string]V, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Encode and size-check everything before the first store call.
	sks := make([]string, 0, len(keys))
	back := make(map[string]string, len(keys))
	entries := make([]record.Entry, 0, len(keys))
	blobData := make(map[string][]byte)
	blobKeys := make(map[string]string)
	for _, key := range keys {
		payload, err := c.codec.Encode(items[key])
		if err != nil {
			return fmt.Errorf("dynacache: multi_set %q: encode: %w", key, err)
		}
		sk := c.key(key)
		if _, dup := back[sk]; dup {
			return fmt.Errorf("dynacache: multi_set %q: %w: key collides with %q", key, ErrConfiguration, back[sk])
		}
		e, err := c.entry(sk, payload, ttl)
		if err != nil {
			return c.fail("multi_set", key, err)
		}
		if e.Overflowed() {
			blobData[sk] = payload
			blobKeys[sk] = e.BlobKey
		}
		back[sk] = key
		sks = append(sks, sk)
		entries = append(entries, e)
	}

	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.batchErr("multi_set", sks, back, failAll(sks, err))
	}

	// Rows being replaced, to find blobs that become stale. Keys that cannot
	// be read here may leave an orphan; that is not a write failure.
	var prev map[string]record.Row
	if c.overflow {
		prev, _ = c.readRows(ctx, "multi_set", prim, sks)
	}

	failed := make(map[string]error)
	if len(blobData) > 0 {
		c.writeBlobs(ctx, entries, blobData, failed)
	}

	rows := make([]record.Row, 0, len(entries))
	for _, e := range entries {
		if _, bad := failed[e.Key]; !bad {
			rows = append(rows, c.cols.Encode(e))
		}
	}
	werr := batch.Run(ctx, rows, c.plan(prim.Limits().MaxWrite), c.cols.KeyOf, func(ctx context.Context, chunk []record.Row) error {
		ctx, cancel := c.bound(ctx)
		defer cancel()
		return classify("multi_set", prim.PutMany(ctx, chunk))
	})
	for sk, err := range werr {
		failed[sk] = err
		if _, over := blobData[sk]; over {
			c.orphaned(sk, blobKeys[sk], err)
		}
	}

	if len(prev) > 0 {
		var g errgroup.Group
		g.SetLimit(c.blobPar)
		for _, e := range entries {
			p, ok := prev[e.Key]
			if _, bad := failed[e.Key]; bad || !ok {
				continue
			}
			g.Go(func() error {
				c.dropStale(ctx, e.Key, e.BlobKey, c.cols.BlobKeyOf(p))
				return nil
			})
		}
		_ = g.Wait()
	}
	return c.batchErr("multi_set", sks, back, failed)
}

func (c *cache[V]) writeBlobs(ctx context.Context, entries []record.Entry, data map[string][]byte, failed map[string]error) {
	b, err := c.blob.get(ctx, c.timeout)
	if err != nil {
		for sk := range data {
			failed[sk] = err
		}
		return
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.blobPar)
	for _, e := range entries {
		if !e.Overflowed() {
			continue
		}
		g.Go(func() error {
			if err := c.putBlob(ctx, b, e.BlobKey, data[e.Key]); err != nil {
				mu.Lock()
				failed[e.Key] = classify("multi_set", err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *cache[V]) MultiDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sks, back := c.storageKeys(keys)
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.batchErr("multi_delete", sks, back, failAll(sks, err))
	}

	// Resolve pointers first. Unreadable keys are reported and left alone.
	rows, failed := c.readRows(ctx, "multi_delete", prim, sks)
	present := make([]record.Row, 0, len(rows))
	for _, sk := range sks {
		if r, ok := rows[sk]; ok {
			present = append(present, r)
		}
	}
	for sk, err := range c.deleteRows(ctx, "multi_delete", prim, present) {
		failed[sk] = err
	}
	return c.batchErr("multi_delete", sks, back, failed)
}

// deleteRows removes the blobs of rows, then the rows whose blob is gone.
// A row whose blob delete failed is kept so it can be retried.
func (c *cache[V]) deleteRows(ctx context.Context, op string, prim store.Primary, rows []record.Row) map[string]error {
	failed := make(map[string]error)
	keys := make([]string, 0, len(rows))
	owner := make(map[string]string)
	for _, r := range rows {
		sk := c.cols.KeyOf(r)
		keys = append(keys, sk)
		if bk := c.cols.BlobKeyOf(r); bk != "" {
			owner[bk] = sk
		}
	}
	if len(owner) > 0 {
		bks := make([]string, 0, len(owner))
		for bk := range owner {
			bks = append(bks, bk)
		}
		sort.Strings(bks)
		for bk, err := range c.deleteBlobs(ctx, op, bks) {
			failed[owner[bk]] = err
		}
	}

	deletable := keys[:0:0]
	for _, sk := range keys {
		if _, bad := failed[sk]; !bad {
			deletable = append(deletable, sk)
		}
	}
	derr := batch.Run(ctx, deletable, c.plan(prim.Limits().MaxWrite), ident, func(ctx context.Context, chunk []string) error {
		ctx, cancel := c.bound(ctx)
		defer cancel()
		return classify(op, prim.DeleteMany(ctx, chunk))
	})
	for sk, err := range derr {
		failed[sk] = err
	}
	return failed
}

// deleteBlobs returns the blob keys that could not be deleted.
func (c *cache[V]) deleteBlobs(ctx context.Context, op string, bks []string) map[string]error {
	b, err := c.blobStore(ctx)
	if err != nil {
		return failAll(bks, err)
	}
	if bd, ok := b.(store.BlobBatchDeleter); ok {
		ctx, cancel := c.bound(ctx)
		defer cancel()
		res, err := bd.DeleteBlobs(ctx, bks)
		if err != nil {
			return failAll(bks, classify(op, err))
		}
		out := make(map[string]error, len(res))
		for bk, err := range res {
			out[bk] = classify(op, err)
		}
		return out
	}

	out := make(map[string]error)
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.blobPar)
	for _, bk := range bks {
		g.Go(func() error {
			if err := c.deleteBlob(ctx, b, bk); err != nil {
				mu.Lock()
				out[bk] = classify(op, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *cache[V]) Clear(ctx context.Context) error {
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.fail("clear", "", err)
	}
	sc, ok := prim.(store.Scanner)
	if !ok {
		return fmt.Errorf("dynacache: clear: %w", ErrNotSupported)
	}
	prefix := ""
	if c.ns != "" {
		prefix = c.keyOf(c.ns, "")
	}

	var seen []string
	failed := make(map[string]error)
	err = sc.Scan(ctx, prefix, func(rows []record.Row) error {
		for _, r := range rows {
			seen = append(seen, c.cols.KeyOf(r))
		}
		for sk, err := range c.deleteRows(ctx, "clear", prim, rows) {
			failed[sk] = err
		}
		return ctx.Err()
	})
	if err != nil {
		return c.fail("clear", "", err)
	}
	c.log.Info("cleared namespace", Fields{"table": c.table, "namespace": c.ns, "rows": len(seen), "failed": len(failed)})
	return c.batchErr("clear", seen, nil, failed)
}

// storageKeys dedupes keys and maps each storage key back to its caller key.
func (c *cache[V]) storageKeys(keys []string) ([]string, map[string]string) {
	uniq := batch.Keys(keys)
	sks := make([]string, 0, len(uniq))
	back := make(map[string]string, len(uniq))
	for _, k := range uniq {
		sk := c.key(k)
		if _, dup := back[sk]; dup {
			continue
		}
		back[sk] = k
		sks = append(sks, sk)
	}
	return sks, back
}

// readRows batch-reads sks. The returned failure map is never nil.
func (c *cache[V]) readRows(ctx context.Context, op string, prim store.Primary, sks []string) (map[string]record.Row, map[string]error) {
	rows := make(map[string]record.Row, len(sks))
	var mu sync.Mutex
	failed := batch.Run(ctx, sks, c.plan(prim.Limits().MaxGet), ident, func(ctx context.Context, chunk []string) error {
		ctx, cancel := c.bound(ctx)
		defer cancel()
		got, err := prim.GetMany(ctx, chunk)
		mu.Lock()
		for k, r := range got {
			rows[k] = r
		}
		mu.Unlock()
		return classify(op, err)
	})
	if failed == nil {
		failed = make(map[string]error)
	}
	for sk := range failed {
		delete(rows, sk)
	}
	return rows, failed
}

// batchErr builds the *BatchError for requested storage keys, or nil when
// nothing failed. back maps storage keys to caller keys; nil keeps them.
func (c *cache[V]) batchErr(op string, requested []string, back map[string]string, failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	be := &BatchError{Op: op, Failed: make(map[string]error, len(failed))}
	for _, sk := range requested {
		uk := sk
		if back != nil {
			uk = back[sk]
		}
		if err, bad := failed[sk]; bad {
			be.Failed[uk] = classify(op, err)
		} else {
			be.Succeeded = append(be.Succeeded, uk)
		}
	}
	sort.Strings(be.Succeeded)
	c.hooks.BatchFailure(op, len(requested), len(be.Failed))
	c.log.Warn("batch partially failed", Fields{"op": op, "requested": len(requested), "failed": len(be.Failed)})
	return be
}

func failAll(keys []string, err error) map[string]error {
	out := make(map[string]error, len(keys))
	for _, k := range keys {
		out[k] = err
	}
	return out
}

func ident(s string) string { return s }
