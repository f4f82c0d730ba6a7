package dynacache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/unkn0wn-root/dynacache/codec"
	"github.com/unkn0wn-root/dynacache/internal/batch"
	"github.com/unkn0wn-root/dynacache/internal/util"
	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

type cache[V any] struct {
	table      string
	ns         string
	keyOf      KeyBuilder
	codec      codec.Codec[V]
	cols       record.Columns
	overflow   bool
	threshold  int
	timeout    time.Duration
	defaultTTL time.Duration
	blobPar    int
	batchPar   int
	selfHeal   bool
	clock      clock.Clock
	log        Logger
	hooks      Hooks

	primary *lazyClient[store.Primary]
	blob    *lazyClient[store.Blob]
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.TableName == "" {
		return nil, fmt.Errorf("%w: TableName is required", ErrConfiguration)
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("%w: Codec is required", ErrConfiguration)
	}
	if opts.Primary == nil && opts.PrimaryFactory == nil {
		return nil, fmt.Errorf("%w: Primary or PrimaryFactory is required", ErrConfiguration)
	}
	hasBlob := opts.Blob != nil || opts.BlobFactory != nil
	if opts.BucketName != "" && !hasBlob {
		return nil, fmt.Errorf("%w: BucketName %q needs Blob or BlobFactory", ErrConfiguration, opts.BucketName)
	}
	if opts.BucketName == "" && hasBlob {
		return nil, fmt.Errorf("%w: blob store given without BucketName", ErrConfiguration)
	}
	if opts.SizeThreshold < 0 || opts.Timeout < 0 || opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("%w: SizeThreshold, Timeout and DefaultTTL must not be negative", ErrConfiguration)
	}
	cols := opts.Columns.WithDefaults()
	if !cols.Distinct() {
		return nil, fmt.Errorf("%w: column names must be distinct: %+v", ErrConfiguration, cols)
	}

	c := &cache[V]{
		table:      opts.TableName,
		ns:         opts.Namespace,
		codec:      opts.Codec,
		cols:       cols,
		overflow:   opts.BucketName != "",
		defaultTTL: opts.DefaultTTL,
		selfHeal:   !opts.DisableSelfHeal,
	}

	// defaults
	c.keyOf = opts.KeyBuilder
	if c.keyOf == nil {
		c.keyOf = util.StorageKey
	}
	c.threshold = coalesce(opts.SizeThreshold, DefaultSizeThreshold)
	c.timeout = coalesce(opts.Timeout, defaultTimeout)
	c.blobPar = max(coalesce(opts.BlobConcurrency, defaultBlobConcurrency), 1)
	c.batchPar = max(coalesce(opts.BatchParallelism, defaultBatchParallelism), 1)
	c.clock = coalesce[clock.Clock](opts.Clock, clock.New())
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	pcfg := store.PrimaryConfig{Table: opts.TableName, Columns: cols}
	c.primary = newLazy[store.Primary]("primary", opts.Primary, func(ctx context.Context) (store.Primary, error) {
		return opts.PrimaryFactory(ctx, pcfg)
	}, c.opened)

	bcfg := store.BlobConfig{Bucket: opts.BucketName}
	c.blob = newLazy[store.Blob]("blob", opts.Blob, nil, c.opened)
	if opts.Blob == nil && opts.BlobFactory != nil {
		c.blob.build = func(ctx context.Context) (store.Blob, error) {
			return opts.BlobFactory(ctx, bcfg)
		}
	}
	return c, nil
}

func (c *cache[V]) opened(kind string) {
	c.log.Debug("store client constructed", Fields{"kind": kind, "table": c.table})
	c.hooks.ClientOpened(kind)
}

func (c *cache[V]) Open(ctx context.Context) error {
	prim, err := c.primary.get(ctx, c.timeout)
	if err != nil {
		return c.fail("open", "", err)
	}
	if err := c.check(ctx, prim); err != nil {
		return c.fail("open", "", err)
	}
	if !c.overflow {
		return nil
	}
	blob, err := c.blob.get(ctx, c.timeout)
	if err != nil {
		return c.fail("open", "", err)
	}
	return c.fail("open", "", c.check(ctx, blob))
}

func (c *cache[V]) check(ctx context.Context, s any) error {
	ch, ok := s.(store.Checker)
	if !ok {
		return nil
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return ch.Check(ctx)
}

func (c *cache[V]) Close(ctx context.Context) error {
	return multierr.Combine(
		c.blob.close(ctx),
		c.primary.close(ctx),
	)
}

// key maps a caller key to its storage key.
func (c *cache[V]) key(userKey string) string { return c.keyOf(c.ns, userKey) }

func (c *cache[V]) ttlFor(ttl time.Duration) time.Duration {
	switch {
	case ttl < 0:
		return 0
	case ttl == 0:
		return c.defaultTTL
	default:
		return ttl
	}
}

// entry builds the row content for payload and decides whether it overflows.
// len == threshold stays inline.
func (c *cache[V]) entry(storageKey string, payload []byte, ttl time.Duration) (record.Entry, error) {
	e := record.Entry{
		Key:       storageKey,
		ExpiresAt: record.ExpiresAt(c.clock.Now(), c.ttlFor(ttl)),
	}
	if len(payload) <= c.threshold {
		e.Value = payload
		return e, nil
	}
	if !c.overflow {
		return e, fmt.Errorf("%w: value of %d bytes exceeds SizeThreshold %d and no BucketName is set",
			ErrConfiguration, len(payload), c.threshold)
	}
	e.BlobKey = util.BlobKey(c.table, storageKey)
	return e, nil
}

func (c *cache[V]) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *cache[V]) plan(size int) batch.Plan {
	return batch.Plan{Size: size, Parallel: c.batchPar}
}

// classify marks deadline errors as unavailability so callers can match
// ErrStoreUnavailable regardless of which layer timed out.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.IsTimeout(err) {
		return store.Unavailable(op, err)
	}
	return err
}

func (c *cache[V]) fail(op, key string, err error) error {
	if err == nil {
		return nil
	}
	err = classify(op, err)
	if key == "" {
		return fmt.Errorf("dynacache: %s: %w", op, err)
	}
	return fmt.Errorf("dynacache: %s %q: %w", op, key, err)
}

func (c *cache[V]) getRow(ctx context.Context, prim store.Primary, k string) (record.Row, bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return prim.GetOne(ctx, k)
}

func (c *cache[V]) deleteRow(ctx context.Context, prim store.Primary, k string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return prim.DeleteOne(ctx, k)
}

func (c *cache[V]) getBlob(ctx context.Context, b store.Blob, bk string) ([]byte, bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return b.GetBlob(ctx, bk)
}

func (c *cache[V]) putBlob(ctx context.Context, b store.Blob, bk string, data []byte) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return b.PutBlob(ctx, bk, data)
}

func (c *cache[V]) deleteBlob(ctx context.Context, b store.Blob, bk string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return b.DeleteBlob(ctx, bk)
}

// blobStore returns the overflow client. Rows pointing at blobs can exist
// even when this cache has no bucket (written by another configuration).
func (c *cache[V]) blobStore(ctx context.Context) (store.Blob, error) {
	if !c.overflow {
		return nil, fmt.Errorf("%w: row points at a blob but no BucketName is set", ErrConfiguration)
	}
	return c.blob.get(ctx, c.timeout)
}

// heal deletes a row the cache cannot serve. With a blob key the delete is
// conditional, so a concurrent inline overwrite is never removed.
func (c *cache[V]) heal(ctx context.Context, prim store.Primary, k, blobKey, reason string, cause error) {
	if !c.selfHeal {
		c.log.Warn("unservable row kept (self-heal disabled)", keyFields(k, "reason", reason, "err", errString(cause)))
		return
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var err error
	if blobKey != "" {
		err = prim.DeleteIfBlob(ctx, k, blobKey)
	} else {
		err = prim.DeleteOne(ctx, k)
	}
	c.hooks.SelfHeal(k, reason, err)
	f := keyFields(k, "reason", reason, "cause", errString(cause))
	if err != nil {
		f["err"] = err.Error()
		c.log.Warn("self-heal delete failed", f)
		return
	}
	c.log.Warn("self-healed unservable row", f)
}

func (c *cache[V]) dangling(ctx context.Context, prim store.Primary, k, blobKey string) {
	c.hooks.DanglingPointer(k, blobKey)
	c.heal(ctx, prim, k, blobKey, "dangling_pointer", nil)
}

// unfollowable reports a pointer row this cache cannot read because no bucket
// is configured. Such rows are misses and stay in place for caches that can.
func (c *cache[V]) unfollowable(k, blobKey string) bool {
	if c.overflow {
		return false
	}
	c.log.Warn("row points at a blob but no bucket is configured", keyFields(k, "blob_key_fp", util.Fingerprint(blobKey)))
	return true
}

func (c *cache[V]) orphaned(k, blobKey string, cause error) {
	c.hooks.OrphanedBlob(k, blobKey, cause)
	c.log.Warn("orphaned overflow blob", keyFields(k, "blob_key_fp", util.Fingerprint(blobKey), "err", errString(cause)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type closer interface {
	Close(context.Context) error
}

// lazyClient constructs a store client on first use, at most once per open
// cycle. The fast path is a single atomic load.
type lazyClient[T closer] struct {
	kind   string
	mu     sync.Mutex
	cur    atomic.Pointer[T]
	owned  bool
	build  func(context.Context) (T, error)
	opened func(kind string)
}

func newLazy[T closer](kind string, supplied T, build func(context.Context) (T, error), opened func(string)) *lazyClient[T] {
	l := &lazyClient[T]{kind: kind, build: build, opened: opened, owned: true}
	if any(supplied) != nil {
		l.cur.Store(&supplied)
		l.owned = false
		l.build = nil
	}
	return l
}

func (l *lazyClient[T]) get(ctx context.Context, timeout time.Duration) (T, error) {
	if p := l.cur.Load(); p != nil {
		return *p, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := l.cur.Load(); p != nil {
		return *p, nil
	}
	var zero T
	if l.build == nil {
		return zero, fmt.Errorf("%w: no %s store configured", ErrConfiguration, l.kind)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cl, err := l.build(ctx)
	if err != nil {
		return zero, fmt.Errorf("open %s store: %w", l.kind, err)
	}
	if any(cl) == nil {
		return zero, fmt.Errorf("%w: %s factory returned nil", ErrConfiguration, l.kind)
	}
	l.cur.Store(&cl)
	if l.opened != nil {
		l.opened(l.kind)
	}
	return cl, nil
}

// close releases a constructed client. Supplied clients belong to the caller.
func (l *lazyClient[T]) close(ctx context.Context) error {
	if !l.owned {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.cur.Swap(nil)
	if p == nil {
		return nil
	}
	return (*p).Close(ctx)
}
