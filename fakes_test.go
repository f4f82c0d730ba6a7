package dynacache

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

var testCols = record.Columns{}.WithDefaults()

// fakePrimary is an in-memory store.Primary with injectable failures.
// Rows are never expired physically, so logical expiry is observable.
type fakePrimary struct {
	mu   sync.Mutex
	rows map[string]record.Row

	limits store.Limits
	ops    atomic.Int64
	closed atomic.Int64

	getErr   error            // every read fails
	putErr   error            // every write fails
	failKeys map[string]error // batch calls report these keys as partial failures
	chunkErr map[string]error // a GetMany chunk containing one of these keys fails whole
	hang     bool             // block until ctx is done
	blockKey string           // GetOne(blockKey) waits for release
	entered  chan struct{}
	release  chan struct{}
}

func newFakePrimary() *fakePrimary {
	return &fakePrimary{
		rows:     map[string]record.Row{},
		limits:   store.Limits{MaxGet: 2, MaxWrite: 2},
		failKeys: map[string]error{},
		chunkErr: map[string]error{},
	}
}

var (
	_ store.Primary = (*fakePrimary)(nil)
	_ store.Adder   = (*fakePrimary)(nil)
	_ store.Expirer = (*fakePrimary)(nil)
	_ store.Scanner = (*fakePrimary)(nil)
)

func (p *fakePrimary) enter(ctx context.Context) error {
	p.ops.Add(1)
	if p.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePrimary) row(k string) (record.Row, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rows[k]
	return maps.Clone(r), ok
}

func (p *fakePrimary) put(r record.Row) {
	p.mu.Lock()
	p.rows[testCols.KeyOf(r)] = maps.Clone(r)
	p.mu.Unlock()
}

func (p *fakePrimary) Limits() store.Limits { return p.limits }

func (p *fakePrimary) GetOne(ctx context.Context, key string) (record.Row, bool, error) {
	if err := p.enter(ctx); err != nil {
		return nil, false, err
	}
	if p.blockKey != "" && key == p.blockKey {
		close(p.entered)
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	r, ok := p.row(key)
	return r, ok, nil
}

func (p *fakePrimary) GetMany(ctx context.Context, keys []string) (map[string]record.Row, error) {
	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	if p.getErr != nil {
		return nil, p.getErr
	}
	for _, k := range keys {
		if err, bad := p.chunkErr[k]; bad {
			return nil, err
		}
	}
	out := map[string]record.Row{}
	var failed []string
	var cause error
	for _, k := range keys {
		if err, bad := p.failKeys[k]; bad {
			failed = append(failed, k)
			cause = err
			continue
		}
		if r, ok := p.row(k); ok {
			out[k] = r
		}
	}
	return out, store.Partial(failed, cause)
}

func (p *fakePrimary) PutOne(ctx context.Context, row record.Row) (record.Row, error) {
	if err := p.enter(ctx); err != nil {
		return nil, err
	}
	if p.putErr != nil {
		return nil, p.putErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := testCols.KeyOf(row)
	prev := p.rows[k]
	p.rows[k] = maps.Clone(row)
	return prev, nil
}

func (p *fakePrimary) PutMany(ctx context.Context, rows []record.Row) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	if p.putErr != nil {
		return p.putErr
	}
	var failed []string
	var cause error
	for _, r := range rows {
		k := testCols.KeyOf(r)
		if err, bad := p.failKeys[k]; bad {
			failed = append(failed, k)
			cause = err
			continue
		}
		p.put(r)
	}
	return store.Partial(failed, cause)
}

func (p *fakePrimary) DeleteOne(ctx context.Context, key string) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	if p.putErr != nil {
		return p.putErr
	}
	p.mu.Lock()
	delete(p.rows, key)
	p.mu.Unlock()
	return nil
}

func (p *fakePrimary) DeleteMany(ctx context.Context, keys []string) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	if p.putErr != nil {
		return p.putErr
	}
	var failed []string
	var cause error
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if err, bad := p.failKeys[k]; bad {
			failed = append(failed, k)
			cause = err
			continue
		}
		delete(p.rows, k)
	}
	return store.Partial(failed, cause)
}

func (p *fakePrimary) DeleteIfBlob(ctx context.Context, key, blobKey string) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rows[key]; ok && testCols.BlobKeyOf(r) == blobKey {
		delete(p.rows, key)
	}
	return nil
}

func (p *fakePrimary) alive(k string, now int64) (record.Row, bool) {
	r, ok := p.rows[k]
	if !ok {
		return nil, false
	}
	e, err := testCols.Decode(r)
	return r, err == nil && (e.ExpiresAt == 0 || e.ExpiresAt > now)
}

func (p *fakePrimary) PutIfAbsent(ctx context.Context, row record.Row, now int64) (record.Row, bool, error) {
	if err := p.enter(ctx); err != nil {
		return nil, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := testCols.KeyOf(row)
	prev, live := p.alive(k, now)
	if live {
		return nil, false, nil
	}
	p.rows[k] = maps.Clone(row)
	return prev, true, nil
}

func (p *fakePrimary) UpdateExpiry(ctx context.Context, key string, expiresAt, now int64) (bool, error) {
	if err := p.enter(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, live := p.alive(key, now)
	if !live {
		return false, nil
	}
	if expiresAt == 0 {
		delete(r, testCols.TTL)
	} else {
		r[testCols.TTL] = expiresAt
	}
	return true, nil
}

func (p *fakePrimary) Scan(ctx context.Context, prefix string, fn func([]record.Row) error) error {
	if err := p.enter(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	var keys []string
	for k := range p.rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	p.mu.Unlock()
	sort.Strings(keys)
	for len(keys) > 0 {
		n := min(2, len(keys))
		page := make([]record.Row, 0, n)
		for _, k := range keys[:n] {
			if r, ok := p.row(k); ok {
				page = append(page, r)
			}
		}
		keys = keys[n:]
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakePrimary) Close(context.Context) error {
	p.closed.Add(1)
	return nil
}

// basicPrimary hides the optional capabilities of the wrapped store.
type basicPrimary struct{ store.Primary }

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	puts    atomic.Int64
	deletes atomic.Int64
	closed  atomic.Int64

	putErr    error
	getErr    error
	deleteErr map[string]error
}

var _ store.Blob = (*fakeBlob)(nil)

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: map[string][]byte{}, deleteErr: map[string]error{}}
}

func (b *fakeBlob) has(k string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[k]
	return ok
}

func (b *fakeBlob) PutBlob(_ context.Context, key string, data []byte) error {
	b.puts.Add(1)
	if b.putErr != nil {
		return b.putErr
	}
	b.mu.Lock()
	b.objects[key] = append([]byte(nil), data...)
	b.mu.Unlock()
	return nil
}

func (b *fakeBlob) GetBlob(_ context.Context, key string) ([]byte, bool, error) {
	if b.getErr != nil {
		return nil, false, b.getErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.objects[key]
	return d, ok, nil
}

func (b *fakeBlob) DeleteBlob(_ context.Context, key string) error {
	b.deletes.Add(1)
	if err := b.deleteErr[key]; err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

func (b *fakeBlob) Close(context.Context) error {
	b.closed.Add(1)
	return nil
}

// recHooks counts hook events.
type recHooks struct {
	mu       sync.Mutex
	expired  int
	dangling []string
	heals    []string
	healErrs int
	orphans  []string
	batches  []string
	opened   []string
}

var _ Hooks = (*recHooks)(nil)

func (h *recHooks) ExpiredRead(string) {
	h.mu.Lock()
	h.expired++
	h.mu.Unlock()
}

func (h *recHooks) DanglingPointer(_, bk string) {
	h.mu.Lock()
	h.dangling = append(h.dangling, bk)
	h.mu.Unlock()
}

func (h *recHooks) SelfHeal(_, reason string, err error) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	if err != nil {
		h.healErrs++
	}
	h.mu.Unlock()
}

func (h *recHooks) OrphanedBlob(_, bk string, _ error) {
	h.mu.Lock()
	h.orphans = append(h.orphans, bk)
	h.mu.Unlock()
}

func (h *recHooks) BatchFailure(op string, _, _ int) {
	h.mu.Lock()
	h.batches = append(h.batches, op)
	h.mu.Unlock()
}

func (h *recHooks) ClientOpened(kind string) {
	h.mu.Lock()
	h.opened = append(h.opened, kind)
	h.mu.Unlock()
}
