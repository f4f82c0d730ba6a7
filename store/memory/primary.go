// Package memory provides in-process stores: a record store on ristretto and
// a blob store on bigcache. They suit tests, local development and single
// process deployments; nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/dynacache/internal/wire"
	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

// ErrDropped is returned when ristretto refuses a write (set buffer full or
// admission policy rejected it). The write may be retried.
var ErrDropped = errors.New("memory: write dropped by ristretto")

// minPhysicalTTL keeps already-expired rows briefly so that reads still see
// them and apply logical expiry themselves.
const minPhysicalTTL = time.Second

const scanPage = 100

type PrimaryConfig struct {
	NumCounters int64 // 0 => 1e5
	MaxCost     int64 // bytes; 0 => 64 MiB
	BufferItems int64 // 0 => 64
	Metrics     bool
	Clock       clock.Clock // nil => wall clock
}

// Primary is a store.Primary over ristretto. Rows are framed with
// internal/wire, so callers never share memory with the store.
//
// Reads are lock-free. Writes take one mutex so conditional writes and the
// previous-row result of PutOne are atomic.
type Primary struct {
	c     *rc.Cache
	cols  record.Columns
	clock clock.Clock

	mu    sync.Mutex
	index map[string]struct{} // keys written; pruned lazily by Scan
}

var (
	_ store.Primary = (*Primary)(nil)
	_ store.Adder   = (*Primary)(nil)
	_ store.Expirer = (*Primary)(nil)
	_ store.Scanner = (*Primary)(nil)
)

func NewPrimary(cols record.Columns, cfg PrimaryConfig) (*Primary, error) {
	if cfg.NumCounters < 0 || cfg.MaxCost < 0 || cfg.BufferItems < 0 {
		return nil, errors.New("memory: invalid ristretto config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: orDefault(cfg.NumCounters, 1e5),
		MaxCost:     orDefault(cfg.MaxCost, 64<<20),
		BufferItems: orDefault(cfg.BufferItems, 64),
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Primary{
		c:     c,
		cols:  cols.WithDefaults(),
		clock: clk,
		index: make(map[string]struct{}),
	}, nil
}

// PrimaryFactory returns a store.PrimaryFactory building a fresh Primary per
// open cycle.
func PrimaryFactory(cfg PrimaryConfig) store.PrimaryFactory {
	return func(_ context.Context, pc store.PrimaryConfig) (store.Primary, error) {
		return NewPrimary(pc.Columns, cfg)
	}
}

func orDefault(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func (p *Primary) Limits() store.Limits { return store.Limits{MaxGet: 1000, MaxWrite: 1000} }

func (p *Primary) GetOne(_ context.Context, key string) (record.Row, bool, error) {
	return p.load(key)
}

func (p *Primary) load(key string) (record.Row, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	row, err := wire.DecodeRow(b)
	if err != nil {
		// unexpected entry shape; drop it
		p.c.Del(key)
		return nil, false, nil
	}
	return row, true, nil
}

func (p *Primary) GetMany(_ context.Context, keys []string) (map[string]record.Row, error) {
	out := make(map[string]record.Row, len(keys))
	for _, k := range keys {
		if row, ok, _ := p.load(k); ok {
			out[k] = row
		}
	}
	return out, nil
}

func (p *Primary) PutOne(_ context.Context, row record.Row) (record.Row, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, _, _ := p.load(p.cols.KeyOf(row))
	if err := p.store(row); err != nil {
		return nil, err
	}
	return prev, nil
}

func (p *Primary) PutMany(_ context.Context, rows []record.Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var failed []string
	var last error
	for _, r := range rows {
		if err := p.store(r); err != nil {
			failed = append(failed, p.cols.KeyOf(r))
			last = err
		}
	}
	return store.Partial(failed, last)
}

// store writes row. Callers hold p.mu.
func (p *Primary) store(row record.Row) error {
	key := p.cols.KeyOf(row)
	if key == "" {
		return store.ErrInvalidInput
	}
	b, err := wire.EncodeRow(row)
	if err != nil {
		return errors.Join(store.ErrInvalidInput, err)
	}
	var ttl time.Duration
	if exp, err := p.cols.Decode(row); err == nil && exp.ExpiresAt != 0 {
		ttl, _ = record.Remaining(exp.ExpiresAt, p.clock.Now())
		ttl = max(ttl, minPhysicalTTL)
	}
	if !p.c.SetWithTTL(key, b, int64(len(b)), ttl) {
		return store.Unavailable("memory put", ErrDropped)
	}
	p.c.Wait()
	p.index[key] = struct{}{}
	return nil
}

func (p *Primary) DeleteOne(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop(key)
	return nil
}

func (p *Primary) DeleteMany(_ context.Context, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		p.drop(k)
	}
	return nil
}

func (p *Primary) drop(key string) {
	p.c.Del(key)
	p.c.Wait()
	delete(p.index, key)
}

func (p *Primary) DeleteIfBlob(_ context.Context, key, blobKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok, _ := p.load(key)
	if ok && p.cols.BlobKeyOf(row) == blobKey {
		p.drop(key)
	}
	return nil
}

func (p *Primary) PutIfAbsent(_ context.Context, row record.Row, now int64) (record.Row, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, _ := p.load(p.cols.KeyOf(row))
	if ok && p.alive(cur, now) {
		return nil, false, nil
	}
	if err := p.store(row); err != nil {
		return nil, false, err
	}
	return cur, true, nil
}

func (p *Primary) UpdateExpiry(_ context.Context, key string, expiresAt, now int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, _ := p.load(key)
	if !ok || !p.alive(cur, now) {
		return false, nil
	}
	if expiresAt == 0 {
		delete(cur, p.cols.TTL)
	} else {
		cur[p.cols.TTL] = expiresAt
	}
	if err := p.store(cur); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Primary) alive(row record.Row, now int64) bool {
	e, err := p.cols.Decode(row)
	return err == nil && (e.ExpiresAt == 0 || e.ExpiresAt > now)
}

// Scan walks a snapshot of the key index. Keys ristretto evicted in the
// meantime are skipped and pruned.
func (p *Primary) Scan(ctx context.Context, prefix string, fn func([]record.Row) error) error {
	p.mu.Lock()
	keys := make([]string, 0, len(p.index))
	for k := range p.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	p.mu.Unlock()
	sort.Strings(keys)

	page := make([]record.Row, 0, scanPage)
	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		err := fn(page)
		page = make([]record.Row, 0, scanPage)
		return err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, ok, _ := p.load(k)
		if !ok {
			p.mu.Lock()
			delete(p.index, k)
			p.mu.Unlock()
			continue
		}
		page = append(page, row)
		if len(page) == scanPage {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (p *Primary) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters (nil unless PrimaryConfig.Metrics).
func (p *Primary) Metrics() *rc.Metrics { return p.c.Metrics }
