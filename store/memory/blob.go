package memory

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/dynacache/store"
)

type BlobConfig struct {
	// LifeWindow bounds how long a blob is kept; 0 => 24h. bigcache has no
	// per-entry TTL, so a row that outlives this window reads as a dangling
	// pointer and is healed.
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

// Blob is a store.Blob over bigcache.
type Blob struct {
	c *bc.BigCache
}

var _ store.Blob = (*Blob)(nil)

func NewBlob(ctx context.Context, cfg BlobConfig) (*Blob, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	conf.Verbose = false
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Blob{c: c}, nil
}

// BlobFactory returns a store.BlobFactory building a fresh Blob per open
// cycle. The bucket name is not used.
func BlobFactory(cfg BlobConfig) store.BlobFactory {
	return func(ctx context.Context, _ store.BlobConfig) (store.Blob, error) {
		// bigcache's cleanup goroutine lives until Close, not until ctx ends.
		return NewBlob(context.WithoutCancel(ctx), cfg)
	}
}

func (b *Blob) PutBlob(_ context.Context, key string, data []byte) error {
	if err := b.c.Set(key, data); err != nil {
		return errors.Join(store.ErrInvalidInput, err)
	}
	return nil
}

func (b *Blob) GetBlob(_ context.Context, key string) ([]byte, bool, error) {
	data, err := b.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *Blob) DeleteBlob(_ context.Context, key string) error {
	if err := b.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (b *Blob) Close(_ context.Context) error {
	return b.c.Close()
}
