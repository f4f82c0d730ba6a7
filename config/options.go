package config

import (
	"github.com/unkn0wn-root/dynacache"
	"github.com/unkn0wn-root/dynacache/codec"
)

// Options maps c onto cache options. Logger, Hooks and Clock are left for the
// caller.
func Options[V any](c *Config, cd codec.Codec[V]) (dynacache.Options[V], error) {
	if err := c.Validate(); err != nil {
		return dynacache.Options[V]{}, err
	}
	pf, err := c.PrimaryFactory()
	if err != nil {
		return dynacache.Options[V]{}, err
	}
	bf, err := c.BlobFactory()
	if err != nil {
		return dynacache.Options[V]{}, err
	}
	return dynacache.Options[V]{
		TableName:        c.Table,
		Codec:            cd,
		PrimaryFactory:   pf,
		BucketName:       c.Bucket,
		BlobFactory:      bf,
		Columns:          c.Columns,
		Namespace:        c.Namespace,
		Timeout:          c.Timeout,
		SizeThreshold:    c.SizeThreshold,
		DefaultTTL:       c.DefaultTTL,
		BlobConcurrency:  c.BlobConcurrency,
		BatchParallelism: c.BatchParallelism,
		DisableSelfHeal:  c.DisableSelfHeal,
	}, nil
}
