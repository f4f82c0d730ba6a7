// Package redis implements store.Primary on Redis. Each row is a hash keyed
// by the storage key; expiry is mirrored with EXPIREAT so Redis reclaims
// expired rows on its own.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
)

var (
	ErrNilClient = errors.New("redis store: nil client")
	errContended = errors.New("redis store: optimistic transaction kept failing")
)

const (
	maxTxRetries = 8
	scanCount    = 100
	batchLimit   = 500
)

type Redis struct {
	rdb         goredis.UniversalClient
	cols        record.Columns
	closeClient bool
}

var (
	_ store.Primary = (*Redis)(nil)
	_ store.Adder   = (*Redis)(nil)
	_ store.Expirer = (*Redis)(nil)
	_ store.Scanner = (*Redis)(nil)
	_ store.Checker = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	Columns     record.Columns
	CloseClient bool // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, cols: cfg.Columns.WithDefaults(), closeClient: cfg.CloseClient}, nil
}

// Factory dials a new client per open cycle and owns it. The table name is
// not used; isolate tables with Options.Namespace or a separate DB.
func Factory(opts *goredis.UniversalOptions) store.PrimaryFactory {
	return func(ctx context.Context, pc store.PrimaryConfig) (store.Primary, error) {
		rdb := goredis.NewUniversalClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, classify("redis ping", err)
		}
		return New(Config{Client: rdb, Columns: pc.Columns, CloseClient: true})
	}
}

func (r *Redis) Limits() store.Limits { return store.Limits{MaxGet: batchLimit, MaxWrite: batchLimit} }

func (r *Redis) Check(ctx context.Context) error {
	return classify("redis ping", r.rdb.Ping(ctx).Err())
}

func (r *Redis) GetOne(ctx context.Context, key string) (record.Row, bool, error) {
	m, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, classify("redis get", err)
	}
	row := r.toRow(m)
	return row, row != nil, nil
}

func (r *Redis) GetMany(ctx context.Context, keys []string) (map[string]record.Row, error) {
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	_, err := r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	out := make(map[string]record.Row, len(keys))
	var failed []string
	for i, cmd := range cmds {
		m, cerr := cmd.Result()
		if cerr != nil {
			failed = append(failed, keys[i])
			continue
		}
		if row := r.toRow(m); row != nil {
			out[keys[i]] = row
		}
	}
	return out, store.Partial(failed, classify("redis get", err))
}

func (r *Redis) PutOne(ctx context.Context, row record.Row) (record.Row, error) {
	key := r.cols.KeyOf(row)
	if key == "" {
		return nil, store.ErrInvalidInput
	}
	var prev record.Row
	err := r.watch(ctx, key, func(tx *goredis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		prev = r.toRow(m)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			r.write(ctx, pipe, key, row)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// PutMany writes all rows in one MULTI/EXEC, so a chunk lands entirely or
// not at all.
func (r *Redis) PutMany(ctx context.Context, rows []record.Row) error {
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		k := r.cols.KeyOf(row)
		if k == "" {
			return store.ErrInvalidInput
		}
		keys = append(keys, k)
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, row := range rows {
			r.write(ctx, pipe, keys[i], row)
		}
		return nil
	})
	if err != nil {
		return store.Partial(keys, classify("redis put", err))
	}
	return nil
}

// write replaces the hash at key with row.
func (r *Redis) write(ctx context.Context, pipe goredis.Pipeliner, key string, row record.Row) {
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any(row))
	if exp := r.expiresAt(row); exp != 0 {
		pipe.ExpireAt(ctx, key, time.Unix(exp, 0))
	}
}

func (r *Redis) DeleteOne(ctx context.Context, key string) error {
	return classify("redis delete", r.rdb.Del(ctx, key).Err())
}

// DeleteMany issues one DEL per key so keys may live on different cluster
// slots.
func (r *Redis) DeleteMany(ctx context.Context, keys []string) error {
	cmds := make([]*goredis.IntCmd, len(keys))
	_, err := r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Del(ctx, k)
		}
		return nil
	})
	var failed []string
	for i, cmd := range cmds {
		if cmd.Err() != nil {
			failed = append(failed, keys[i])
		}
	}
	return store.Partial(failed, classify("redis delete", err))
}

func (r *Redis) DeleteIfBlob(ctx context.Context, key, blobKey string) error {
	return r.watch(ctx, key, func(tx *goredis.Tx) error {
		cur, err := tx.HGet(ctx, key, r.cols.BlobKey).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil || cur != blobKey {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	})
}

func (r *Redis) PutIfAbsent(ctx context.Context, row record.Row, now int64) (record.Row, bool, error) {
	key := r.cols.KeyOf(row)
	if key == "" {
		return nil, false, store.ErrInvalidInput
	}
	var (
		prev  record.Row
		added bool
	)
	err := r.watch(ctx, key, func(tx *goredis.Tx) error {
		prev, added = nil, false
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur := r.toRow(m)
		if cur != nil && r.alive(cur, now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			r.write(ctx, pipe, key, row)
			return nil
		})
		if err == nil {
			prev, added = cur, true
		}
		return err
	})
	return prev, added, err
}

func (r *Redis) UpdateExpiry(ctx context.Context, key string, expiresAt, now int64) (bool, error) {
	var updated bool
	err := r.watch(ctx, key, func(tx *goredis.Tx) error {
		updated = false
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur := r.toRow(m)
		if cur == nil || !r.alive(cur, now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if expiresAt == 0 {
				pipe.HDel(ctx, key, r.cols.TTL)
				pipe.Persist(ctx, key)
				return nil
			}
			pipe.HSet(ctx, key, r.cols.TTL, expiresAt)
			pipe.ExpireAt(ctx, key, time.Unix(expiresAt, 0))
			return nil
		})
		updated = err == nil
		return err
	})
	return updated, err
}

// Scan walks the keyspace with SCAN MATCH <prefix>*. Like SCAN itself it may
// return a key more than once. Keys under the prefix that are not cache rows
// (other value types, hashes without a key column) are skipped.
func (r *Redis) Scan(ctx context.Context, prefix string, fn func([]record.Row) error) error {
	match := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return classify("redis scan", err)
		}
		if len(keys) > 0 {
			page, err := r.scanPage(ctx, keys)
			if err != nil {
				return err
			}
			if len(page) > 0 {
				if err := fn(page); err != nil {
					return err
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *Redis) scanPage(ctx context.Context, keys []string) ([]record.Row, error) {
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	_, _ = r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	})
	page := make([]record.Row, 0, len(keys))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if isWrongType(err) {
			continue
		}
		if err != nil {
			return nil, classify("redis scan", err)
		}
		row := r.toRow(m)
		if row == nil {
			continue
		}
		if _, err := r.cols.Decode(row); err != nil {
			continue
		}
		page = append(page, row)
	}
	return page, nil
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (r *Redis) Close(context.Context) error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (r *Redis) watch(ctx context.Context, key string, fn func(*goredis.Tx) error) error {
	for range maxTxRetries {
		err := r.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return classify("redis tx", err)
		}
	}
	return store.Unavailable("redis tx", errContended)
}

// toRow converts a hash to a row. Hash fields come back as strings; the value
// column is returned as bytes and the ttl column as int64 when numeric.
func (r *Redis) toRow(m map[string]string) record.Row {
	if len(m) == 0 {
		return nil
	}
	row := make(record.Row, len(m))
	for f, v := range m {
		switch f {
		case r.cols.Value:
			row[f] = []byte(v)
		case r.cols.TTL:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				row[f] = n
			} else {
				row[f] = v
			}
		default:
			row[f] = v
		}
	}
	return row
}

func (r *Redis) expiresAt(row record.Row) int64 {
	e, err := r.cols.Decode(row)
	if err != nil {
		return 0
	}
	return e.ExpiresAt
}

func (r *Redis) alive(row record.Row, now int64) bool {
	e, err := r.cols.Decode(row)
	return err == nil && (e.ExpiresAt == 0 || e.ExpiresAt > now)
}

// classify marks everything but server replies as unavailability.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return nil
	}
	var rerr goredis.Error
	if errors.As(err, &rerr) && !errors.Is(err, goredis.TxFailedErr) {
		return err
	}
	return store.Unavailable(op, err)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
