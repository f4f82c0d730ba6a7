// Package batch splits multi-key calls into store-sized chunks and runs them
// with per-chunk failure isolation.
package batch

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/dynacache/store"
)

// Chunk splits items into consecutive groups of at most size elements.
// size <= 0 yields a single group.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

// Plan controls how Run splits and schedules work.
type Plan struct {
	Size     int // items per chunk; <= 0 means one chunk
	Parallel int // concurrent chunks; <= 0 means 1
}

// Run calls fn once per chunk of items and returns the keys that could not
// be confirmed, mapped to their cause. A chunk's failure never stops other
// chunks. When fn returns a *store.PartialError only its Keys fail; any other
// error fails the whole chunk. Chunks not started before ctx is done fail
// with ctx.Err(). Chunks already completed stay committed.
func Run[T any](ctx context.Context, items []T, plan Plan, keyOf func(T) string, fn func(ctx context.Context, chunk []T) error) map[string]error {
	chunks := Chunk(items, plan.Size)
	if len(chunks) == 0 {
		return nil
	}

	results := make([]error, len(chunks))
	var g errgroup.Group
	g.SetLimit(max(plan.Parallel, 1))
	for i, ch := range chunks {
		if err := ctx.Err(); err != nil {
			results[i] = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = fn(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	for i, err := range results {
		if err == nil {
			continue
		}
		var pe *store.PartialError
		if errors.As(err, &pe) {
			for _, k := range pe.Keys {
				failed[k] = pe.Err
			}
			continue
		}
		for _, it := range chunks[i] {
			failed[keyOf(it)] = err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

// Keys returns the distinct keys of in, keeping first-seen order.
func Keys(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
