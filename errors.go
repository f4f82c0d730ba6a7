package dynacache

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/unkn0wn-root/dynacache/store"
)

var (
	// ErrStoreUnavailable marks transport failures (timeouts, throttling,
	// connection errors). The cache never retries them; callers may.
	ErrStoreUnavailable = store.ErrUnavailable

	// ErrConfiguration is returned for invalid Options and for values that
	// need the overflow store when none is configured. It is raised before
	// any store call.
	ErrConfiguration = errors.New("dynacache: configuration error")

	// ErrKeyExists is returned by Add when a live entry already exists.
	ErrKeyExists = errors.New("dynacache: key already exists")

	// ErrNotSupported is returned when the configured store lacks the
	// capability an operation needs.
	ErrNotSupported = errors.New("dynacache: operation not supported by store")
)

// BatchError reports the keys of a multi-key call that could not be
// confirmed. Keys in Succeeded were fully applied and stay applied.
type BatchError struct {
	Op        string
	Failed    map[string]error // caller key -> cause
	Succeeded []string
}

func (e *BatchError) Error() string {
	keys := e.Keys()
	var b strings.Builder
	fmt.Fprintf(&b, "dynacache: %s: %d of %d keys failed", e.Op, len(keys), len(keys)+len(e.Succeeded))
	if len(keys) > 0 {
		fmt.Fprintf(&b, " (first %q: %v)", keys[0], e.Failed[keys[0]])
	}
	return b.String()
}

// Keys returns the failed keys in sorted order.
func (e *BatchError) Keys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Unwrap exposes the per-key causes in key order, so
// errors.Is(err, ErrStoreUnavailable) works on a batch result.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, k := range e.Keys() {
		if err := e.Failed[k]; err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
