package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnavailable marks transport failures: timeouts, throttling and
	// connection errors. Retrying later may succeed.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidInput marks requests the store rejected as invalid.
	ErrInvalidInput = errors.New("store rejected input")

	ErrTableNotFound  = errors.New("table not found")
	ErrBucketNotFound = errors.New("bucket not found")
)

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrUnavailable, e.err)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
// Errors already marked are returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// PartialError reports keys of a batch call that could not be confirmed.
// Keys not listed succeeded.
type PartialError struct {
	Keys []string
	Err  error
}

func (e *PartialError) Error() string {
	keys := append([]string(nil), e.Keys...)
	sort.Strings(keys)
	const show = 5
	list := keys
	if len(list) > show {
		list = list[:show]
	}
	more := ""
	if len(keys) > show {
		more = fmt.Sprintf(" (+%d more)", len(keys)-show)
	}
	return fmt.Sprintf("%d keys unconfirmed [%s]%s: %v", len(keys), strings.Join(list, ", "), more, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Partial returns a *PartialError for keys, or nil when keys is empty.
func Partial(keys []string, err error) error {
	if len(keys) == 0 {
		return nil
	}
	return &PartialError{Keys: keys, Err: err}
}
