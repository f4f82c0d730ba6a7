package codec

import "fmt"

// Limit wraps another codec and refuses payloads larger than Max bytes in
// both directions. Max <= 0 disables the check.
//
// Decode-side limiting protects callers from oversized rows written by
// another producer sharing the table; encode-side limiting stops values that
// would otherwise land in the overflow store.
type Limit[V any] struct {
	Inner Codec[V]
	Max   int
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.Max > 0 && len(b) > c.Max {
		return nil, fmt.Errorf("codec: encoded value too large: %d > %d", len(b), c.Max)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.Max > 0 && len(b) > c.Max {
		var zero V
		return zero, fmt.Errorf("codec: payload too large: %d > %d", len(b), c.Max)
	}
	return c.Inner.Decode(b)
}
