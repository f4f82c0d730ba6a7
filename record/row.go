package record

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned by Decode for rows that cannot represent an entry.
var ErrMalformed = errors.New("record: malformed row")

// Entry is the logical cache entry.
// ExpiresAt is epoch seconds; 0 means the entry never expires.
// Exactly one of Value (inline) or BlobKey (overflowed) is meaningful.
type Entry struct {
	Key       string
	Value     []byte
	BlobKey   string
	ExpiresAt int64
}

// Overflowed reports whether the entry's value lives in the blob store.
func (e Entry) Overflowed() bool { return e.BlobKey != "" }

// Row is a stored record keyed by column name.
type Row map[string]any

// Encode builds the row persisted for e. Inline entries carry the value
// column, overflowed entries carry the blob key column instead. The ttl
// column is omitted when e never expires.
func (c Columns) Encode(e Entry) Row {
	row := Row{c.Key: e.Key}
	if e.Overflowed() {
		row[c.BlobKey] = e.BlobKey
	} else {
		v := e.Value
		if v == nil {
			v = []byte{}
		}
		row[c.Value] = v
	}
	if e.ExpiresAt != 0 {
		row[c.TTL] = e.ExpiresAt
	}
	return row
}

// Decode reads an entry back from row. Absent ttl and blob key columns are
// fine; a row with no key, or with neither a value nor a blob key, is not.
func (c Columns) Decode(row Row) (Entry, error) {
	var e Entry
	key, ok := row[c.Key].(string)
	if !ok || key == "" {
		return e, fmt.Errorf("%w: missing %q", ErrMalformed, c.Key)
	}
	e.Key = key

	if raw, ok := row[c.TTL]; ok && raw != nil {
		ts, err := toInt64(raw)
		if err != nil {
			return e, fmt.Errorf("%w: column %q: %v", ErrMalformed, c.TTL, err)
		}
		e.ExpiresAt = ts
	}

	if bk, ok := row[c.BlobKey].(string); ok && bk != "" {
		e.BlobKey = bk
		return e, nil
	}

	switch v := row[c.Value].(type) {
	case []byte:
		e.Value = v
	case string:
		// rows written by string-typed clients
		e.Value = []byte(v)
	default:
		return e, fmt.Errorf("%w: neither %q nor %q set", ErrMalformed, c.Value, c.BlobKey)
	}
	return e, nil
}

// KeyOf returns the key column of row, or "" if it is missing.
func (c Columns) KeyOf(row Row) string {
	k, _ := row[c.Key].(string)
	return k
}

// BlobKeyOf returns the blob key column of row, or "" if it is missing.
func (c Columns) BlobKeyOf(row Row) string {
	k, _ := row[c.BlobKey].(string)
	return k
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
