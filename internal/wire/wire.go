// Package wire frames a record.Row as bytes for stores that only hold
// opaque values.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/unkn0wn-root/dynacache/record"
)

const (
	version byte = 1

	tagString byte = 's'
	tagBytes  byte = 'b'
	tagInt    byte = 'i'
)

var (
	ErrCorrupt = errors.New("dynacache: corrupt row")
	magic4     = [...]byte{'D', 'Y', 'N', 'R'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// EncodeRow frames row as:
//
//	magic(4) | ver(1) | n(u16 be)
//	nameLen(u16 be) | name | tag(1) | value * n
//
// where value is len(u32 be)+bytes for tags 's' and 'b', and an int64 (be)
// for tag 'i'. Columns are written in name order so equal rows encode
// identically.
func EncodeRow(row record.Row) ([]byte, error) {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	sort.Strings(names)
	if len(names) > 0xFFFF {
		return nil, fmt.Errorf("wire: too many columns: %d", len(names))
	}

	var buf bytes.Buffer
	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u2 [2]byte
	var u4 [4]byte
	var u8 [8]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(names)))
	buf.Write(u2[:])

	for _, name := range names {
		if l := len(name); l == 0 || l > 0xFFFF {
			return nil, fmt.Errorf("wire: invalid column name length %d", l)
		}
		binary.BigEndian.PutUint16(u2[:], uint16(len(name)))
		buf.Write(u2[:])
		buf.WriteString(name)

		switch v := row[name].(type) {
		case string:
			buf.WriteByte(tagString)
			binary.BigEndian.PutUint32(u4[:], uint32(len(v)))
			buf.Write(u4[:])
			buf.WriteString(v)
		case []byte:
			buf.WriteByte(tagBytes)
			binary.BigEndian.PutUint32(u4[:], uint32(len(v)))
			buf.Write(u4[:])
			buf.Write(v)
		case int64:
			buf.WriteByte(tagInt)
			binary.BigEndian.PutUint64(u8[:], uint64(v))
			buf.Write(u8[:])
		default:
			return nil, fmt.Errorf("wire: column %q: unsupported type %T", name, v)
		}
	}
	return buf.Bytes(), nil
}

// DecodeRow parses bytes produced by EncodeRow. Byte values are copied, so
// the result does not alias b. Trailing bytes are rejected.
func DecodeRow(b []byte) (record.Row, error) {
	const hdr = 4 + 1 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return nil, ErrCorrupt
	}
	off := 5
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	row := make(record.Row, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		nlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if nlen == 0 || nlen > len(b)-off {
			return nil, ErrCorrupt
		}
		name := string(b[off : off+nlen])
		off += nlen

		if off+1 > len(b) {
			return nil, ErrCorrupt
		}
		tag := b[off]
		off++

		switch tag {
		case tagString, tagBytes:
			if off+4 > len(b) {
				return nil, ErrCorrupt
			}
			vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
			off += 4
			if vlen < 0 || vlen > len(b)-off {
				return nil, ErrCorrupt
			}
			if tag == tagString {
				row[name] = string(b[off : off+vlen])
			} else {
				row[name] = bytes.Clone(b[off : off+vlen])
			}
			off += vlen
		case tagInt:
			if off+8 > len(b) {
				return nil, ErrCorrupt
			}
			row[name] = int64(binary.BigEndian.Uint64(b[off : off+8]))
			off += 8
		default:
			return nil, ErrCorrupt
		}
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return row, nil
}
