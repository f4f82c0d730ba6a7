// Package codec holds the serializers a Cache uses to turn values into the
// bytes it stores. The cache itself only ever sees bytes.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
