// Package codec holds the pluggable serializers used by provider-backed tiers.
// Values go through a Codec; keys go through a KeyCodec into storage strings.
package codec

import (
	"fmt"
	"strconv"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// KeyCodec turns a logical key into the string stored in a byte tier.
// Equal keys must encode to equal strings.
type KeyCodec[K any] interface {
	EncodeKey(K) string
}

// KeyFunc adapts a plain function to KeyCodec.
type KeyFunc[K any] func(K) string

func (f KeyFunc[K]) EncodeKey(k K) string { return f(k) }

// StringKey passes string keys through unchanged.
type StringKey struct{}

func (StringKey) EncodeKey(k string) string { return k }

// IntKey formats signed integer keys in base 10.
type IntKey[K ~int | ~int8 | ~int16 | ~int32 | ~int64] struct{}

func (IntKey[K]) EncodeKey(k K) string { return strconv.FormatInt(int64(k), 10) }

// FmtKey formats any key with fmt.Sprint. Fine for tests; prefer a typed codec
// for keys whose %v form is not unique.
type FmtKey[K any] struct{}

func (FmtKey[K]) EncodeKey(k K) string { return fmt.Sprint(k) }
