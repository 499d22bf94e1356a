package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOROptions tunes the CBOR codec. The zero value gives preferred unsorted
// encoding with RFC3339Nano timestamps.
type CBOROptions struct {
	// Canonical selects RFC 8949 core deterministic encoding, so equal values
	// always produce equal bytes.
	Canonical bool
	// UnixTime encodes time.Time as integer seconds instead of RFC3339Nano.
	UnixTime bool
	// MaxNestedLevels bounds decoding depth of entries read back from a shared
	// tier. Zero keeps the library default.
	MaxNestedLevels int
}

// CBOR serializes values with fxamacker/cbor. Build it with NewCBOR or MustCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](opts CBOROptions) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if opts.Canonical {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	if opts.UnixTime {
		eo.Time = cbor.TimeUnix
	}
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}

	do := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}
	if opts.MaxNestedLevels > 0 {
		do.MaxNestedLevels = opts.MaxNestedLevels
	}
	dm, err := do.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// MustCBOR panics when opts are rejected by the library.
func MustCBOR[V any](opts CBOROptions) CBOR[V] {
	c, err := NewCBOR[V](opts)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
