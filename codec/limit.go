package codec

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned by Limit for values over the configured size.
var ErrTooLarge = errors.New("codec: value too large")

// DefaultMaxItemSize is the default item size limit of memcached.
const DefaultMaxItemSize = 1 << 20

// Limit wraps a codec and refuses values larger than a maximum size, in
// either direction. A maximum of zero or less disables the check.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, fmt.Errorf("%w: encoded %d > %d bytes", ErrTooLarge, len(b), c.MaxEncode)
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: payload %d > %d bytes", ErrTooLarge, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}

// Flags forwards the flags of the inner codec, if any.
func (c Limit[V]) Flags() uint32 {
	if f, ok := c.Inner.(Flagger); ok {
		return f.Flags()
	}
	return 0
}
